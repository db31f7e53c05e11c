package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"adblast/internal/model"
	"adblast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

func (s *sqliteStore) CreateJob(ctx context.Context, j *model.Job) error {
	if j.Status == "" {
		j.Status = model.StatusPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, template_id, audience, status, messages_sent, messages_delivered, schedule, recurrence, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Name, j.TemplateID, j.Audience, string(j.Status),
		j.MessagesSent, j.MessagesDelivered, nullMillis(j.Schedule), j.Recurrence,
		j.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) JobByID(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, template_id, audience, status, messages_sent, messages_delivered, schedule, recurrence, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, template_id, audience, status, messages_sent, messages_delivered, schedule, recurrence, created_at, updated_at
		 FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *sqliteStore) ScheduledJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, template_id, audience, status, messages_sent, messages_delivered, schedule, recurrence, created_at, updated_at
		 FROM jobs WHERE status = ? AND schedule IS NOT NULL ORDER BY schedule ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id string, p JobPatch) error {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.MessagesSent != nil {
		sets = append(sets, "messages_sent = ?")
		args = append(args, *p.MessagesSent)
	}
	if p.MessagesDelivered != nil {
		sets = append(sets, "messages_delivered = ?")
		args = append(args, *p.MessagesDelivered)
	}
	if p.ClearSchedule {
		sets = append(sets, "schedule = NULL")
	} else if p.Schedule != nil {
		sets = append(sets, "schedule = ?")
		args = append(args, p.Schedule.UnixMilli())
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Format(time.RFC3339Nano))
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*model.Job, error) {
	var (
		j         model.Job
		status    string
		schedule  sql.NullInt64
		createdAt string
		updatedAt sql.NullString
	)
	if err := r.Scan(&j.ID, &j.Name, &j.TemplateID, &j.Audience, &status,
		&j.MessagesSent, &j.MessagesDelivered, &schedule, &j.Recurrence,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if schedule.Valid {
		t := time.UnixMilli(schedule.Int64)
		j.Schedule = &t
	}
	j.CreatedAt = parseRFC3339(createdAt)
	if updatedAt.Valid {
		t := parseRFC3339(updatedAt.String)
		j.UpdatedAt = &t
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]model.Job, error) {
	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ---- audience groups ----

func (s *sqliteStore) GroupByID(ctx context.Context, id string) (*model.AudienceGroup, error) {
	var (
		g         model.AudienceGroup
		contacts  string
		groups    string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, contacts, groups, created_at FROM audience_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &contacts, &groups, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contacts), &g.Contacts); err != nil {
		return nil, fmt.Errorf("group %s: bad contacts column: %w", id, err)
	}
	if err := json.Unmarshal([]byte(groups), &g.Groups); err != nil {
		return nil, fmt.Errorf("group %s: bad groups column: %w", id, err)
	}
	g.CreatedAt = parseRFC3339(createdAt)
	return &g, nil
}

func (s *sqliteStore) PutGroup(ctx context.Context, g *model.AudienceGroup) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	contacts, err := json.Marshal(emptyIfNil(g.Contacts))
	if err != nil {
		return err
	}
	groups, err := json.Marshal(emptyIfNil(g.Groups))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audience_groups(id, name, contacts, groups, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, contacts=excluded.contacts, groups=excluded.groups`,
		g.ID, g.Name, string(contacts), string(groups), g.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// ---- templates ----

func (s *sqliteStore) TemplateByID(ctx context.Context, id string) (*model.Template, error) {
	var (
		t         model.Template
		ready     int
		messages  string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, ready, messages, created_at FROM templates WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &ready, &messages, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Ready = ready != 0
	if err := json.Unmarshal([]byte(messages), &t.Messages); err != nil {
		return nil, fmt.Errorf("template %s: bad messages column: %w", id, err)
	}
	t.CreatedAt = parseRFC3339(createdAt)
	return &t, nil
}

func (s *sqliteStore) PutTemplate(ctx context.Context, t *model.Template) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	messages, err := json.Marshal(emptyIfNilMsgs(t.Messages))
	if err != nil {
		return err
	}
	ready := 0
	if t.Ready {
		ready = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates(id, name, ready, messages, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, ready=excluded.ready, messages=excluded.messages`,
		t.ID, t.Name, ready, string(messages), t.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// ---- helpers ----

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func parseRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func emptyIfNilMsgs(v []model.TemplateMessage) []model.TemplateMessage {
	if v == nil {
		return []model.TemplateMessage{}
	}
	return v
}
