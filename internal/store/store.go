package store

import (
	"context"
	"errors"
	"time"

	"adblast/internal/model"
)

var ErrNotFound = errors.New("record not found")

// JobPatch is a partial update for a job record. Nil fields are left
// untouched; ClearSchedule removes the scheduled time.
type JobPatch struct {
	Status            *model.JobStatus
	MessagesSent      *int
	MessagesDelivered *int
	Schedule          *time.Time
	ClearSchedule     bool
}

// Store is the persistence API used by the engine and the admin surface.
//
// Jobs are mutated through patch-style updates so each state transition
// touches only the fields it owns.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	JobByID(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context) ([]model.Job, error)
	UpdateJob(ctx context.Context, id string, p JobPatch) error
	// ScheduledJobs returns every job in the given status with a non-null
	// scheduled time. This is the scheduler's restart recovery source.
	ScheduledJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error)

	GroupByID(ctx context.Context, id string) (*model.AudienceGroup, error)
	PutGroup(ctx context.Context, g *model.AudienceGroup) error

	TemplateByID(ctx context.Context, id string) (*model.Template, error)
	PutTemplate(ctx context.Context, t *model.Template) error

	Close() error
}

// Config configures the store. Path is the SQLite database file.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}
