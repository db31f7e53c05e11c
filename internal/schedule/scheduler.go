package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"adblast/internal/dispatch"
	"adblast/internal/model"
	"adblast/internal/store"
	"adblast/pkg/logx"
)

// ErrJobNotFound means the job id has no persisted record to schedule.
var ErrJobNotFound = errors.New("job not found")

// Config tunes the scheduler.
type Config struct {
	// DispatchTimeout bounds one timer-fired dispatch. Zero disables it.
	DispatchTimeout time.Duration
}

// Dispatcher runs one job to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) (dispatch.Result, error)
}

// JobStore is the slice of the repository the scheduler needs.
type JobStore interface {
	JobByID(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, id string, p store.JobPatch) error
	ScheduledJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error)
	ListJobs(ctx context.Context) ([]model.Job, error)
}

// Entry is one live schedule: a job id and its target time. Recurring entries
// report their next fire time.
type Entry struct {
	JobID     string    `json:"job_id"`
	At        time.Time `json:"at"`
	Recurring bool      `json:"recurring,omitempty"`
	Spec      string    `json:"spec,omitempty"`
}

// Scheduler owns the job-id to timer mapping. Timers live only in memory;
// after a restart Initialize rebuilds them from the persisted scheduled-time
// fields. At most one live entry exists per job id: scheduling over an
// existing entry cancels it first, never leaving two timers.
type Scheduler struct {
	cfg        Config
	jobs       JobStore
	dispatcher Dispatcher
	log        logx.Logger
	now        func() time.Time

	tmu    sync.Mutex
	timers map[string]*time.Timer
	dueAt  map[string]time.Time
	// ver ignores callbacks from timers that were replaced or cancelled
	// between AfterFunc firing and the callback taking the lock.
	ver map[string]uint64

	cmu     sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	specs   map[string]string

	stopped bool
}

func New(cfg Config, jobs JobStore, dispatcher Dispatcher, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := cron.New()
	c.Start()
	return &Scheduler{
		cfg:        cfg,
		jobs:       jobs,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
		timers:     map[string]*time.Timer{},
		dueAt:      map[string]time.Time{},
		ver:        map[string]uint64{},
		cron:       c,
		entries:    map[string]cron.EntryID{},
		specs:      map[string]string{},
	}
}

// Schedule arms (or re-arms) jobID for execution at the given time. A target
// in the past is not an error: the dispatch runs synchronously before
// Schedule returns. Jobs carrying a recurrence spec are registered on the
// cron runner instead of a one-shot timer.
func (s *Scheduler) Schedule(ctx context.Context, jobID string, at time.Time) error {
	job, err := s.jobs.JobByID(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	// Replace, never double-arm.
	s.Cancel(jobID)

	if job.Recurrence != "" {
		if err := s.scheduleRecurring(jobID, job.Recurrence); err != nil {
			return err
		}
		s.log.Info("recurring schedule armed", logx.String("job", jobID), logx.String("spec", job.Recurrence))
		return nil
	}

	if err := s.jobs.UpdateJob(ctx, jobID, store.JobPatch{Schedule: &at}); err != nil {
		return fmt.Errorf("persist schedule for job %s: %w", jobID, err)
	}

	delay := at.Sub(s.now())
	if delay <= 0 {
		// The past is immediate execution, synchronously awaited. A dispatch
		// failure here is both a state transition and the caller's error.
		s.log.Info("schedule due, executing now", logx.String("job", jobID), logx.Time("at", at))
		return s.run(ctx, jobID)
	}

	s.tmu.Lock()
	v := s.ver[jobID] + 1
	s.ver[jobID] = v
	s.dueAt[jobID] = at
	s.timers[jobID] = time.AfterFunc(delay, func() { s.fire(jobID, v) })
	s.tmu.Unlock()

	s.log.Info("schedule armed", logx.String("job", jobID), logx.Time("at", at), logx.Duration("in", delay))
	return nil
}

// Reschedule is cancel-then-schedule under one call.
func (s *Scheduler) Reschedule(ctx context.Context, jobID string, at time.Time) error {
	s.Cancel(jobID)
	return s.Schedule(ctx, jobID, at)
}

// Cancel removes and invalidates any live entry for jobID. It only prevents
// a future fire; a dispatch already in progress runs to completion. Calling
// it without an entry is a no-op.
func (s *Scheduler) Cancel(jobID string) bool {
	removed := false

	s.tmu.Lock()
	if t, ok := s.timers[jobID]; ok {
		_ = t.Stop()
		delete(s.timers, jobID)
		delete(s.dueAt, jobID)
		s.ver[jobID]++
		removed = true
	}
	s.tmu.Unlock()

	s.cmu.Lock()
	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
		delete(s.entries, jobID)
		delete(s.specs, jobID)
		removed = true
	}
	s.cmu.Unlock()

	if removed {
		s.log.Debug("schedule cancelled", logx.String("job", jobID))
	}
	return removed
}

// List reports the current live entries sorted by due time.
func (s *Scheduler) List() []Entry {
	var out []Entry

	s.tmu.Lock()
	for id, at := range s.dueAt {
		out = append(out, Entry{JobID: id, At: at})
	}
	s.tmu.Unlock()

	s.cmu.Lock()
	for id, eid := range s.entries {
		out = append(out, Entry{JobID: id, At: s.cron.Entry(eid).Next, Recurring: true, Spec: s.specs[id]})
	}
	s.cmu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Initialize rebuilds the in-memory schedule from persisted state: every job
// still pending with a non-null scheduled time is re-armed, and dispatchable
// recurring jobs are re-registered. One job's failure never aborts
// reconciliation of the rest.
func (s *Scheduler) Initialize(ctx context.Context) error {
	jobs, err := s.jobs.ScheduledJobs(ctx, model.StatusPending)
	if err != nil {
		return fmt.Errorf("load scheduled jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Schedule == nil || j.Recurrence != "" {
			continue
		}
		if err := s.Schedule(ctx, j.ID, *j.Schedule); err != nil {
			s.log.Warn("schedule rebuild failed", logx.String("job", j.ID), logx.Err(err))
		}
	}

	all, err := s.jobs.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs for recurrence: %w", err)
	}
	for _, j := range all {
		if j.Recurrence == "" || !j.Status.Dispatchable() {
			continue
		}
		if err := s.scheduleRecurring(j.ID, j.Recurrence); err != nil {
			s.log.Warn("recurrence rebuild failed", logx.String("job", j.ID), logx.String("spec", j.Recurrence), logx.Err(err))
		}
	}

	s.log.Info("schedule reconciled", logx.Int("one_shot", len(jobs)), logx.Int("live", len(s.List())))
	return nil
}

// Stop cancels every live timer and the cron runner. Definitions stay
// persisted; the next Initialize rebuilds them.
func (s *Scheduler) Stop(ctx context.Context) {
	s.tmu.Lock()
	for id, t := range s.timers {
		_ = t.Stop()
		s.ver[id]++
	}
	s.timers = map[string]*time.Timer{}
	s.dueAt = map[string]time.Time{}
	s.stopped = true
	s.tmu.Unlock()

	s.cmu.Lock()
	c := s.cron
	s.entries = map[string]cron.EntryID{}
	s.specs = map[string]string{}
	s.cmu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) scheduleRecurring(jobID, spec string) error {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if old, ok := s.entries[jobID]; ok {
		s.cron.Remove(old)
	}
	eid, err := s.cron.AddFunc(spec, func() { s.fireRecurring(jobID) })
	if err != nil {
		return fmt.Errorf("invalid recurrence %q for job %s: %w", spec, jobID, err)
	}
	s.entries[jobID] = eid
	s.specs[jobID] = spec
	return nil
}

// fire is the one-shot timer callback. The entry leaves the live map before
// the processor runs, so a job is never both "scheduled" and "running" in
// the bookkeeping.
func (s *Scheduler) fire(jobID string, v uint64) {
	s.tmu.Lock()
	if s.ver[jobID] != v || s.stopped {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, jobID)
	delete(s.dueAt, jobID)
	s.tmu.Unlock()

	ctx := context.Background()
	if s.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		defer cancel()
	}
	_ = s.run(ctx, jobID)
}

func (s *Scheduler) fireRecurring(jobID string) {
	ctx := context.Background()
	if s.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		defer cancel()
	}
	_ = s.run(ctx, jobID)
}

// run invokes the processor and converts its errors into a job-state
// transition. The dispatch error is returned for synchronous callers;
// timer-fired paths discard it so a failed dispatch never crashes the
// scheduler.
func (s *Scheduler) run(ctx context.Context, jobID string) error {
	res, err := s.dispatcher.Dispatch(ctx, jobID)
	if err == nil {
		s.log.Info("scheduled dispatch done",
			logx.String("job", jobID),
			logx.String("status", string(res.Status)),
			logx.Int("sent", res.Sent),
			logx.Int("failed", res.Failed))
		return nil
	}

	if errors.Is(err, dispatch.ErrNotDispatchable) {
		// Someone moved the job (stopped, rejected, already terminal) between
		// arming and firing. Terminal states are one-directional; leave it.
		s.log.Debug("scheduled dispatch skipped", logx.String("job", jobID), logx.Err(err))
		return nil
	}

	s.log.Warn("scheduled dispatch failed", logx.String("job", jobID), logx.Err(err))
	failed := model.StatusFailed
	if uerr := s.jobs.UpdateJob(ctx, jobID, store.JobPatch{Status: &failed}); uerr != nil {
		s.log.Error("could not mark job failed", logx.String("job", jobID), logx.Err(uerr))
	}
	return err
}
