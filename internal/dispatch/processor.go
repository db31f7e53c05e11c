package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"adblast/internal/model"
	"adblast/internal/notify"
	"adblast/internal/store"
	"adblast/internal/transport"
	"adblast/pkg/logx"
)

var (
	// ErrNotReady means the transport client reports no usable session.
	// The job is left untouched.
	ErrNotReady = errors.New("transport not ready")
	// ErrTemplateNotPrepared means the template content has not been
	// delivered-to-self yet, so there are no message ids to forward.
	ErrTemplateNotPrepared = errors.New("template not prepared")
	// ErrNotDispatchable means the job is not in a state the engine may run.
	ErrNotDispatchable = errors.New("job not dispatchable")
)

// Config tunes the processor.
type Config struct {
	// SendDelay is the fixed inter-recipient delay applied after every
	// recipient regardless of outcome, independent of the token bucket.
	SendDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendDelay <= 0 {
		c.SendDelay = time.Second
	}
	return c
}

// Resolver expands an audience reference into recipients.
type Resolver interface {
	Resolve(ctx context.Context, ref string) ([]string, error)
}

// RateGate grants or denies one send per call. Denials are flow control,
// never errors.
type RateGate interface {
	CanSend(key string) bool
}

// JobStore is the slice of the repository the processor needs.
type JobStore interface {
	JobByID(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, id string, p store.JobPatch) error
	TemplateByID(ctx context.Context, id string) (*model.Template, error)
}

// Result summarizes one dispatch pass.
type Result struct {
	JobID  string
	Total  int
	Sent   int
	Failed int
	Status model.JobStatus
}

// Processor drives one job through its delivery state machine: resolve the
// audience, walk recipients strictly in order, forward stored messages, and
// persist the terminal state. Recipients within a job are delivered strictly
// sequentially; distinct jobs may dispatch concurrently.
type Processor struct {
	mu   sync.Mutex
	cfg  Config
	pace *rate.Limiter

	jobs     JobStore
	resolver Resolver
	limiter  RateGate
	client   transport.Client
	sink     notify.Sink
	log      logx.Logger
}

func NewProcessor(cfg Config, jobs JobStore, resolver Resolver, limiter RateGate, client transport.Client, sink notify.Sink, log logx.Logger) *Processor {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Processor{
		cfg:      cfg,
		pace:     rate.NewLimiter(rate.Every(cfg.SendDelay), 1),
		jobs:     jobs,
		resolver: resolver,
		limiter:  limiter,
		client:   client,
		sink:     sink,
		log:      log,
	}
}

// Apply swaps processor tunables at runtime. In-flight dispatches pick up the
// new pacing on their next recipient.
func (p *Processor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.cfg = cfg
	p.pace.SetLimit(rate.Every(cfg.SendDelay))
	p.mu.Unlock()
}

// Dispatch runs the full recipient loop for jobID to completion.
//
// Per-recipient delivery failures and rate-limit denials are counted and
// reported but never abort the pass. Anything else (persistence errors,
// context cancellation) forces the job to failed and is returned.
func (p *Processor) Dispatch(ctx context.Context, jobID string) (Result, error) {
	res := Result{JobID: jobID}

	job, err := p.jobs.JobByID(ctx, jobID)
	if err != nil {
		return res, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !job.Status.Dispatchable() {
		return res, fmt.Errorf("%w: job %s is %s", ErrNotDispatchable, jobID, job.Status)
	}

	// Fail fast before mutating anything.
	if !p.client.IsReady() {
		return res, ErrNotReady
	}
	tpl, err := p.jobs.TemplateByID(ctx, job.TemplateID)
	if err != nil {
		return res, fmt.Errorf("load template %s: %w", job.TemplateID, err)
	}
	if !tpl.Prepared() {
		return res, fmt.Errorf("%w: template %s", ErrTemplateNotPrepared, tpl.ID)
	}
	messageIDs := tpl.MessageIDs()

	log := p.log.With(logx.String("job", job.ID))
	log.Info("dispatch started", logx.String("template", tpl.ID), logx.String("audience", job.Audience))

	if err := p.setStatus(ctx, job, model.StatusRunning); err != nil {
		return res, err
	}

	recipients, err := p.resolver.Resolve(ctx, job.Audience)
	if err != nil {
		log.Warn("audience resolution failed", logx.Err(err))
		if ferr := p.setStatus(ctx, job, model.StatusFailed); ferr != nil {
			log.Error("failure transition not persisted", logx.Err(ferr))
		}
		res.Status = model.StatusFailed
		return res, err
	}
	res.Total = len(recipients)

	for _, recipient := range recipients {
		switch {
		case !p.limiter.CanSend(recipient):
			res.Failed++
			p.sink.Broadcast(notify.EventJobProgress, notify.ProgressEvent{
				Recipient: recipient,
				Status:    notify.OutcomeError,
				Message:   "rate limited",
			})
			log.Debug("recipient rate limited", logx.String("recipient", recipient))
		default:
			if serr := p.client.ForwardStoredMessages(ctx, recipient, messageIDs); serr != nil {
				res.Failed++
				p.sink.Broadcast(notify.EventJobProgress, notify.ProgressEvent{
					Recipient: recipient,
					Status:    notify.OutcomeError,
					Message:   serr.Error(),
				})
				log.Warn("send failed", logx.String("recipient", recipient), logx.Err(serr))
			} else {
				res.Sent++
				p.sink.Broadcast(notify.EventJobProgress, notify.ProgressEvent{
					Recipient: recipient,
					Status:    notify.OutcomeSuccess,
				})
			}
		}

		// Fixed pacing after every recipient, success or not, to smooth burst
		// load on the transport.
		if err := p.pace.Wait(ctx); err != nil {
			if ferr := p.failWithCounters(ctx, job, res); ferr != nil {
				log.Error("failure transition not persisted", logx.Err(ferr))
			}
			res.Status = model.StatusFailed
			return res, err
		}
	}

	final := model.StatusCompleted
	if res.Total > 0 && res.Sent == 0 {
		// Failure is reserved for total non-delivery; any delivered message
		// counts the campaign as completed.
		final = model.StatusFailed
	}
	res.Status = final

	patch := store.JobPatch{
		Status:            &final,
		MessagesSent:      &res.Sent,
		MessagesDelivered: &res.Sent,
	}
	if err := p.jobs.UpdateJob(ctx, job.ID, patch); err != nil {
		if ferr := p.failWithCounters(ctx, job, res); ferr != nil {
			log.Error("failure transition not persisted", logx.Err(ferr))
		}
		res.Status = model.StatusFailed
		return res, fmt.Errorf("persist final state for job %s: %w", job.ID, err)
	}

	p.sink.Broadcast(notify.EventJobStatus, notify.StatusEvent{
		ID:                job.ID,
		Status:            final,
		TemplateID:        job.TemplateID,
		Audience:          job.Audience,
		MessagesSent:      &res.Sent,
		MessagesDelivered: &res.Sent,
	})
	log.Info("dispatch finished",
		logx.String("status", string(final)),
		logx.Int("total", res.Total),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed))
	return res, nil
}

// setStatus persists a transition and emits the matching status event.
func (p *Processor) setStatus(ctx context.Context, job *model.Job, status model.JobStatus) error {
	patch := store.JobPatch{Status: &status}
	if status == model.StatusRunning && job.Recurrence == "" {
		// The scheduled time is consumed once the one-shot job runs.
		patch.ClearSchedule = true
	}
	if err := p.jobs.UpdateJob(ctx, job.ID, patch); err != nil {
		return fmt.Errorf("persist %s for job %s: %w", status, job.ID, err)
	}
	p.sink.Broadcast(notify.EventJobStatus, notify.StatusEvent{
		ID:         job.ID,
		Status:     status,
		TemplateID: job.TemplateID,
		Audience:   job.Audience,
	})
	return nil
}

// failWithCounters forces the job to failed. The status event goes out even
// when the store rejects the transition: observers render live state from
// events and must see the terminal outcome.
func (p *Processor) failWithCounters(ctx context.Context, job *model.Job, res Result) error {
	failed := model.StatusFailed
	err := p.jobs.UpdateJob(ctx, job.ID, store.JobPatch{
		Status:            &failed,
		MessagesSent:      &res.Sent,
		MessagesDelivered: &res.Sent,
	})
	p.sink.Broadcast(notify.EventJobStatus, notify.StatusEvent{
		ID:                job.ID,
		Status:            failed,
		TemplateID:        job.TemplateID,
		Audience:          job.Audience,
		MessagesSent:      &res.Sent,
		MessagesDelivered: &res.Sent,
	})
	return err
}
