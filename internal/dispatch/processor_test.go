package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adblast/internal/model"
	"adblast/internal/notify"
	"adblast/internal/store"
	"adblast/pkg/logx"
)

type fakeStore struct {
	mu        sync.Mutex
	job       *model.Job
	template  *model.Template
	patches   []store.JobPatch
	updateErr error
	failAfter int // fail the Nth update (1-based); 0 disables
}

func (f *fakeStore) JobByID(_ context.Context, id string) (*model.Job, error) {
	if f.job == nil || f.job.ID != id {
		return nil, store.ErrNotFound
	}
	cp := *f.job
	return &cp, nil
}

func (f *fakeStore) UpdateJob(_ context.Context, _ string, p store.JobPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, p)
	if f.failAfter > 0 && len(f.patches) >= f.failAfter {
		return errors.New("disk full")
	}
	if f.updateErr != nil {
		return f.updateErr
	}
	if p.Status != nil {
		f.job.Status = *p.Status
	}
	if p.MessagesSent != nil {
		f.job.MessagesSent = *p.MessagesSent
	}
	if p.MessagesDelivered != nil {
		f.job.MessagesDelivered = *p.MessagesDelivered
	}
	if p.ClearSchedule {
		f.job.Schedule = nil
	}
	return nil
}

func (f *fakeStore) TemplateByID(_ context.Context, id string) (*model.Template, error) {
	if f.template == nil || f.template.ID != id {
		return nil, store.ErrNotFound
	}
	return f.template, nil
}

func (f *fakeStore) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

type fakeResolver struct {
	recipients []string
	err        error
}

func (f *fakeResolver) Resolve(context.Context, string) ([]string, error) {
	return f.recipients, f.err
}

type fakeGate struct{ allow func(string) bool }

func (f *fakeGate) CanSend(key string) bool {
	if f.allow == nil {
		return true
	}
	return f.allow(key)
}

type fakeClient struct {
	ready   bool
	failFor map[string]error
	sent    []string
}

func (f *fakeClient) IsReady() bool { return f.ready }

func (f *fakeClient) ForwardStoredMessages(_ context.Context, recipient string, _ []string) error {
	if err := f.failFor[recipient]; err != nil {
		return err
	}
	f.sent = append(f.sent, recipient)
	return nil
}

type recordedEvent struct {
	name    string
	payload any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingSink) Broadcast(event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{name: event, payload: payload})
	r.mu.Unlock()
}

func (r *recordingSink) progress() []notify.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.ProgressEvent
	for _, e := range r.events {
		if e.name == notify.EventJobProgress {
			out = append(out, e.payload.(notify.ProgressEvent))
		}
	}
	return out
}

func preparedTemplate() *model.Template {
	return &model.Template{
		ID:    "tpl-1",
		Ready: true,
		Messages: []model.TemplateMessage{
			{Kind: model.MessageText, Body: "promo", MessageID: "m1"},
			{Kind: model.MessageMedia, Caption: "banner", MessageID: "m2"},
		},
	}
}

func testJob() *model.Job {
	return &model.Job{ID: "job-1", TemplateID: "tpl-1", Audience: "aud", Status: model.StatusApproved}
}

func newTestProcessor(fs *fakeStore, res Resolver, gate RateGate, client *fakeClient, sink notify.Sink) *Processor {
	return NewProcessor(Config{SendDelay: time.Millisecond}, fs, res, gate, client, sink, logx.Nop())
}

func TestDispatchPartialSuccessCompletes(t *testing.T) {
	fs := &fakeStore{job: testJob(), template: preparedTemplate()}
	client := &fakeClient{ready: true, failFor: map[string]error{"r2": errors.New("peer vanished")}}
	sink := &recordingSink{}
	p := newTestProcessor(fs, &fakeResolver{recipients: []string{"r1", "r2", "r3"}}, &fakeGate{}, client, sink)

	res, err := p.Dispatch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("sent=%d failed=%d, want 2/1", res.Sent, res.Failed)
	}
	if fs.job.MessagesSent != 2 || fs.job.MessagesDelivered != 2 {
		t.Fatalf("persisted counters %d/%d, want 2/2", fs.job.MessagesSent, fs.job.MessagesDelivered)
	}

	prog := sink.progress()
	if len(prog) != 3 {
		t.Fatalf("expected 3 progress events, got %d", len(prog))
	}
	wantStatus := []string{notify.OutcomeSuccess, notify.OutcomeError, notify.OutcomeSuccess}
	for i, ev := range prog {
		if ev.Status != wantStatus[i] {
			t.Fatalf("progress[%d] = %s, want %s", i, ev.Status, wantStatus[i])
		}
	}
	if prog[1].Recipient != "r2" || prog[1].Message != "peer vanished" {
		t.Fatalf("error event not descriptive: %+v", prog[1])
	}

	// Final status event comes after all progress events.
	sink.mu.Lock()
	last := sink.events[len(sink.events)-1]
	sink.mu.Unlock()
	if last.name != notify.EventJobStatus {
		t.Fatalf("last event = %s, want final status event", last.name)
	}
	final := last.payload.(notify.StatusEvent)
	if final.Status != model.StatusCompleted || final.MessagesSent == nil || *final.MessagesSent != 2 {
		t.Fatalf("final status event wrong: %+v", final)
	}
}

func TestDispatchAllDeniedFails(t *testing.T) {
	fs := &fakeStore{job: testJob(), template: preparedTemplate()}
	sink := &recordingSink{}
	gate := &fakeGate{allow: func(string) bool { return false }}
	p := newTestProcessor(fs, &fakeResolver{recipients: []string{"r1", "r2", "r3"}}, gate, &fakeClient{ready: true}, sink)

	res, err := p.Dispatch(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Sent != 0 || fs.job.MessagesSent != 0 {
		t.Fatalf("sent = %d (persisted %d), want 0", res.Sent, fs.job.MessagesSent)
	}
	for _, ev := range sink.progress() {
		if ev.Status != notify.OutcomeError || ev.Message != "rate limited" {
			t.Fatalf("denied recipient should report a rate-limited error: %+v", ev)
		}
	}
}

func TestDispatchNotReadyLeavesJobUntouched(t *testing.T) {
	fs := &fakeStore{job: testJob(), template: preparedTemplate()}
	p := newTestProcessor(fs, &fakeResolver{}, &fakeGate{}, &fakeClient{ready: false}, &recordingSink{})

	_, err := p.Dispatch(context.Background(), "job-1")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if fs.updateCount() != 0 {
		t.Fatalf("job must not be mutated when transport is not ready")
	}
}

func TestDispatchUnpreparedTemplateFailsFast(t *testing.T) {
	tpl := preparedTemplate()
	tpl.Messages[1].MessageID = ""
	fs := &fakeStore{job: testJob(), template: tpl}
	p := newTestProcessor(fs, &fakeResolver{}, &fakeGate{}, &fakeClient{ready: true}, &recordingSink{})

	_, err := p.Dispatch(context.Background(), "job-1")
	if !errors.Is(err, ErrTemplateNotPrepared) {
		t.Fatalf("expected ErrTemplateNotPrepared, got %v", err)
	}
	if fs.updateCount() != 0 {
		t.Fatalf("job must not be mutated for an unprepared template")
	}
}

func TestDispatchResolverFailureForcesFailed(t *testing.T) {
	fs := &fakeStore{job: testJob(), template: preparedTemplate()}
	sink := &recordingSink{}
	p := newTestProcessor(fs, &fakeResolver{err: errors.New("repo down")}, &fakeGate{}, &fakeClient{ready: true}, sink)

	res, err := p.Dispatch(context.Background(), "job-1")
	if err == nil {
		t.Fatalf("expected resolution error")
	}
	if res.Status != model.StatusFailed || fs.job.Status != model.StatusFailed {
		t.Fatalf("job should be forced to failed, got %s", fs.job.Status)
	}
	if len(sink.progress()) != 0 {
		t.Fatalf("no partial progress may be recorded on resolution failure")
	}
}

func TestDispatchTerminalJobRejected(t *testing.T) {
	job := testJob()
	job.Status = model.StatusRunning
	fs := &fakeStore{job: job, template: preparedTemplate()}
	p := newTestProcessor(fs, &fakeResolver{}, &fakeGate{}, &fakeClient{ready: true}, &recordingSink{})

	_, err := p.Dispatch(context.Background(), "job-1")
	if !errors.Is(err, ErrNotDispatchable) {
		t.Fatalf("expected ErrNotDispatchable, got %v", err)
	}
}

func TestDispatchPersistenceFailureSurfaces(t *testing.T) {
	fs := &fakeStore{job: testJob(), template: preparedTemplate(), failAfter: 2}
	p := newTestProcessor(fs, &fakeResolver{recipients: []string{"r1"}}, &fakeGate{}, &fakeClient{ready: true}, &recordingSink{})

	res, err := p.Dispatch(context.Background(), "job-1")
	if err == nil {
		t.Fatalf("persistence failure must surface as an error")
	}
	if res.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed after persistence error", res.Status)
	}
}

func TestDispatchPersistenceFailureEmitsFailedEvent(t *testing.T) {
	// The running patch succeeds, the final patch and the forced-failed
	// fallback both hit a broken store. Observers must still see the
	// terminal transition on the sink.
	fs := &fakeStore{job: testJob(), template: preparedTemplate(), failAfter: 2}
	sink := &recordingSink{}
	p := newTestProcessor(fs, &fakeResolver{recipients: []string{"r1"}}, &fakeGate{}, &fakeClient{ready: true}, sink)

	if _, err := p.Dispatch(context.Background(), "job-1"); err == nil {
		t.Fatalf("persistence failure must surface as an error")
	}

	sink.mu.Lock()
	var last *notify.StatusEvent
	for _, e := range sink.events {
		if e.name == notify.EventJobStatus {
			ev := e.payload.(notify.StatusEvent)
			last = &ev
		}
	}
	sink.mu.Unlock()
	if last == nil {
		t.Fatalf("no status event emitted")
	}
	if last.Status != model.StatusFailed {
		t.Fatalf("last status event = %s, want failed", last.Status)
	}
}
