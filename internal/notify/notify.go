package notify

import (
	"time"

	"adblast/internal/eventbus"
	"adblast/internal/model"
)

// Event names carried over the sink. Observers key off these.
const (
	EventJobStatus   = "job.status"
	EventJobProgress = "job.progress"
	EventCooldown    = "ratelimit.cooldown"
)

// Progress outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// StatusEvent announces a job-level state transition.
type StatusEvent struct {
	ID                string          `json:"id"`
	Status            model.JobStatus `json:"status"`
	TemplateID        string          `json:"templateId"`
	Audience          string          `json:"audience"`
	MessagesSent      *int            `json:"messagesSent,omitempty"`
	MessagesDelivered *int            `json:"messagesDelivered,omitempty"`
	Schedule          *time.Time      `json:"schedule,omitempty"`
}

// ProgressEvent reports one per-recipient outcome.
type ProgressEvent struct {
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// CooldownEvent reports a recipient entering rate-limit cooldown.
type CooldownEvent struct {
	PhoneNumber   string    `json:"phoneNumber"`
	CooldownUntil time.Time `json:"cooldownUntil"`
}

// Sink is the fire-and-forget notification channel. The engine never blocks
// on delivery and never learns whether anyone is listening.
type Sink interface {
	Broadcast(event string, payload any)
}

// BusSink adapts the in-process event bus to the Sink contract.
type BusSink struct {
	bus eventbus.Bus
}

func NewBusSink(bus eventbus.Bus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Broadcast(event string, payload any) {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Name: event, Payload: payload})
}

// NopSink discards everything. Useful default for tests.
type NopSink struct{}

func (NopSink) Broadcast(string, any) {}
