package model

import "time"

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusApproved  JobStatus = "approved"
	StatusRejected  JobStatus = "rejected"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusStopped   JobStatus = "stopped"
)

// Job is one campaign dispatch unit: a template delivered to every recipient
// the audience reference expands to.
type Job struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TemplateID string `json:"template_id"`

	// Audience is an opaque reference: either an audience-group id or a
	// single literal recipient (phone-like token).
	Audience string `json:"audience"`

	Status            JobStatus  `json:"status"`
	MessagesSent      int        `json:"messages_sent"`
	MessagesDelivered int        `json:"messages_delivered"`
	Schedule          *time.Time `json:"schedule,omitempty"`

	// Recurrence is an optional cron spec; when set, the job re-dispatches on
	// every tick instead of firing once.
	Recurrence string `json:"recurrence,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Dispatchable reports whether the engine may move this job into running.
// Moderation states (rejected) and terminal states are excluded.
func (s JobStatus) Dispatchable() bool {
	return s == StatusPending || s == StatusApproved
}

func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected || s == StatusStopped
}
