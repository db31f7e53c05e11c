package model

import "time"

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageMedia MessageKind = "media"
)

// TemplateMessage is one pre-rendered message unit of a template.
// Once the unit has been delivered-to-self, MessageID carries the stable
// transport identifier used for forwarding.
type TemplateMessage struct {
	Kind      MessageKind `json:"kind"`
	Body      string      `json:"body,omitempty"`
	MediaPath string      `json:"media_path,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
}

// Template is an ordered sequence of message units. Delivery to recipients
// forwards the stored message ids rather than re-rendering content.
type Template struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Ready     bool              `json:"ready"`
	Messages  []TemplateMessage `json:"messages"`
	CreatedAt time.Time         `json:"created_at"`
}

// MessageIDs returns the stored transport identifiers in template order.
// Units without an assigned id are skipped.
func (t Template) MessageIDs() []string {
	ids := make([]string, 0, len(t.Messages))
	for _, m := range t.Messages {
		if m.MessageID != "" {
			ids = append(ids, m.MessageID)
		}
	}
	return ids
}

// Prepared reports whether the template content can be forwarded: the
// readiness flag is set and every unit has a stable message id.
func (t Template) Prepared() bool {
	if !t.Ready || len(t.Messages) == 0 {
		return false
	}
	for _, m := range t.Messages {
		if m.MessageID == "" {
			return false
		}
	}
	return true
}
