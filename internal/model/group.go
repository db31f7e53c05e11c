package model

import "time"

// AudienceGroup is a named set of contact references and group references.
// Both kinds are flat identifiers; groups are not nested further.
// The engine only reads groups; CRUD lives with the admin surface.
type AudienceGroup struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Contacts  []string  `json:"contacts"`
	Groups    []string  `json:"groups"`
	CreatedAt time.Time `json:"created_at"`
}
