package audience

import (
	"context"
	"errors"
	"fmt"

	"adblast/internal/model"
	"adblast/internal/store"
	"adblast/pkg/logx"
)

// ErrResolutionFailed wraps repository failures during audience expansion.
// Callers translate it into a job-failure transition.
var ErrResolutionFailed = errors.New("audience resolution failed")

// GroupStore is the slice of the repository the resolver needs.
type GroupStore interface {
	GroupByID(ctx context.Context, id string) (*model.AudienceGroup, error)
}

// Resolver expands an opaque audience reference into a flat, deduplicated
// recipient list.
type Resolver struct {
	groups GroupStore
	log    logx.Logger
}

func NewResolver(groups GroupStore, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{groups: groups, log: log}
}

// Resolve interprets ref as an audience-group id first. A found group merges
// its contact list and its group list into one flat list. Nested group
// members are NOT expanded into individual contacts: the group id itself is
// passed through as a recipient-equivalent surrogate until a membership
// expansion collaborator exists. A missing group means ref is a single
// literal recipient.
func (r *Resolver) Resolve(ctx context.Context, ref string) ([]string, error) {
	g, err := r.groups.GroupByID(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		r.log.Debug("audience is a literal recipient", logx.String("audience", ref))
		return []string{ref}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: group %s: %v", ErrResolutionFailed, ref, err)
	}

	recipients := make([]string, 0, len(g.Contacts)+len(g.Groups))
	seen := make(map[string]struct{}, len(g.Contacts)+len(g.Groups))
	appendUnique := func(ids []string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			recipients = append(recipients, id)
		}
	}
	appendUnique(g.Contacts)
	appendUnique(g.Groups)

	r.log.Debug("audience group resolved",
		logx.String("group", g.ID),
		logx.Int("contacts", len(g.Contacts)),
		logx.Int("nested_groups", len(g.Groups)),
		logx.Int("recipients", len(recipients)))
	return recipients, nil
}
