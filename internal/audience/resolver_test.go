package audience

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"adblast/internal/model"
	"adblast/internal/store"
	"adblast/pkg/logx"
)

type fakeGroupStore struct {
	groups map[string]*model.AudienceGroup
	err    error
}

func (f *fakeGroupStore) GroupByID(_ context.Context, id string) (*model.AudienceGroup, error) {
	if f.err != nil {
		return nil, f.err
	}
	g, ok := f.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return g, nil
}

func TestResolveGroupMergesAndDedups(t *testing.T) {
	fs := &fakeGroupStore{groups: map[string]*model.AudienceGroup{
		"vip": {
			ID:       "vip",
			Contacts: []string{"628111", "628222", "628111", ""},
			Groups:   []string{"resellers", "628222"},
		},
	}}
	r := NewResolver(fs, logx.Nop())

	got, err := r.Resolve(context.Background(), "vip")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Group references ride along as surrogates; duplicates and blanks drop.
	want := []string{"628111", "628222", "resellers"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
}

func TestResolveLiteralFallback(t *testing.T) {
	r := NewResolver(&fakeGroupStore{groups: map[string]*model.AudienceGroup{}}, logx.Nop())

	got, err := r.Resolve(context.Background(), "628999000")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0] != "628999000" {
		t.Fatalf("Resolve = %v, want the literal recipient", got)
	}
}

func TestResolveRepositoryErrorWraps(t *testing.T) {
	r := NewResolver(&fakeGroupStore{err: errors.New("db locked")}, logx.Nop())

	_, err := r.Resolve(context.Background(), "vip")
	if !errors.Is(err, ErrResolutionFailed) {
		t.Fatalf("expected ErrResolutionFailed, got %v", err)
	}
}
