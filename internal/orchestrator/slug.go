package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/civicwire/civicwire/internal/normalize"
	"github.com/civicwire/civicwire/internal/store"
)

const maxSlugSuffix = 1000

// SlugAllocator assigns human-facing slugs, unique per city and kind.
type SlugAllocator struct {
	slugs store.SlugStore
}

// NewSlugAllocator creates an allocator over the slug store.
func NewSlugAllocator(slugs store.SlugStore) *SlugAllocator {
	return &SlugAllocator{slugs: slugs}
}

// Allocate slugifies name and resolves collisions. A slug already held by the
// entity with the same external id is reused; otherwise -2, -3, ... is appended.
func (a *SlugAllocator) Allocate(ctx context.Context, kind store.SlugKind, cityID int64, name, externalID string) (string, error) {
	base := normalize.Slugify(name)
	if base == "" {
		base = string(kind)
	}

	for n := 1; n <= maxSlugSuffix; n++ {
		candidate := base
		if n > 1 {
			candidate = fmt.Sprintf("%s-%d", base, n)
		}
		owner, taken, err := a.slugs.SlugOwner(ctx, kind, cityID, candidate)
		if err != nil {
			return "", fmt.Errorf("check slug %q: %w", candidate, err)
		}
		if !taken || (externalID != "" && owner == externalID) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free slug for %q after %d attempts", base, maxSlugSuffix)
}

// Insert allocates a slug and hands it to insert. When a concurrent insert
// claims the slug first, a fresh slug is allocated and the insert retried once.
func (a *SlugAllocator) Insert(ctx context.Context, kind store.SlugKind, cityID int64, name, externalID string, insert func(slug string) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		slug, aerr := a.Allocate(ctx, kind, cityID, name, externalID)
		if aerr != nil {
			return aerr
		}
		if err = insert(slug); !errors.Is(err, store.ErrSlugTaken) {
			return err
		}
	}
	return err
}
