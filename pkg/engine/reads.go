package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sw33tLie/casefile/pkg/normalize"
	"github.com/sw33tLie/casefile/pkg/propagate"
	"github.com/sw33tLie/casefile/pkg/storage"
)

// List returns the owner's case file, newest scan first. It never fails;
// unreadable entries appear as placeholders and an unreachable store
// yields an empty list.
func (e *Engine) List(ctx context.Context, owner string) []storage.Entry {
	return e.reader.List(ctx, owner)
}

// Get returns one canonical entry. A corrupt payload comes back as a
// placeholder carrying the entry's id.
func (e *Engine) Get(ctx context.Context, owner, id string) (storage.Entry, error) {
	rec, err := e.store.Get(ctx, owner, id)
	if err != nil {
		return storage.Entry{}, err
	}
	entry, err := normalize.Decode(rec.Payload)
	if errors.Is(err, normalize.ErrCorrupt) {
		e.log.Warnf("Entry %s in case file %s is unreadable: %v", id, owner, err)
	}
	entry.ID = rec.ID
	return entry, nil
}

// Subscribe streams snapshots of owner's case file to fn until the
// returned CancelFunc is called.
func (e *Engine) Subscribe(owner string, fn func([]storage.Entry)) (propagate.CancelFunc, error) {
	if storage.NormalizeOwner(owner) == "" {
		return nil, ErrInvalidOwner
	}
	return e.propagator.Subscribe(owner, fn), nil
}

// Update edits an entry in place.
func (e *Engine) Update(ctx context.Context, owner, id string, p storage.Patch) error {
	if storage.NormalizeOwner(owner) == "" {
		return ErrInvalidOwner
	}
	if p.IsEmpty() {
		return nil
	}
	if err := e.store.Update(ctx, owner, id, p); err != nil {
		return fmt.Errorf("update %s/%s: %w", owner, id, err)
	}
	return nil
}

func (e *Engine) Delete(ctx context.Context, owner, id string) error {
	if storage.NormalizeOwner(owner) == "" {
		return ErrInvalidOwner
	}
	if err := e.store.Delete(ctx, owner, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", owner, id, err)
	}
	return nil
}

func (e *Engine) CaseFile(ctx context.Context, owner string) (storage.CaseFile, error) {
	return e.store.CaseFile(ctx, owner)
}

func (e *Engine) CaseFiles(ctx context.Context) ([]storage.CaseFile, error) {
	return e.store.CaseFiles(ctx)
}

func (e *Engine) RecentChanges(ctx context.Context, owner string, limit int) ([]storage.Change, error) {
	return e.store.RecentChanges(ctx, owner, limit)
}
