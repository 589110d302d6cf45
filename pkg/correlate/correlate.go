// Package correlate decides whether an incoming scan describes a subject
// already present in an owner's case file.
package correlate

import (
	"context"

	"github.com/sw33tLie/casefile/pkg/normalize"
	"github.com/sw33tLie/casefile/pkg/storage"
)

type Correlator struct {
	store storage.Store
}

func New(store storage.Store) *Correlator {
	return &Correlator{store: store}
}

// Match is the outcome of a lookup.
type Match struct {
	ID    string
	Found bool
	// Ambiguous is set when the candidate name carries no identity and
	// the lookup was skipped.
	Ambiguous bool
}

// FindOrNone scans the owner's entries for one whose normalized name has
// the same identity key as candidate. The first match in insertion order
// wins. Entries of any schema generation are compared by their canonical
// name, so a legacy record and a new submission for the same person match.
func (c *Correlator) FindOrNone(ctx context.Context, owner, candidate string) (Match, error) {
	if storage.IsUnknownName(candidate) {
		return Match{Ambiguous: true}, nil
	}
	key := storage.IdentityKey(candidate)

	recs, err := c.store.List(ctx, owner)
	if err != nil {
		return Match{}, err
	}
	for _, rec := range recs {
		e, err := normalize.Decode(rec.Payload)
		if err != nil {
			continue
		}
		if storage.IsUnknownName(e.Name) {
			continue
		}
		if storage.IdentityKey(e.Name) == key {
			return Match{ID: rec.ID, Found: true}, nil
		}
	}
	return Match{}, nil
}
