// Package snapshot reads an owner's case file as a sorted list of
// canonical entries, absorbing every per-entry and backend fault.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sw33tLie/casefile/pkg/logger"
	"github.com/sw33tLie/casefile/pkg/metrics"
	"github.com/sw33tLie/casefile/pkg/normalize"
	"github.com/sw33tLie/casefile/pkg/storage"
)

// Config holds everything a Reader needs. Store is required.
type Config struct {
	Store   storage.Store
	Log     logger.Logger    // optional; nil = no logging
	Metrics *metrics.Metrics // optional
}

type Reader struct {
	store   storage.Store
	log     logger.Logger
	metrics *metrics.Metrics
}

func NewReader(cfg Config) *Reader {
	return &Reader{
		store:   cfg.Store,
		log:     logger.OrNop(cfg.Log),
		metrics: cfg.Metrics,
	}
}

// List returns the owner's entries newest first. Entries sharing a scan
// time keep their insertion order. A corrupt entry becomes a placeholder
// that keeps its id; an unreachable store yields an empty list. List
// never fails.
func (r *Reader) List(ctx context.Context, owner string) []storage.Entry {
	recs, err := r.store.List(ctx, owner)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			r.metrics.ReadFault(metrics.FaultStoreUnavailable)
		}
		r.log.Warnf("Could not list case file %s: %v", owner, err)
		return []storage.Entry{}
	}

	type row struct {
		seq   int64
		entry storage.Entry
	}
	rows := make([]row, 0, len(recs))
	for _, rec := range recs {
		e, err := r.decode(rec)
		if err != nil {
			r.metrics.ReadFault(metrics.FaultCorruptEntry)
			r.log.Warnf("Entry %s in case file %s is unreadable: %v", rec.ID, owner, err)
		}
		e.ID = rec.ID
		rows = append(rows, row{seq: rec.Seq, entry: e})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].entry.ScannedAt != rows[j].entry.ScannedAt {
			return rows[i].entry.ScannedAt > rows[j].entry.ScannedAt
		}
		return rows[i].seq < rows[j].seq
	})

	out := make([]storage.Entry, len(rows))
	for i := range rows {
		out[i] = rows[i].entry
	}
	return out
}

// decode isolates one entry: nothing it does can take the list down.
func (r *Reader) decode(rec storage.Record) (e storage.Entry, err error) {
	defer func() {
		if p := recover(); p != nil {
			e, err = normalize.Placeholder(), fmt.Errorf("%w: %v", normalize.ErrCorrupt, p)
		}
	}()
	return normalize.Decode(rec.Payload)
}
