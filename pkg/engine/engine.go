// Package engine is the entry point to case files: it accepts scan
// results, folds duplicates into the subject already on file, and serves
// reads and live snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sw33tLie/casefile/pkg/correlate"
	"github.com/sw33tLie/casefile/pkg/logger"
	"github.com/sw33tLie/casefile/pkg/metrics"
	"github.com/sw33tLie/casefile/pkg/normalize"
	"github.com/sw33tLie/casefile/pkg/propagate"
	"github.com/sw33tLie/casefile/pkg/snapshot"
	"github.com/sw33tLie/casefile/pkg/storage"
)

// ErrInvalidOwner is returned when a call names no owner scope.
var ErrInvalidOwner = storage.ErrInvalidOwner

// Config holds everything New needs. Store is required.
type Config struct {
	Store   storage.Store
	Log     logger.Logger    // optional; nil = no logging
	Metrics *metrics.Metrics // optional

	// AtomicDedup makes the store decide duplicates inside one write
	// instead of looking up first and creating second. The lookup-first
	// path can let two concurrent submissions of one subject both create.
	AtomicDedup bool
}

type Engine struct {
	store       storage.Store
	correlator  *correlate.Correlator
	reader      *snapshot.Reader
	propagator  *propagate.Propagator
	log         logger.Logger
	metrics     *metrics.Metrics
	atomicDedup bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	log := logger.OrNop(cfg.Log)
	reader := snapshot.NewReader(snapshot.Config{Store: cfg.Store, Log: log, Metrics: cfg.Metrics})
	return &Engine{
		store:      cfg.Store,
		correlator: correlate.New(cfg.Store),
		reader:     reader,
		propagator: propagate.New(propagate.Config{
			Store:   cfg.Store,
			Reader:  reader,
			Log:     log,
			Metrics: cfg.Metrics,
		}),
		log:         log,
		metrics:     cfg.Metrics,
		atomicDedup: cfg.AtomicDedup,
	}, nil
}

// Close detaches all live subscriptions. The store stays open.
func (e *Engine) Close() {
	e.propagator.Close()
}

// Result reports where a submission ended up.
type Result struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// Submit normalizes a raw scan result and files it under owner, unless
// the subject is already on file, in which case the existing id comes back
// with Created false and nothing is written.
func (e *Engine) Submit(ctx context.Context, owner string, raw []byte) (Result, error) {
	return e.file(ctx, owner, normalize.Normalize(raw), nil)
}

// Import files a historical payload byte for byte, with the same
// duplicate handling as Submit.
func (e *Engine) Import(ctx context.Context, owner string, raw []byte) (Result, error) {
	if raw == nil {
		raw = []byte{}
	}
	return e.file(ctx, owner, normalize.Normalize(raw), raw)
}

// file runs the dedup decision. A nil raw stores the canonical entry;
// otherwise raw is stored verbatim.
func (e *Engine) file(ctx context.Context, owner string, entry storage.Entry, raw []byte) (res Result, err error) {
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeCreated
		switch {
		case err != nil:
			outcome = metrics.OutcomeFailed
		case !res.Created:
			outcome = metrics.OutcomeDuplicate
		}
		e.metrics.ObserveSubmission(outcome, time.Since(start))
	}()

	owner = storage.NormalizeOwner(owner)
	if owner == "" {
		return Result{}, ErrInvalidOwner
	}

	create := func() (string, error) {
		if raw != nil {
			return e.store.Import(ctx, owner, raw, entry.Name, entry.ScannedAt)
		}
		return e.store.Create(ctx, owner, entry)
	}

	if storage.IsUnknownName(entry.Name) {
		e.log.Debugf("Subject in %s has no usable name, filing without dedup", owner)
		id, err := create()
		if err != nil {
			return Result{}, fmt.Errorf("file entry in %s: %w", owner, err)
		}
		return Result{ID: id, Created: true}, nil
	}

	// The atomic path only applies to canonical entries; imports keep the
	// raw payload and go through lookup-first.
	if e.atomicDedup && raw == nil {
		id, created, err := e.store.CreateIfAbsent(ctx, owner, entry.Name, entry)
		if err != nil {
			return Result{}, fmt.Errorf("file entry in %s: %w", owner, err)
		}
		if !created {
			e.log.Debugf("Subject %q already on file in %s as %s", entry.Name, owner, id)
		}
		return Result{ID: id, Created: created}, nil
	}

	match, err := e.correlator.FindOrNone(ctx, owner, entry.Name)
	if err != nil {
		return Result{}, fmt.Errorf("correlate in %s: %w", owner, err)
	}
	if match.Found {
		e.log.Debugf("Subject %q already on file in %s as %s", entry.Name, owner, match.ID)
		return Result{ID: match.ID, Created: false}, nil
	}
	id, err := create()
	if err != nil {
		return Result{}, fmt.Errorf("file entry in %s: %w", owner, err)
	}
	return Result{ID: id, Created: true}, nil
}
