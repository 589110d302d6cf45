// Package propagate pushes fresh case-file snapshots to subscribers
// whenever the underlying store commits a mutation.
package propagate

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sw33tLie/casefile/pkg/logger"
	"github.com/sw33tLie/casefile/pkg/metrics"
	"github.com/sw33tLie/casefile/pkg/snapshot"
	"github.com/sw33tLie/casefile/pkg/storage"
)

// CancelFunc ends a subscription. It is idempotent, never blocks on
// delivery and may be called from inside the subscriber's own callback.
// Once it returns no further snapshot is dispatched; one already
// dispatched may still be running on the feed goroutine.
type CancelFunc func()

// Config holds everything a Propagator needs. Store and Reader are required.
type Config struct {
	Store   storage.Store
	Reader  *snapshot.Reader
	Log     logger.Logger    // optional; nil = no logging
	Metrics *metrics.Metrics // optional
}

type Propagator struct {
	store   storage.Store
	reader  *snapshot.Reader
	log     logger.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	feeds  map[string]*feed
	nextID uint64
	closed bool
}

func New(cfg Config) *Propagator {
	return &Propagator{
		store:   cfg.Store,
		reader:  cfg.Reader,
		log:     logger.OrNop(cfg.Log),
		metrics: cfg.Metrics,
		feeds:   make(map[string]*feed),
	}
}

// feed is the single delivery goroutine for one owner scope. Mutations
// only mark it dirty; however many land while a snapshot is being read
// and delivered, they are folded into the next one.
type feed struct {
	owner   string
	wake    chan struct{}
	ctx     context.Context
	stop    context.CancelFunc
	unwatch func()

	mu    sync.Mutex
	dirty bool
	subs  map[uint64]*subscription
}

type subscription struct {
	id        uint64
	fn        func([]storage.Entry)
	primed    bool // guarded by feed.mu
	cancelled atomic.Bool
}

// Subscribe registers fn for owner's case file. fn receives the current
// snapshot right away and one fresh snapshot per batch of mutations after
// that, always from the same goroutine per owner.
func (p *Propagator) Subscribe(owner string, fn func([]storage.Entry)) CancelFunc {
	owner = storage.NormalizeOwner(owner)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return func() {}
	}
	f := p.feeds[owner]
	if f == nil {
		f = p.startFeed(owner)
		p.feeds[owner] = f
	}
	p.nextID++
	sub := &subscription{id: p.nextID, fn: fn}
	f.mu.Lock()
	f.subs[sub.id] = sub
	f.mu.Unlock()
	p.mu.Unlock()

	p.metrics.SubscriptionOpened()
	f.signal()
	return func() { p.cancel(f, sub) }
}

func (p *Propagator) startFeed(owner string) *feed {
	ctx, stop := context.WithCancel(context.Background())
	f := &feed{
		owner: owner,
		wake:  make(chan struct{}, 1),
		ctx:   ctx,
		stop:  stop,
		subs:  make(map[uint64]*subscription),
	}
	f.unwatch = p.store.Watch(owner, f.markDirty)
	go p.run(f)
	p.log.Debugf("Started change feed for %s", owner)
	return f
}

func (p *Propagator) cancel(f *feed, sub *subscription) {
	if !sub.cancelled.CompareAndSwap(false, true) {
		return
	}
	p.metrics.SubscriptionClosed()

	p.mu.Lock()
	defer p.mu.Unlock()
	f.mu.Lock()
	delete(f.subs, sub.id)
	empty := len(f.subs) == 0
	f.mu.Unlock()
	if empty && p.feeds[f.owner] == f {
		delete(p.feeds, f.owner)
		p.stopFeed(f)
	}
}

func (p *Propagator) stopFeed(f *feed) {
	f.unwatch()
	f.stop()
	p.log.Debugf("Stopped change feed for %s", f.owner)
}

// Close detaches every feed. Subscriptions still held by callers become no-ops.
func (p *Propagator) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for owner, f := range p.feeds {
		f.mu.Lock()
		for _, sub := range f.subs {
			if sub.cancelled.CompareAndSwap(false, true) {
				p.metrics.SubscriptionClosed()
			}
		}
		f.mu.Unlock()
		delete(p.feeds, owner)
		p.stopFeed(f)
	}
}

func (f *feed) markDirty(storage.Mutation) {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
	f.signal()
}

func (f *feed) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (p *Propagator) run(f *feed) {
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.wake:
		}

		f.mu.Lock()
		all := f.dirty
		f.dirty = false
		var targets []*subscription
		for _, sub := range f.subs {
			if all || !sub.primed {
				sub.primed = true
				targets = append(targets, sub)
			}
		}
		f.mu.Unlock()
		if len(targets) == 0 {
			continue
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

		entries := p.reader.List(f.ctx, f.owner)
		for _, sub := range targets {
			if f.ctx.Err() != nil {
				return
			}
			p.deliver(f.owner, sub, entries)
		}
	}
}

func (p *Propagator) deliver(owner string, sub *subscription, entries []storage.Entry) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("Subscriber on %s panicked: %v", owner, r)
		}
	}()
	snap := make([]storage.Entry, len(entries))
	copy(snap, entries)
	// Checked last so a cancel that returned before this point always wins.
	if sub.cancelled.Load() {
		return
	}
	sub.fn(snap)
	p.metrics.SnapshotDelivered()
}
