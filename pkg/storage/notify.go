package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// notifier fans committed mutations out to per-owner watchers and, when
// a relay is configured, to other processes.
type notifier struct {
	origin string
	relay  Relay

	mu       sync.RWMutex
	next     uint64
	watchers map[string]map[uint64]func(Mutation)

	stop context.CancelFunc
}

func newNotifier(relay Relay) (*notifier, error) {
	n := &notifier{
		origin:   uuid.NewString(),
		relay:    relay,
		watchers: make(map[string]map[uint64]func(Mutation)),
		stop:     func() {},
	}
	if relay == nil {
		return n, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := relay.StartForwarder(ctx, n.fromRelay); err != nil {
		cancel()
		return nil, err
	}
	n.stop = cancel
	return n, nil
}

func (n *notifier) watch(owner string, fn func(Mutation)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	id := n.next
	if n.watchers[owner] == nil {
		n.watchers[owner] = make(map[uint64]func(Mutation))
	}
	n.watchers[owner][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.watchers[owner], id)
			if len(n.watchers[owner]) == 0 {
				delete(n.watchers, owner)
			}
		})
	}
}

// publish delivers m locally, then hands it to the relay.
func (n *notifier) publish(ctx context.Context, m Mutation) {
	m.Origin = n.origin
	n.deliver(m)
	if n.relay != nil {
		// The write is already committed; a relay failure only delays
		// remote watchers until their next mutation.
		_ = n.relay.Publish(context.WithoutCancel(ctx), m)
	}
}

func (n *notifier) fromRelay(m Mutation) {
	if m.Origin == n.origin {
		return
	}
	n.deliver(m)
}

func (n *notifier) deliver(m Mutation) {
	n.mu.RLock()
	fns := make([]func(Mutation), 0, len(n.watchers[m.Owner]))
	for _, fn := range n.watchers[m.Owner] {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
}

// resync tells every watched owner to re-read, for when mutations may have
// been missed.
func (n *notifier) resync(at time.Time) {
	n.mu.RLock()
	owners := make([]string, 0, len(n.watchers))
	for owner := range n.watchers {
		owners = append(owners, owner)
	}
	n.mu.RUnlock()
	for _, owner := range owners {
		n.deliver(Mutation{Owner: owner, Kind: MutationUpdated, Origin: n.origin, At: at})
	}
}

func (n *notifier) close() error {
	n.stop()
	if n.relay != nil {
		return n.relay.Close()
	}
	return nil
}
