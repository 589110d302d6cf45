// Package bus relays store mutations between processes that share one
// case-file database.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/sw33tLie/casefile/pkg/storage"
)

// Bus is a storage.Relay.
type Bus interface {
	Publish(ctx context.Context, m storage.Mutation) error
	StartForwarder(ctx context.Context, onMsg func(m storage.Mutation)) error
	Close() error
}

var (
	_ storage.Relay = Bus(nil)
	_ Bus           = (*Local)(nil)
	_ Bus           = (*redisBus)(nil)
)

// Local fans mutations out to every forwarder in this process. It lets
// several store handles on one sqlite file see each other's writes.
type Local struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(storage.Mutation)
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]func(storage.Mutation))}
}

func (l *Local) Publish(_ context.Context, m storage.Mutation) error {
	l.mu.RLock()
	fns := make([]func(storage.Mutation), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(m)
	}
	return nil
}

func (l *Local) StartForwarder(ctx context.Context, onMsg func(m storage.Mutation)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}
	l.mu.Lock()
	l.next++
	id := l.next
	l.subs[id] = onMsg
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}()
	return nil
}

// Close is a no-op: a Local bus is shared, and forwarders detach when
// their context ends.
func (l *Local) Close() error {
	return nil
}
