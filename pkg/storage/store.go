package storage

import (
	"context"
	"time"
)

// Store is the backend contract shared by the sqlite, postgres and
// in-memory implementations. Every write is durable before the matching
// Mutation is handed to watchers.
type Store interface {
	// Create persists e under a freshly generated id.
	Create(ctx context.Context, owner string, e Entry) (string, error)
	// CreateIfAbsent creates e unless an entry with the same identity key
	// already exists in the owner scope, in which case its id is returned.
	CreateIfAbsent(ctx context.Context, owner, key string, e Entry) (id string, created bool, err error)
	// Import stores raw verbatim. name and scannedAt feed the indexes only.
	Import(ctx context.Context, owner string, raw []byte, name string, scannedAt int64) (string, error)

	Get(ctx context.Context, owner, id string) (Record, error)
	// List returns the owner's records in insertion order.
	List(ctx context.Context, owner string) ([]Record, error)
	Update(ctx context.Context, owner, id string, p Patch) error
	Delete(ctx context.Context, owner, id string) error

	CaseFile(ctx context.Context, owner string) (CaseFile, error)
	CaseFiles(ctx context.Context) ([]CaseFile, error)
	// RecentChanges lists the change log newest first. An empty owner spans all scopes.
	RecentChanges(ctx context.Context, owner string, limit int) ([]Change, error)

	// Watch registers fn for committed mutations in owner's scope.
	// fn runs on the writer's goroutine and must not block.
	Watch(owner string, fn func(Mutation)) (cancel func())

	Close() error
}

// Relay carries mutations between processes that share one backend.
type Relay interface {
	Publish(ctx context.Context, m Mutation) error
	StartForwarder(ctx context.Context, onMsg func(Mutation)) error
	Close() error
}

// Options tune a store.
type Options struct {
	// OpTimeout bounds every backend call. Zero means DefaultOpTimeout.
	OpTimeout time.Duration
	// Relay, when set, fans local mutations out to other processes and
	// feeds theirs back into local watchers.
	Relay Relay
	// Now overrides the clock used to stamp missing scan times.
	Now func() time.Time
}

const DefaultOpTimeout = 10 * time.Second

func (o Options) withDefaults() Options {
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.OpTimeout)
}

const defaultChangeLimit = 50
