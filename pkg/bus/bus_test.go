package bus

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sw33tLie/casefile/pkg/storage"
)

func TestLocalBusBridgesStoreHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.sqlite")
	relay := NewLocal()

	writer, err := storage.Open(path, storage.Options{Relay: relay})
	require.NoError(t, err)
	defer writer.Close()
	reader, err := storage.Open(path, storage.Options{Relay: relay})
	require.NoError(t, err)
	defer reader.Close()

	var (
		mu   sync.Mutex
		seen []storage.Mutation
	)
	cancel := reader.Watch("U1", func(m storage.Mutation) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	})
	defer cancel()

	id, err := writer.Create(context.Background(), "U1", storage.Entry{Name: "Asha"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	require.Equal(t, id, seen[0].EntryID)
	require.Equal(t, storage.MutationCreated, seen[0].Kind)
	require.NotEmpty(t, seen[0].Origin)
}

func TestLocalForwarderDetachesOnCancel(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan storage.Mutation, 4)
	require.NoError(t, l.StartForwarder(ctx, func(m storage.Mutation) { got <- m }))

	require.NoError(t, l.Publish(context.Background(), storage.Mutation{Owner: "U1"}))
	require.Len(t, got, 1)

	cancel()
	require.Eventually(t, func() bool {
		l.mu.RLock()
		defer l.mu.RUnlock()
		return len(l.subs) == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, l.Publish(context.Background(), storage.Mutation{Owner: "U1"}))
	require.Len(t, got, 1)
}

func TestLocalRequiresCallback(t *testing.T) {
	require.Error(t, NewLocal().StartForwarder(context.Background(), nil))
}

func TestNewRedisBusNeedsAddress(t *testing.T) {
	_, err := NewRedisBus("   ", "", nil)
	require.EqualError(t, err, "missing redis address")
}

func TestDecodeMutation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"owner":"U1","entryId":"e1","kind":"created"}`, false},
		{"not json", `{`, true},
		{"no owner", `{"entryId":"e1","kind":"created"}`, true},
		{"blank owner", `{"owner":"  ","kind":"deleted"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := decodeMutation(tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "U1", m.Owner)
			require.Equal(t, storage.MutationCreated, m.Kind)
		})
	}
}
