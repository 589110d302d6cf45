package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func createTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "casefile.sqlite"), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.UnixMilli(1_700_000_000_000) }
}

// eachStore runs fn against every backend that needs no external service.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		m := NewMemory(Options{Now: fixedClock()})
		t.Cleanup(func() { m.Close() })
		fn(t, m)
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, createTestDB(t, Options{Now: fixedClock()}))
	})
}

func decodeEntry(t *testing.T, rec Record) Entry {
	t.Helper()
	var e Entry
	if err := json.Unmarshal(rec.Payload, &e); err != nil {
		t.Fatalf("decode %s: %v", rec.ID, err)
	}
	return e
}

func TestCreateGetList(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, err := s.Create(ctx, "U1", Entry{ID: "ignored", Name: "Asha Patil", Accuracy: 80, ScannedAt: 1000})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		second, err := s.Create(ctx, "U1", Entry{Name: "Ravi Kumar"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if first == "" || first == second || first == "ignored" {
			t.Fatalf("unexpected ids %q %q", first, second)
		}

		rec, err := s.Get(ctx, "U1", first)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		e := decodeEntry(t, rec)
		if e.ID != "" {
			t.Fatalf("id leaked into payload: %q", e.ID)
		}
		if e.Name != "Asha Patil" || e.Accuracy != 80 || e.ScannedAt != 1000 {
			t.Fatalf("unexpected entry %+v", e)
		}

		// A zero scan time is stamped with the store clock.
		rec, err = s.Get(ctx, "U1", second)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got := decodeEntry(t, rec).ScannedAt; got != 1_700_000_000_000 {
			t.Fatalf("scannedAt = %d", got)
		}

		recs, err := s.List(ctx, "U1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(recs) != 2 || recs[0].ID != first || recs[1].ID != second || recs[0].Seq >= recs[1].Seq {
			t.Fatalf("unexpected list order: %+v", recs)
		}

		other, err := s.List(ctx, "U2")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(other) != 0 {
			t.Fatalf("expected empty scope, got %d", len(other))
		}
		if _, err := s.Get(ctx, "U2", first); !errors.Is(err, ErrNotFound) {
			t.Fatalf("cross-scope get: got %v, want ErrNotFound", err)
		}
	})
}

func TestInvalidOwner(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if _, err := s.Create(context.Background(), "  ", Entry{Name: "X"}); !errors.Is(err, ErrInvalidOwner) {
			t.Fatalf("got %v, want ErrInvalidOwner", err)
		}
	})
}

func TestCreateIfAbsent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, created, err := s.CreateIfAbsent(ctx, "U1", "asha patil", Entry{Name: "Asha Patil"})
		if err != nil || !created {
			t.Fatalf("first: id=%q created=%v err=%v", id, created, err)
		}
		again, created, err := s.CreateIfAbsent(ctx, "U1", " ASHA PATIL ", Entry{Name: "asha patil"})
		if err != nil || created || again != id {
			t.Fatalf("second: id=%q created=%v err=%v", again, created, err)
		}
		// Other scopes never match.
		_, created, err = s.CreateIfAbsent(ctx, "U2", "asha patil", Entry{Name: "Asha Patil"})
		if err != nil || !created {
			t.Fatalf("other scope: created=%v err=%v", created, err)
		}
		// Unknown subjects are never indexed.
		a, _, _ := s.CreateIfAbsent(ctx, "U1", "", Entry{Name: UnknownName})
		b, created, _ := s.CreateIfAbsent(ctx, "U1", "", Entry{Name: UnknownName})
		if a == b || !created {
			t.Fatalf("unknown subjects collapsed: %q %q", a, b)
		}
	})
}

func TestCreateIfAbsentConcurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ids     = map[string]bool{}
			created int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, ok, err := s.CreateIfAbsent(ctx, "U1", "ravi", Entry{Name: "Ravi"})
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				mu.Lock()
				ids[id] = true
				if ok {
					created++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
		if len(ids) != 1 || created != 1 {
			t.Fatalf("expected one entry, got ids=%v created=%d", ids, created)
		}
	})
}

func TestImportKeepsPayloadVerbatim(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		raw := []byte(`{"createdAt":5,"report":{"personal_info":{"name":"Old Shape"}}}`)
		id, err := s.Import(ctx, "U1", raw, "Old Shape", 5)
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		rec, err := s.Get(ctx, "U1", id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(rec.Payload) != string(raw) {
			t.Fatalf("payload rewritten: %s", rec.Payload)
		}
		corrupt := []byte(`{not json`)
		if _, err := s.Import(ctx, "U1", corrupt, UnknownName, 0); err != nil {
			t.Fatalf("import corrupt: %v", err)
		}
		recs, _ := s.List(ctx, "U1")
		if len(recs) != 2 || string(recs[1].Payload) != string(corrupt) {
			t.Fatalf("unexpected records: %+v", recs)
		}
	})
}

func TestImportWithoutTimestampIsNotStamped(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Create(ctx, "U1", Entry{Name: "Fresh", ScannedAt: 40}); err != nil {
			t.Fatalf("create: %v", err)
		}
		id, err := s.Import(ctx, "U1", []byte(`{"name":"Undated"}`), "Undated", 0)
		if err != nil {
			t.Fatalf("import: %v", err)
		}
		rec, err := s.Get(ctx, "U1", id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.ScannedAt != 0 {
			t.Fatalf("scannedAt = %d, want 0", rec.ScannedAt)
		}
		recs, _ := s.List(ctx, "U1")
		if len(recs) != 2 || recs[1].ID != id {
			t.Fatalf("unexpected records: %+v", recs)
		}
		files, err := s.CaseFiles(ctx)
		if err != nil {
			t.Fatalf("case files: %v", err)
		}
		if len(files) != 1 || files[0].LastScannedAt != 40 {
			t.Fatalf("case files = %+v, want last scan 40", files)
		}
	})
}

func TestUpdateAndDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Create(ctx, "U1", Entry{Name: "Asha", Accuracy: 10, Summary: map[string]any{"a": "b"}})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		name := "  Asha Patil "
		acc := 95.5
		loc := Location{Latitude: 1, Longitude: 2, Address: "Pune"}
		if err := s.Update(ctx, "U1", id, Patch{Name: &name, Accuracy: &acc, Location: &loc}); err != nil {
			t.Fatalf("update: %v", err)
		}
		rec, err := s.Get(ctx, "U1", id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		e := decodeEntry(t, rec)
		if e.Name != "Asha Patil" || e.Accuracy != 95.5 || e.Location != loc {
			t.Fatalf("patch not applied: %+v", e)
		}
		if e.Summary["a"] != "b" {
			t.Fatalf("untouched field lost: %+v", e.Summary)
		}
		if rec.Name != "Asha Patil" {
			t.Fatalf("index name = %q", rec.Name)
		}

		// The renamed entry is found under its new identity.
		got, created, err := s.CreateIfAbsent(ctx, "U1", "asha patil", Entry{Name: "Asha Patil"})
		if err != nil || created || got != id {
			t.Fatalf("renamed lookup: %q %v %v", got, created, err)
		}

		if err := s.Update(ctx, "U1", "missing", Patch{Name: &name}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update missing: %v", err)
		}
		if err := s.Delete(ctx, "U1", id); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Get(ctx, "U1", id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get after delete: %v", err)
		}
		if err := s.Delete(ctx, "U1", id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second delete: %v", err)
		}
	})
}

func TestWatchSeesCommittedMutations(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var (
			mu   sync.Mutex
			seen []Mutation
		)
		cancel := s.Watch("U1", func(m Mutation) {
			mu.Lock()
			seen = append(seen, m)
			mu.Unlock()
		})

		id, _ := s.Create(ctx, "U1", Entry{Name: "A"})
		_, _ = s.Create(ctx, "U2", Entry{Name: "B"})
		_ = s.Delete(ctx, "U1", id)
		cancel()
		cancel()
		_, _ = s.Create(ctx, "U1", Entry{Name: "C"})

		mu.Lock()
		defer mu.Unlock()
		if len(seen) != 2 {
			t.Fatalf("expected 2 mutations, got %+v", seen)
		}
		if seen[0].Kind != MutationCreated || seen[1].Kind != MutationDeleted || seen[0].EntryID != id {
			t.Fatalf("unexpected mutations %+v", seen)
		}
	})
}

func TestChangesAndCaseFiles(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.Create(ctx, "U1", Entry{Name: "A", ScannedAt: 10})
		_, _ = s.Create(ctx, "U1", Entry{Name: "B", ScannedAt: 30})
		_, _ = s.Create(ctx, "U2", Entry{Name: "C", ScannedAt: 20})
		_ = s.Delete(ctx, "U1", a)

		changes, err := s.RecentChanges(ctx, "U1", 10)
		if err != nil {
			t.Fatalf("changes: %v", err)
		}
		if len(changes) != 3 {
			t.Fatalf("expected 3 changes, got %+v", changes)
		}
		if changes[0].ChangeType != "deleted" || changes[0].EntryID != a || changes[0].Name != "A" {
			t.Fatalf("newest change = %+v", changes[0])
		}
		all, _ := s.RecentChanges(ctx, "", 2)
		if len(all) != 2 {
			t.Fatalf("limit not applied: %d", len(all))
		}

		files, err := s.CaseFiles(ctx)
		if err != nil {
			t.Fatalf("case files: %v", err)
		}
		want := []CaseFile{{Owner: "U1", Entries: 1, LastScannedAt: 30}, {Owner: "U2", Entries: 1, LastScannedAt: 20}}
		if len(files) != 2 || files[0] != want[0] || files[1] != want[1] {
			t.Fatalf("case files = %+v", files)
		}
		empty, err := s.CaseFile(ctx, "nobody")
		if err != nil || empty.Entries != 0 {
			t.Fatalf("empty case file = %+v, %v", empty, err)
		}
	})
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	m := NewMemory(Options{})
	m.Close()
	if _, err := m.List(context.Background(), "U1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("memory: got %v", err)
	}

	db, err := Open(filepath.Join(t.TempDir(), "closed.sqlite"), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Close()
	if _, err := db.List(context.Background(), "U1"); err == nil {
		t.Fatalf("sqlite: expected an error after close")
	}
}

func TestTimeoutIsUnavailable(t *testing.T) {
	db := createTestDB(t, Options{})
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if _, err := db.List(ctx, "U1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

type chanRelay struct {
	mu   sync.Mutex
	subs []func(Mutation)
}

func (r *chanRelay) Publish(_ context.Context, m Mutation) error {
	r.mu.Lock()
	subs := append([]func(Mutation){}, r.subs...)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(m)
	}
	return nil
}

func (r *chanRelay) StartForwarder(_ context.Context, fn func(Mutation)) error {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
	return nil
}

func (r *chanRelay) Close() error { return nil }

func TestRelayCrossesHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.sqlite")
	relay := &chanRelay{}
	writer, err := Open(path, Options{Relay: relay})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()
	reader, err := Open(path, Options{Relay: relay})
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	var mu sync.Mutex
	var local, remote int
	writer.Watch("U1", func(Mutation) { mu.Lock(); local++; mu.Unlock() })
	reader.Watch("U1", func(Mutation) { mu.Lock(); remote++; mu.Unlock() })

	id, err := writer.Create(context.Background(), "U1", Entry{Name: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if local != 1 || remote != 1 {
		t.Fatalf("local=%d remote=%d, want 1 each", local, remote)
	}
	if _, err := reader.Get(context.Background(), "U1", id); err != nil {
		t.Fatalf("reader cannot see write: %v", err)
	}
}

func TestApplyPatchKeepsOtherBytes(t *testing.T) {
	raw := []byte(`{"createdAt":500,  "report":{"personal_info":{"name":"Asha"}},"name":"Asha"}`)
	acc := 70.0
	name := " Asha Patil "
	out, err := applyPatch(raw, Patch{Name: &name, Accuracy: &acc})
	if err != nil {
		t.Fatalf("applyPatch: %v", err)
	}
	want := `{"createdAt":500,  "report":{"personal_info":{"name":"Asha"}},"name":"Asha Patil","accuracy":70}`
	if string(out) != want {
		t.Fatalf("applyPatch:\nwant %s\ngot  %s", want, out)
	}

	for _, bad := range []string{`{"name":`, `[1,2]`, ``} {
		if _, err := applyPatch([]byte(bad), Patch{Name: &name}); err == nil {
			t.Errorf("applyPatch(%q) succeeded", bad)
		}
	}
}

func TestResyncWakesEveryWatchedOwner(t *testing.T) {
	n, err := newNotifier(nil)
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	heard := map[string]MutationKind{}
	record := func(m Mutation) { mu.Lock(); heard[m.Owner] = m.Kind; mu.Unlock() }
	n.watch("U1", record)
	n.watch("U2", record)
	stop := n.watch("U3", record)
	stop()

	n.resync(time.UnixMilli(42))

	mu.Lock()
	defer mu.Unlock()
	want := map[string]MutationKind{"U1": MutationUpdated, "U2": MutationUpdated}
	if !reflect.DeepEqual(heard, want) {
		t.Fatalf("resync reached %v, want %v", heard, want)
	}
}
