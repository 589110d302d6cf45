package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a process-local Store. It is what the tests and the
// "memory" driver run against.
type Memory struct {
	opts   Options
	notify *notifier

	mu      sync.RWMutex
	closed  bool
	seq     int64
	entries map[string][]*Record // owner -> records in insertion order
	changes []Change
}

func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	// The relay is ignored: a memory store has nobody to share with.
	n, _ := newNotifier(nil)
	return &Memory{
		opts:    opts,
		notify:  n,
		entries: make(map[string][]*Record),
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.notify.close()
}

func (m *Memory) Watch(owner string, fn func(Mutation)) func() {
	return m.notify.watch(NormalizeOwner(owner), fn)
}

func (m *Memory) Create(ctx context.Context, owner string, e Entry) (string, error) {
	rec, err := prepare(owner, e, m.opts.Now())
	if err != nil {
		return "", err
	}
	if err := m.insert(ctx, rec); err != nil {
		return "", classify("create", err)
	}
	m.notify.publish(ctx, Mutation{Owner: rec.Owner, EntryID: rec.ID, Kind: MutationCreated, At: m.opts.Now()})
	return rec.ID, nil
}

func (m *Memory) CreateIfAbsent(ctx context.Context, owner, key string, e Entry) (string, bool, error) {
	rec, err := prepare(owner, e, m.opts.Now())
	if err != nil {
		return "", false, err
	}
	key = IdentityKey(key)

	m.mu.Lock()
	if err := m.usable(ctx); err != nil {
		m.mu.Unlock()
		return "", false, classify("create", err)
	}
	if key != "" {
		for _, r := range m.entries[rec.Owner] {
			if entryKey(r.Name) == key {
				m.mu.Unlock()
				return r.ID, false, nil
			}
		}
	}
	m.appendLocked(rec)
	m.mu.Unlock()

	m.notify.publish(ctx, Mutation{Owner: rec.Owner, EntryID: rec.ID, Kind: MutationCreated, At: m.opts.Now()})
	return rec.ID, true, nil
}

func (m *Memory) Import(ctx context.Context, owner string, raw []byte, name string, scannedAt int64) (string, error) {
	rec, err := prepareRaw(owner, raw, name, scannedAt)
	if err != nil {
		return "", err
	}
	if err := m.insert(ctx, rec); err != nil {
		return "", classify("import", err)
	}
	m.notify.publish(ctx, Mutation{Owner: rec.Owner, EntryID: rec.ID, Kind: MutationCreated, At: m.opts.Now()})
	return rec.ID, nil
}

func (m *Memory) insert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(ctx); err != nil {
		return err
	}
	m.appendLocked(rec)
	return nil
}

func (m *Memory) appendLocked(rec Record) {
	m.seq++
	rec.Seq = m.seq
	m.entries[rec.Owner] = append(m.entries[rec.Owner], &rec)
	m.logLocked(rec.Owner, rec.ID, rec.Name, MutationCreated)
}

func (m *Memory) logLocked(owner, id, name string, kind MutationKind) {
	m.changes = append(m.changes, Change{
		OccurredAt: m.opts.Now().UTC(),
		Owner:      owner,
		EntryID:    id,
		Name:       name,
		ChangeType: string(kind),
	})
}

func (m *Memory) usable(ctx context.Context) error {
	if m.closed {
		return ErrUnavailable
	}
	return ctx.Err()
}

func (m *Memory) Get(ctx context.Context, owner, id string) (Record, error) {
	owner = NormalizeOwner(owner)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usable(ctx); err != nil {
		return Record{}, classify("get", err)
	}
	for _, r := range m.entries[owner] {
		if r.ID == id {
			return cloneRecord(r), nil
		}
	}
	return Record{}, ErrNotFound
}

func (m *Memory) List(ctx context.Context, owner string) ([]Record, error) {
	owner = NormalizeOwner(owner)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usable(ctx); err != nil {
		return nil, classify("list", err)
	}
	out := make([]Record, 0, len(m.entries[owner]))
	for _, r := range m.entries[owner] {
		out = append(out, cloneRecord(r))
	}
	return out, nil
}

func (m *Memory) Update(ctx context.Context, owner, id string, p Patch) error {
	owner = NormalizeOwner(owner)
	m.mu.Lock()
	if err := m.usable(ctx); err != nil {
		m.mu.Unlock()
		return classify("update", err)
	}
	var target *Record
	for _, r := range m.entries[owner] {
		if r.ID == id {
			target = r
			break
		}
	}
	if target == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	payload, err := applyPatch(target.Payload, p)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	target.Payload = payload
	if p.Name != nil {
		target.Name = strings.TrimSpace(*p.Name)
	}
	m.logLocked(owner, id, target.Name, MutationUpdated)
	m.mu.Unlock()

	m.notify.publish(ctx, Mutation{Owner: owner, EntryID: id, Kind: MutationUpdated, At: m.opts.Now()})
	return nil
}

func (m *Memory) Delete(ctx context.Context, owner, id string) error {
	owner = NormalizeOwner(owner)
	m.mu.Lock()
	if err := m.usable(ctx); err != nil {
		m.mu.Unlock()
		return classify("delete", err)
	}
	recs := m.entries[owner]
	idx := -1
	for i, r := range recs {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return ErrNotFound
	}
	name := recs[idx].Name
	m.entries[owner] = append(recs[:idx:idx], recs[idx+1:]...)
	if len(m.entries[owner]) == 0 {
		delete(m.entries, owner)
	}
	m.logLocked(owner, id, name, MutationDeleted)
	m.mu.Unlock()

	m.notify.publish(ctx, Mutation{Owner: owner, EntryID: id, Kind: MutationDeleted, At: m.opts.Now()})
	return nil
}

func (m *Memory) CaseFile(ctx context.Context, owner string) (CaseFile, error) {
	owner = NormalizeOwner(owner)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usable(ctx); err != nil {
		return CaseFile{}, classify("case file", err)
	}
	return summarize(owner, m.entries[owner]), nil
}

func (m *Memory) CaseFiles(ctx context.Context) ([]CaseFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usable(ctx); err != nil {
		return nil, classify("case files", err)
	}
	out := make([]CaseFile, 0, len(m.entries))
	for owner, recs := range m.entries {
		out = append(out, summarize(owner, recs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out, nil
}

func (m *Memory) RecentChanges(ctx context.Context, owner string, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = defaultChangeLimit
	}
	owner = NormalizeOwner(owner)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.usable(ctx); err != nil {
		return nil, classify("changes", err)
	}
	out := []Change{}
	for i := len(m.changes) - 1; i >= 0 && len(out) < limit; i-- {
		c := m.changes[i]
		if owner != "" && c.Owner != owner {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func summarize(owner string, recs []*Record) CaseFile {
	cf := CaseFile{Owner: owner, Entries: len(recs)}
	for _, r := range recs {
		if r.ScannedAt > cf.LastScannedAt {
			cf.LastScannedAt = r.ScannedAt
		}
	}
	return cf
}

func cloneRecord(r *Record) Record {
	out := *r
	out.Payload = append([]byte(nil), r.Payload...)
	return out
}

var _ Store = (*Memory)(nil)
