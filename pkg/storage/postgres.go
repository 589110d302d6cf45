package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the LISTEN/NOTIFY channel mutations travel on.
const NotifyChannel = "casefile_mutations"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS case_entries (
  seq          BIGSERIAL PRIMARY KEY,
  owner_scope  TEXT NOT NULL,
  entry_id     TEXT NOT NULL,
  name         TEXT NOT NULL DEFAULT '',
  name_key     TEXT NOT NULL DEFAULT '',
  scanned_at   BIGINT NOT NULL DEFAULT 0,
  payload      TEXT NOT NULL,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE(owner_scope, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_entries_owner ON case_entries(owner_scope, seq);
CREATE INDEX IF NOT EXISTS idx_entries_identity ON case_entries(owner_scope, name_key);
CREATE TABLE IF NOT EXISTS case_changes (
  id           BIGSERIAL PRIMARY KEY,
  occurred_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  owner_scope  TEXT NOT NULL,
  entry_id     TEXT NOT NULL,
  name         TEXT NOT NULL DEFAULT '',
  change_type  TEXT NOT NULL CHECK (change_type IN ('created','updated','deleted'))
);
CREATE INDEX IF NOT EXISTS idx_changes_owner ON case_changes(owner_scope, id);
`

// Postgres is a Store shared between processes. Mutations are announced
// with pg_notify inside the writing transaction, so listeners only hear
// about committed rows.
type Postgres struct {
	pool   *pgxpool.Pool
	opts   Options
	notify *notifier

	stopListen context.CancelFunc
	listenDone chan struct{}
}

func OpenPostgres(ctx context.Context, url string, opts Options) (*Postgres, error) {
	opts = opts.withDefaults()
	octx, cancel := opts.bound(ctx)
	defer cancel()

	pool, err := pgxpool.New(octx, url)
	if err != nil {
		return nil, classifyPG("open", err)
	}
	if err := pool.Ping(octx); err != nil {
		pool.Close()
		return nil, classifyPG("open", err)
	}
	if _, err := pool.Exec(octx, postgresSchema); err != nil {
		pool.Close()
		return nil, classifyPG("migrate", err)
	}

	// Cross-process delivery comes from LISTEN, not from a relay. LISTEN is
	// in place before OpenPostgres returns, so no committed write is missed.
	n, _ := newNotifier(nil)
	p := &Postgres{pool: pool, opts: opts, notify: n, listenDone: make(chan struct{})}
	conn, err := p.subscribe(octx)
	if err != nil {
		pool.Close()
		return nil, classifyPG("listen", err)
	}
	lctx, stop := context.WithCancel(context.Background())
	p.stopListen = stop
	go p.listen(lctx, conn)
	return p, nil
}

func (p *Postgres) Close() error {
	p.stopListen()
	<-p.listenDone
	p.pool.Close()
	return p.notify.close()
}

func (p *Postgres) Watch(owner string, fn func(Mutation)) func() {
	return p.notify.watch(NormalizeOwner(owner), fn)
}

// subscribe takes a connection out of the pool and issues LISTEN on it.
func (p *Postgres) subscribe(ctx context.Context) (*pgx.Conn, error) {
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := pc.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		pc.Release()
		return nil, err
	}
	return pc.Hijack(), nil
}

// listen feeds local watchers from the LISTEN connection. Every process,
// including the writer, learns about mutations this way. Notifications sent
// while the connection is being replaced are lost, so after each reconnect
// every watched owner is told to re-read.
func (p *Postgres) listen(ctx context.Context, conn *pgx.Conn) {
	defer close(p.listenDone)
	for {
		p.drain(ctx, conn)
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		conn.Close(closeCtx)
		cancel()

		for {
			if ctx.Err() != nil {
				return
			}
			var err error
			if conn, err = p.subscribe(ctx); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		p.notify.resync(p.opts.Now())
	}
}

// drain delivers notifications until the connection fails or ctx ends.
func (p *Postgres) drain(ctx context.Context, conn *pgx.Conn) {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return
		}
		var m Mutation
		if err := json.Unmarshal([]byte(n.Payload), &m); err != nil {
			continue
		}
		p.notify.deliver(m)
	}
}

func (p *Postgres) announce(ctx context.Context, tx pgx.Tx, m Mutation) error {
	m.At = p.opts.Now()
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(body))
	return err
}

func (p *Postgres) Create(ctx context.Context, owner string, e Entry) (string, error) {
	rec, err := prepare(owner, e, p.opts.Now())
	if err != nil {
		return "", err
	}
	err = p.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return p.insertTx(ctx, tx, rec)
	})
	if err != nil {
		return "", classifyPG("create", err)
	}
	return rec.ID, nil
}

func (p *Postgres) Import(ctx context.Context, owner string, raw []byte, name string, scannedAt int64) (string, error) {
	rec, err := prepareRaw(owner, raw, name, scannedAt)
	if err != nil {
		return "", err
	}
	err = p.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return p.insertTx(ctx, tx, rec)
	})
	if err != nil {
		return "", classifyPG("import", err)
	}
	return rec.ID, nil
}

func (p *Postgres) CreateIfAbsent(ctx context.Context, owner, key string, e Entry) (string, bool, error) {
	rec, err := prepare(owner, e, p.opts.Now())
	if err != nil {
		return "", false, err
	}
	key = IdentityKey(key)

	id, created := rec.ID, true
	err = p.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if key != "" {
			// Serialize writers of the same identity for the rest of the tx.
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", rec.Owner+"|"+key); err != nil {
				return err
			}
			var existing string
			err := tx.QueryRow(ctx, "SELECT entry_id FROM case_entries WHERE owner_scope = $1 AND name_key = $2 ORDER BY seq LIMIT 1", rec.Owner, key).Scan(&existing)
			if err == nil {
				id, created = existing, false
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}
		return p.insertTx(ctx, tx, rec)
	})
	if err != nil {
		return "", false, classifyPG("create", err)
	}
	return id, created, nil
}

func (p *Postgres) insertTx(ctx context.Context, tx pgx.Tx, rec Record) error {
	_, err := tx.Exec(ctx, `INSERT INTO case_entries(owner_scope, entry_id, name, name_key, scanned_at, payload) VALUES($1,$2,$3,$4,$5,$6)`,
		rec.Owner, rec.ID, rec.Name, entryKey(rec.Name), rec.ScannedAt, string(rec.Payload))
	if err != nil {
		return err
	}
	if err := p.logChangeTx(ctx, tx, rec.Owner, rec.ID, rec.Name, MutationCreated); err != nil {
		return err
	}
	return p.announce(ctx, tx, Mutation{Owner: rec.Owner, EntryID: rec.ID, Kind: MutationCreated})
}

func (p *Postgres) logChangeTx(ctx context.Context, tx pgx.Tx, owner, id, name string, kind MutationKind) error {
	_, err := tx.Exec(ctx, `INSERT INTO case_changes(owner_scope, entry_id, name, change_type) VALUES($1,$2,$3,$4)`, owner, id, name, string(kind))
	return err
}

func (p *Postgres) inTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	ctx, cancel := p.opts.bound(ctx)
	defer cancel()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Get(ctx context.Context, owner, id string) (Record, error) {
	ctx, cancel := p.opts.bound(ctx)
	defer cancel()
	r := Record{Owner: NormalizeOwner(owner)}
	var payload string
	err := p.pool.QueryRow(ctx, "SELECT seq, entry_id, name, scanned_at, payload FROM case_entries WHERE owner_scope = $1 AND entry_id = $2", r.Owner, id).
		Scan(&r.Seq, &r.ID, &r.Name, &r.ScannedAt, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, classifyPG("get", err)
	}
	r.Payload = []byte(payload)
	return r, nil
}

func (p *Postgres) List(ctx context.Context, owner string) ([]Record, error) {
	ctx, cancel := p.opts.bound(ctx)
	defer cancel()
	owner = NormalizeOwner(owner)
	rows, err := p.pool.Query(ctx, "SELECT seq, entry_id, name, scanned_at, payload FROM case_entries WHERE owner_scope = $1 ORDER BY seq", owner)
	if err != nil {
		return nil, classifyPG("list", err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		r := Record{Owner: owner}
		var payload string
		if err := rows.Scan(&r.Seq, &r.ID, &r.Name, &r.ScannedAt, &payload); err != nil {
			return nil, classifyPG("list", err)
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG("list", err)
	}
	return out, nil
}

func (p *Postgres) Update(ctx context.Context, owner, id string, patch Patch) error {
	owner = NormalizeOwner(owner)
	err := p.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var name, payload string
		err := tx.QueryRow(ctx, "SELECT name, payload FROM case_entries WHERE owner_scope = $1 AND entry_id = $2 FOR UPDATE", owner, id).Scan(&name, &payload)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		updated, err := applyPatch([]byte(payload), patch)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			name = strings.TrimSpace(*patch.Name)
		}
		_, err = tx.Exec(ctx, `UPDATE case_entries SET payload = $1, name = $2, name_key = $3, updated_at = now() WHERE owner_scope = $4 AND entry_id = $5`,
			string(updated), name, entryKey(name), owner, id)
		if err != nil {
			return err
		}
		if err := p.logChangeTx(ctx, tx, owner, id, name, MutationUpdated); err != nil {
			return err
		}
		return p.announce(ctx, tx, Mutation{Owner: owner, EntryID: id, Kind: MutationUpdated})
	})
	return classifyPG("update", err)
}

func (p *Postgres) Delete(ctx context.Context, owner, id string) error {
	owner = NormalizeOwner(owner)
	err := p.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var name string
		err := tx.QueryRow(ctx, "DELETE FROM case_entries WHERE owner_scope = $1 AND entry_id = $2 RETURNING name", owner, id).Scan(&name)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := p.logChangeTx(ctx, tx, owner, id, name, MutationDeleted); err != nil {
			return err
		}
		return p.announce(ctx, tx, Mutation{Owner: owner, EntryID: id, Kind: MutationDeleted})
	})
	return classifyPG("delete", err)
}

func (p *Postgres) CaseFile(ctx context.Context, owner string) (CaseFile, error) {
	ctx, cancel := p.opts.bound(ctx)
	defer cancel()
	cf := CaseFile{Owner: NormalizeOwner(owner)}
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*), COALESCE(MAX(scanned_at), 0) FROM case_entries WHERE owner_scope = $1", cf.Owner).
		Scan(&cf.Entries, &cf.LastScannedAt)
	if err != nil {
		return CaseFile{}, classifyPG("case file", err)
	}
	return cf, nil
}

func (p *Postgres) CaseFiles(ctx context.Context) ([]CaseFile, error) {
	ctx, cancel := p.opts.bound(ctx)
	defer cancel()
	rows, err := p.pool.Query(ctx, "SELECT owner_scope, COUNT(*), MAX(scanned_at) FROM case_entries GROUP BY owner_scope ORDER BY owner_scope")
	if err != nil {
		return nil, classifyPG("case files", err)
	}
	defer rows.Close()
	out := []CaseFile{}
	for rows.Next() {
		var cf CaseFile
		if err := rows.Scan(&cf.Owner, &cf.Entries, &cf.LastScannedAt); err != nil {
			return nil, classifyPG("case files", err)
		}
		out = append(out, cf)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG("case files", err)
	}
	return out, nil
}

func (p *Postgres) RecentChanges(ctx context.Context, owner string, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = defaultChangeLimit
	}
	ctx, cancel := p.opts.bound(ctx)
	defer cancel()
	q := "SELECT occurred_at, owner_scope, entry_id, name, change_type FROM case_changes"
	args := []any{}
	if owner = NormalizeOwner(owner); owner != "" {
		q += " WHERE owner_scope = $1"
		args = append(args, owner)
	}
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classifyPG("changes", err)
	}
	defer rows.Close()
	out := []Change{}
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.OccurredAt, &c.Owner, &c.EntryID, &c.Name, &c.ChangeType); err != nil {
			return nil, classifyPG("changes", err)
		}
		c.OccurredAt = c.OccurredAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG("changes", err)
	}
	return out, nil
}

// classifyPG extends classify with pgx's own connection failures.
func classifyPG(op string, err error) error {
	if err == nil {
		return nil
	}
	var connErr *pgconn.ConnectError
	if pgconn.Timeout(err) || errors.As(err, &connErr) || errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return classify(op, err)
}

var _ Store = (*Postgres)(nil)
