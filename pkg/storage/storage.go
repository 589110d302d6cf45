package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	sql    *sql.DB
	opts   Options
	notify *notifier
}

func Open(path string, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, which is what makes
	// CreateIfAbsent's read-then-insert atomic.
	db.SetMaxOpenConns(1)

	ctx, cancel := opts.bound(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify("open", err)
	}
	// Ensure schema exists for convenience.
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS case_entries (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  owner_scope  TEXT NOT NULL,
  entry_id     TEXT NOT NULL,
  name         TEXT NOT NULL DEFAULT '',
  name_key     TEXT NOT NULL DEFAULT '',
  scanned_at   INTEGER NOT NULL DEFAULT 0,
  payload      TEXT NOT NULL,
  created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(owner_scope, entry_id)
);
CREATE INDEX IF NOT EXISTS idx_entries_owner ON case_entries(owner_scope, seq);
CREATE INDEX IF NOT EXISTS idx_entries_identity ON case_entries(owner_scope, name_key);
CREATE TABLE IF NOT EXISTS case_changes (
  id           INTEGER PRIMARY KEY,
  occurred_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  owner_scope  TEXT NOT NULL,
  entry_id     TEXT NOT NULL,
  name         TEXT NOT NULL DEFAULT '',
  change_type  TEXT NOT NULL CHECK (change_type IN ('created','updated','deleted'))
);
CREATE INDEX IF NOT EXISTS idx_changes_owner ON case_changes(owner_scope, id);
    `); err != nil {
		db.Close()
		return nil, err
	}

	n, err := newNotifier(opts.Relay)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{sql: db, opts: opts, notify: n}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	nerr := d.notify.close()
	if err := d.sql.Close(); err != nil {
		return err
	}
	return nerr
}

// SQL exposes the underlying handle for the db shell and ad-hoc queries.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

func (d *DB) Watch(owner string, fn func(Mutation)) func() {
	return d.notify.watch(NormalizeOwner(owner), fn)
}

func (d *DB) Create(ctx context.Context, owner string, e Entry) (string, error) {
	rec, err := prepare(owner, e, d.opts.Now())
	if err != nil {
		return "", err
	}
	if err := d.insert(ctx, rec); err != nil {
		return "", classify("create", err)
	}
	d.notify.publish(ctx, Mutation{Owner: rec.Owner, EntryID: rec.ID, Kind: MutationCreated, At: d.opts.Now()})
	return rec.ID, nil
}

func (d *DB) Import(ctx context.Context, owner string, raw []byte, name string, scannedAt int64) (string, error) {
	rec, err := prepareRaw(owner, raw, name, scannedAt)
	if err != nil {
		return "", err
	}
	if err := d.insert(ctx, rec); err != nil {
		return "", classify("import", err)
	}
	d.notify.publish(ctx, Mutation{Owner: rec.Owner, EntryID: rec.ID, Kind: MutationCreated, At: d.opts.Now()})
	return rec.ID, nil
}

func (d *DB) CreateIfAbsent(ctx context.Context, owner, key string, e Entry) (string, bool, error) {
	rec, err := prepare(owner, e, d.opts.Now())
	if err != nil {
		return "", false, err
	}
	key = IdentityKey(key)

	ctx, cancel := d.opts.bound(ctx)
	defer cancel()
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return "", false, classify("create", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if key != "" {
		var existing string
		err = tx.QueryRowContext(ctx, "SELECT entry_id FROM case_entries WHERE owner_scope = ? AND name_key = ? ORDER BY seq LIMIT 1", rec.Owner, key).Scan(&existing)
		if err == nil {
			err = tx.Commit()
			return existing, false, classify("create", err)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, classify("create", err)
		}
	}
	if err = insertTx(ctx, tx, rec); err != nil {
		return "", false, classify("create", err)
	}
	if err = tx.Commit(); err != nil {
		return "", false, classify("create", err)
	}
	d.notify.publish(ctx, Mutation{Owner: rec.Owner, EntryID: rec.ID, Kind: MutationCreated, At: d.opts.Now()})
	return rec.ID, true, nil
}

func (d *DB) insert(ctx context.Context, rec Record) (err error) {
	ctx, cancel := d.opts.bound(ctx)
	defer cancel()
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = insertTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTx(ctx context.Context, tx *sql.Tx, rec Record) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO case_entries(owner_scope, entry_id, name, name_key, scanned_at, payload) VALUES(?,?,?,?,?,?)`,
		rec.Owner, rec.ID, rec.Name, entryKey(rec.Name), rec.ScannedAt, string(rec.Payload))
	if err != nil {
		return err
	}
	return logChangeTx(ctx, tx, rec.Owner, rec.ID, rec.Name, MutationCreated)
}

func logChangeTx(ctx context.Context, tx *sql.Tx, owner, id, name string, kind MutationKind) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO case_changes(occurred_at, owner_scope, entry_id, name, change_type) VALUES(CURRENT_TIMESTAMP, ?, ?, ?, ?)`, owner, id, name, string(kind))
	return err
}

func (d *DB) Get(ctx context.Context, owner, id string) (Record, error) {
	ctx, cancel := d.opts.bound(ctx)
	defer cancel()
	r := Record{Owner: NormalizeOwner(owner)}
	var payload string
	err := d.sql.QueryRowContext(ctx, "SELECT seq, entry_id, name, scanned_at, payload FROM case_entries WHERE owner_scope = ? AND entry_id = ?", r.Owner, id).
		Scan(&r.Seq, &r.ID, &r.Name, &r.ScannedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, classify("get", err)
	}
	r.Payload = []byte(payload)
	return r, nil
}

func (d *DB) List(ctx context.Context, owner string) ([]Record, error) {
	ctx, cancel := d.opts.bound(ctx)
	defer cancel()
	owner = NormalizeOwner(owner)
	rows, err := d.sql.QueryContext(ctx, "SELECT seq, entry_id, name, scanned_at, payload FROM case_entries WHERE owner_scope = ? ORDER BY seq", owner)
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		r := Record{Owner: owner}
		var payload string
		if err := rows.Scan(&r.Seq, &r.ID, &r.Name, &r.ScannedAt, &payload); err != nil {
			return nil, classify("list", err)
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", err)
	}
	return out, nil
}

// RecentChanges returns the most recent N changes, newest first.
func (d *DB) RecentChanges(ctx context.Context, owner string, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = defaultChangeLimit
	}
	ctx, cancel := d.opts.bound(ctx)
	defer cancel()
	q := "SELECT occurred_at, owner_scope, entry_id, name, change_type FROM case_changes"
	args := []interface{}{}
	if owner = NormalizeOwner(owner); owner != "" {
		q += " WHERE owner_scope = ?"
		args = append(args, owner)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("changes", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var c Change
		var occurredAtStr string
		if err := rows.Scan(&occurredAtStr, &c.Owner, &c.EntryID, &c.Name, &c.ChangeType); err != nil {
			return nil, classify("changes", err)
		}
		c.OccurredAt = parseSQLiteTime(occurredAtStr)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("changes", err)
	}
	return changes, nil
}

// parseSQLiteTime reads CURRENT_TIMESTAMP output, falling back to RFC3339.
func parseSQLiteTime(s string) time.Time {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

func (d *DB) CaseFiles(ctx context.Context) ([]CaseFile, error) {
	ctx, cancel := d.opts.bound(ctx)
	defer cancel()
	query := `
		SELECT
			owner_scope,
			COUNT(*),
			MAX(scanned_at)
		FROM
			case_entries
		GROUP BY
			owner_scope
		ORDER BY
			owner_scope;
	`
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, classify("case files", err)
	}
	defer rows.Close()

	stats := []CaseFile{}
	for rows.Next() {
		var s CaseFile
		if err := rows.Scan(&s.Owner, &s.Entries, &s.LastScannedAt); err != nil {
			return nil, classify("case files", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("case files", err)
	}
	return stats, nil
}

func (d *DB) CaseFile(ctx context.Context, owner string) (CaseFile, error) {
	ctx, cancel := d.opts.bound(ctx)
	defer cancel()
	cf := CaseFile{Owner: NormalizeOwner(owner)}
	err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(MAX(scanned_at), 0) FROM case_entries WHERE owner_scope = ?", cf.Owner).
		Scan(&cf.Entries, &cf.LastScannedAt)
	if err != nil {
		return CaseFile{}, classify("case file", err)
	}
	return cf, nil
}

var _ Store = (*DB)(nil)
