package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Update applies p to the stored payload of one entry.
func (d *DB) Update(ctx context.Context, owner, id string, p Patch) (err error) {
	owner = NormalizeOwner(owner)
	ctx, cancel := d.opts.bound(ctx)
	defer cancel()

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return classify("update", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var name, payload string
	err = tx.QueryRowContext(ctx, "SELECT name, payload FROM case_entries WHERE owner_scope = ? AND entry_id = ?", owner, id).Scan(&name, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classify("update", err)
	}

	updated, err := applyPatch([]byte(payload), p)
	if err != nil {
		return err
	}
	if p.Name != nil {
		name = strings.TrimSpace(*p.Name)
	}
	_, err = tx.ExecContext(ctx, `UPDATE case_entries SET payload = ?, name = ?, name_key = ?, updated_at = CURRENT_TIMESTAMP WHERE owner_scope = ? AND entry_id = ?`,
		string(updated), name, entryKey(name), owner, id)
	if err != nil {
		return classify("update", err)
	}
	if err = logChangeTx(ctx, tx, owner, id, name, MutationUpdated); err != nil {
		return classify("update", err)
	}
	if err = tx.Commit(); err != nil {
		return classify("update", err)
	}
	d.notify.publish(ctx, Mutation{Owner: owner, EntryID: id, Kind: MutationUpdated, At: d.opts.Now()})
	return nil
}

// Delete removes one entry from the owner's case file.
func (d *DB) Delete(ctx context.Context, owner, id string) (err error) {
	owner = NormalizeOwner(owner)
	ctx, cancel := d.opts.bound(ctx)
	defer cancel()

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return classify("delete", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var name string
	err = tx.QueryRowContext(ctx, "SELECT name FROM case_entries WHERE owner_scope = ? AND entry_id = ?", owner, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classify("delete", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM case_entries WHERE owner_scope = ? AND entry_id = ?`, owner, id); err != nil {
		return classify("delete", err)
	}
	if err = logChangeTx(ctx, tx, owner, id, name, MutationDeleted); err != nil {
		return classify("delete", err)
	}
	if err = tx.Commit(); err != nil {
		return classify("delete", err)
	}
	d.notify.publish(ctx, Mutation{Owner: owner, EntryID: id, Kind: MutationDeleted, At: d.opts.Now()})
	return nil
}
