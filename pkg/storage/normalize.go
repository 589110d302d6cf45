package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// NormalizeOwner applies the canonicalization used for owner scopes.
func NormalizeOwner(s string) string {
	return strings.TrimSpace(s)
}

// prepare validates the owner, assigns an id and stamps a missing scan time.
func prepare(owner string, e Entry, now time.Time) (Record, error) {
	owner = NormalizeOwner(owner)
	if owner == "" {
		return Record{}, ErrInvalidOwner
	}
	if e.ScannedAt == 0 {
		e.ScannedAt = now.UnixMilli()
	}
	id := newEntryID()
	e.ID = ""
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("encode entry: %w", err)
	}
	return Record{ID: id, Owner: owner, Name: e.Name, ScannedAt: e.ScannedAt, Payload: payload}, nil
}

// prepareRaw is prepare for payloads that must be stored byte for byte.
func prepareRaw(owner string, raw []byte, name string, scannedAt int64) (Record, error) {
	owner = NormalizeOwner(owner)
	if owner == "" {
		return Record{}, ErrInvalidOwner
	}
	payload := make([]byte, len(raw))
	copy(payload, raw)
	return Record{ID: newEntryID(), Owner: owner, Name: name, ScannedAt: scannedAt, Payload: payload}, nil
}

// applyPatch edits the top-level fields of a stored payload in place and
// leaves every other byte of the document alone.
func applyPatch(payload []byte, p Patch) ([]byte, error) {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, fmt.Errorf("patch: stored payload is not a JSON object")
	}
	type edit struct {
		path  string
		value any
	}
	var edits []edit
	if p.Name != nil {
		edits = append(edits, edit{"name", strings.TrimSpace(*p.Name)})
	}
	if p.Accuracy != nil {
		edits = append(edits, edit{"accuracy", *p.Accuracy})
	}
	if p.Location != nil {
		edits = append(edits, edit{"location", *p.Location})
	}
	if p.Summary != nil {
		edits = append(edits, edit{"summary", p.Summary})
	}

	out := append([]byte(nil), payload...)
	for _, e := range edits {
		var err error
		if out, err = sjson.SetBytes(out, e.path, e.value); err != nil {
			return nil, fmt.Errorf("patch %s: %w", e.path, err)
		}
	}
	return out, nil
}
