// Package normalize turns stored scan payloads of any schema generation
// into the canonical storage.Entry.
package normalize

import (
	"errors"

	"github.com/tidwall/gjson"

	"github.com/sw33tLie/casefile/pkg/storage"
)

// ErrCorrupt is returned when a payload is not a JSON object at all.
var ErrCorrupt = errors.New("corrupt entry payload")

// Decode normalizes raw. On ErrCorrupt the returned entry is a placeholder.
// Decode never panics on well-formed JSON, whatever its contents.
func Decode(raw []byte) (storage.Entry, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return Placeholder(), ErrCorrupt
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Placeholder(), ErrCorrupt
	}
	return fromDocument(doc, DetectShape(doc)), nil
}

// Normalize is Decode without the error: anything unreadable becomes a
// placeholder entry.
func Normalize(raw []byte) storage.Entry {
	e, _ := Decode(raw)
	return e
}

// Placeholder is the entry shown in place of one that cannot be read.
func Placeholder() storage.Entry {
	return storage.Entry{
		Name:            storage.UnknownName,
		Location:        storage.DefaultLocation(),
		PersonalInfo:    map[string]any{},
		SocialMedia:     map[string]any{},
		DatabaseRecords: map[string]any{},
		PublicRecords:   map[string]any{},
		Other:           []any{},
		Summary:         map[string]any{},
	}
}

func fromDocument(doc gjson.Result, shape Shape) storage.Entry {
	personal := sectionPersonal.lookup(doc, shape)
	meta := sectionMetadata.lookup(doc, shape)
	if !meta.Exists() {
		meta = doc.Get("metadata")
	}

	e := Placeholder()
	e.Name = resolveName(doc, personal, meta)
	e.Location = resolveLocation(doc, personal, meta)
	e.Accuracy = resolveAccuracy(doc, shape)
	e.ScannedAt = resolveScannedAt(doc, meta)
	e.Metadata = resolveMeta(meta)

	e.PersonalInfo = object(personal)
	// Legacy records kept the location inside personal info; once it is
	// lifted into Location it is not repeated there.
	if shape == ShapeLegacy && !doc.Get("location").Exists() && usableLocation(personal.Get("location")) {
		delete(e.PersonalInfo, "location")
	}
	e.SocialMedia = object(sectionSocial.lookup(doc, shape))
	e.DatabaseRecords = object(sectionDatabase.lookup(doc, shape))
	e.PublicRecords = object(sectionPublic.lookup(doc, shape))
	e.Summary = object(sectionSummary.lookup(doc, shape))
	e.Other = list(sectionOther.lookup(doc, shape))
	return e
}
