package storage

import "time"

// UnknownName is the display name used when no name could be resolved.
const UnknownName = "Unknown"

// Entry is the canonical shape every case-file entry converges to,
// whatever schema generation it was written in.
type Entry struct {
	// ID is assigned by the store and never persisted inside the payload.
	ID string `json:"id,omitempty"`

	ScannedAt int64    `json:"scannedAt"`
	Name      string   `json:"name"`
	Location  Location `json:"location"`
	Accuracy  float64  `json:"accuracy"`

	PersonalInfo    map[string]any `json:"personalInfo"`
	SocialMedia     map[string]any `json:"socialMedia"`
	DatabaseRecords map[string]any `json:"databaseRecords"`
	PublicRecords   map[string]any `json:"publicRecords"`
	Other           []any          `json:"other"`
	Summary         map[string]any `json:"summary"`

	Metadata SourceMeta `json:"metadata"`
}

// Location is where the subject was last placed.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address"`
}

// DefaultLocation is used when nothing in a payload resolves to a location.
func DefaultLocation() Location {
	return Location{Address: UnknownName}
}

// SourceMeta describes where a scan result came from.
type SourceMeta struct {
	MainID         string `json:"mainId"`
	SubID          string `json:"subId"`
	GeneratedAt    string `json:"generatedAt"`
	ProfileImage   string `json:"profileImage"`
	GPSCoordinates GPS    `json:"gpsCoordinates"`
}

type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Record is an entry as held by a store: the payload bytes are kept
// verbatim so historical schema generations survive untouched.
type Record struct {
	ID        string
	Owner     string
	Seq       int64
	Name      string
	ScannedAt int64
	Payload   []byte
}

// Patch carries an in-place edit. Nil fields are left alone.
type Patch struct {
	Name     *string        `json:"name,omitempty"`
	Accuracy *float64       `json:"accuracy,omitempty"`
	Location *Location      `json:"location,omitempty"`
	Summary  map[string]any `json:"summary,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Accuracy == nil && p.Location == nil && p.Summary == nil
}

type MutationKind string

const (
	MutationCreated MutationKind = "created"
	MutationUpdated MutationKind = "updated"
	MutationDeleted MutationKind = "deleted"
)

// Mutation is the notification a store emits after a committed write.
type Mutation struct {
	Owner   string       `json:"owner"`
	EntryID string       `json:"entryId"`
	Kind    MutationKind `json:"kind"`
	Origin  string       `json:"origin,omitempty"`
	At      time.Time    `json:"at"`
}

// Change captures a single change event for auditing or printing.
type Change struct {
	OccurredAt time.Time `json:"occurredAt"`
	Owner      string    `json:"owner"`
	EntryID    string    `json:"entryId"`
	Name       string    `json:"name"`
	ChangeType string    `json:"changeType"` // created | updated | deleted
}

// CaseFile summarizes one owner's collection.
type CaseFile struct {
	Owner         string `json:"owner"`
	Entries       int    `json:"entries"`
	LastScannedAt int64  `json:"lastScannedAt"`
}
