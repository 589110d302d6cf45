package storage

import (
	"strings"

	"github.com/google/uuid"
)

// IdentityKey is the comparison form of a subject name.
func IdentityKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IsUnknownName reports whether name carries no identity at all.
func IsUnknownName(name string) bool {
	k := IdentityKey(name)
	return k == "" || k == strings.ToLower(UnknownName)
}

// entryKey is what gets indexed for dedup lookups. Unknown subjects are
// never indexed so they cannot collapse into one another.
func entryKey(name string) string {
	if IsUnknownName(name) {
		return ""
	}
	return IdentityKey(name)
}

func newEntryID() string {
	return uuid.Must(uuid.NewV7()).String()
}
