package storage

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// IDShort is the id length shown in listings.
	IDShort = 7
	// IDMinLen is the shortest prefix Find treats as an id.
	IDMinLen = 4
)

// IDRegexp matches a full run id.
var IDRegexp = regexp.MustCompile(`\b[0-9a-f]{32}\b`)

// NewID returns a fresh run id: a random UUID as 32 hex characters.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShortID trims id for display.
func ShortID(id string) string {
	if len(id) > IDShort {
		return id[:IDShort]
	}
	return id
}
