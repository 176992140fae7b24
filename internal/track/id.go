package track

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDPrefix is prepended to every generated track identifier.
const IDPrefix = "TRK-"

// MaxIDLength bounds the identifiers accepted from clients.
const MaxIDLength = 128

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a fresh identifier built from a random (v4) UUID: 122 bits of
// entropy rendered as 26 base32 characters after the prefix.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to read random source: %w", err)
	}
	return IDPrefix + idEncoding.EncodeToString(u[:]), nil
}

// NormalizeID trims surrounding whitespace from a client supplied identifier.
func NormalizeID(id string) string {
	return strings.TrimSpace(id)
}
