package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random 32-char hex identifier, optionally prefixed
// for readability in logs ("prop_9f3a...").
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
