package xid

import "github.com/google/uuid"

// New returns a random identifier tagged with prefix, e.g. "cr-3f2a...".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
