package reaper

import (
	"slices"
	"time"

	"github.com/matheus3301/courier/internal/remote"
)

// FullyRead reports whether every current member has read the message. An
// empty membership never counts as fully read.
func FullyRead(readBy, members []string) bool {
	if len(members) == 0 {
		return false
	}
	for _, uid := range members {
		if !slices.Contains(readBy, uid) {
			return false
		}
	}
	return true
}

// ShouldReap is the deletion policy: fully read by the current members, or
// past its expiry. Once true for a message it stays true, since read sets
// only grow and time only advances.
func ShouldReap(m remote.Message, members []string, now time.Time) bool {
	if FullyRead(m.ReadBy, members) {
		return true
	}
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}
