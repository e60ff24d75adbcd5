package realtime

import (
	"time"

	"chatcore/cmd/internal/ids"
)

// newSessionID returns the ULID identifying one websocket session.
func newSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelopeID returns a ULID for a server-originated frame. ULIDs sort by time,
// which keeps frames ordered in logs.
func newEnvelopeID(now time.Time) string {
	id, _ := ids.NewULID(now)
	return id
}
