package anchored

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewDocumentID returns a new remote-compatible document id.
func NewDocumentID() string {
	return uuid.NewString()
}

// IsRemoteID reports whether id can be stored remotely. Ids that are not
// canonical UUIDs denote local-only scaffolding and are never pushed.
func IsRemoteID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// entryIDs mints ULIDs for queue entries. ULIDs sort by creation time, so
// entries enqueued in the same millisecond keep their order.
type entryIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newEntryIDs() *entryIDs {
	return &entryIDs{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *entryIDs) next(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}
