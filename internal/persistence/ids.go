package persistence

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// NewID generates a lexicographically sortable, time-ordered ID for a Task,
// HeartbeatJob, or Group primary key — callers that don't already have an
// externally supplied ID (e.g. the control plane's POST handlers, or
// /hbjob add) use this rather than inventing their own scheme.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
