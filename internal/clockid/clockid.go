// Package clockid provides the daemon's clock and ID sources: a
// monotonic-safe clock seam for testing, UUID v4 session/conversation IDs,
// and ULID row IDs in the repository layer's idiom.
package clockid

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Clock supplies the current time. The daemon uses the package-level Now by
// default; tests inject a fixed or stepped Clock instead.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Default is the Clock used throughout the daemon unless overridden.
var Default Clock = SystemClock{}

// Now returns Default.Now(). Components that need a seam for tests should
// accept a Clock in their constructor instead of calling this directly.
func Now() time.Time {
	return Default.Now()
}

// NewSessionID returns a UUID v4, used for session_id and continuation_id
// (both are wire-visible UUIDs, unlike internal row IDs).
func NewSessionID() string {
	return uuid.NewString()
}

// NewRowID returns a ULID, used for internally-generated primary keys
// (conversations, messages, files, tokens, providers), matching the
// repository layer's `ulid.Make().String()` convention.
func NewRowID() string {
	return ulid.Make().String()
}
