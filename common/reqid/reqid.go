// Package reqid generates the request identifiers attached to every inbound
// gateway request and propagates them through context across the
// middleware → handler → queue boundaries.
//
// Identifiers are ULIDs: 26 Crockford-Base32 characters, the leading 10
// encoding a 48-bit millisecond timestamp, the trailing 16 random.
// Lexicographic ordering therefore agrees with creation order at millisecond
// resolution (ids generated in the same millisecond by this process are kept
// in order by the monotonic entropy source), which keeps trace listings
// sorted without a secondary sort key.
package reqid

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// reqidKey is the unexported context key used to store the request ID.
type reqidKey struct{}

var (
	// entropy is shared so ids within one millisecond stay monotonic.
	// ulid.MonotonicEntropy is not safe for concurrent use; entropyMu
	// serializes access.
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh 26-character request identifier.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Timestamp decodes the millisecond timestamp embedded in id.  The second
// return value is false when id is not exactly 26 characters of the Crockford
// Base32 alphabet.
func Timestamp(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

// WithRequestID returns a child context carrying the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, reqidKey{}, id)
}

// FromContext extracts the request ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(reqidKey{}).(string); ok {
		return v
	}
	return ""
}
