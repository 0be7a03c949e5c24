// Package ids generates the identifiers fitbroker puts on the wire: worker
// ids for workers configured without one, correlation ids pairing a request
// frame with its reply, and watermill message ids.
//
// All of them are ULIDs drawn from one monotonic source, so ids created by a
// process sort in creation order.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID as a 26-character string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// WorkerID names a worker that was started without a configured id. The id
// becomes part of its request topic.
func WorkerID() string { return New() }

// CorrelationID tags one call attempt. A retry or a degradation fallback
// gets a fresh id so late replies to the first attempt are dropped.
func CorrelationID() string { return New() }
