package durablestreams

import (
	"math/rand"
	"time"
)

// DefaultCursorIntervalSeconds is the width of a cursor's cache-rotation
// window when the caller doesn't configure one.
const DefaultCursorIntervalSeconds = 30

// NextCursor computes the cursor returned to long-poll and SSE readers, a
// monotonically non-decreasing integer that changes every intervalSeconds
// so a CDN in front of the server rotates its cache key over time, jittered
// forward whenever the client is already caught up to the current window
// (so two clients polling in lockstep don't loop on the same cache entry
// forever). Grounded on ds_store.c's ds_generate_cursor.
func NextCursor(epoch time.Time, intervalSeconds int, clientCursor uint64) uint64 {
	if intervalSeconds <= 0 {
		intervalSeconds = DefaultCursorIntervalSeconds
	}
	now := uint64(time.Now().Unix())
	epochSec := uint64(epoch.Unix())
	var elapsed uint64
	if now > epochSec {
		elapsed = now - epochSec
	}
	currentInterval := elapsed / uint64(intervalSeconds)

	if clientCursor >= currentInterval {
		return clientCursor + 1 + uint64(rand.Intn(3600))
	}
	return currentInterval
}
