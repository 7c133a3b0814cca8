package limits

import "time"

// RateLimit is a per-stream minimum-throughput watchdog. Sessions feed
// it the byte count read since the previous check; when the implied
// rate drops below the floor the session aborts the stalled transfer.
//
// This is deliberately not a token bucket: it enforces a floor, not a
// ceiling.
type RateLimit struct {
	minBytesPerSec uint64
	lastCheck      time.Time
}

// NewRateLimit builds a watchdog with the given floor.
func NewRateLimit(minBytesPerSec uint64) *RateLimit {
	return &RateLimit{
		minBytesPerSec: minBytesPerSec,
		lastCheck:      time.Now(),
	}
}

// AboveFloor reports whether bytesRead since the previous call arrived
// faster than the floor. Back-to-back calls with no measurable elapsed
// time count as above the floor.
func (r *RateLimit) AboveFloor(bytesRead int) bool {
	elapsed := time.Since(r.lastCheck).Milliseconds()
	r.lastCheck = time.Now()

	if elapsed <= 0 {
		return true
	}
	return uint64(bytesRead)*1000/uint64(elapsed) > r.minBytesPerSec
}
