// Package clock provides the monotonic nanosecond timestamp source shared
// by the DAQ engine and the protocol engine.
package clock

import "time"

// processStart anchors NanosNow to the monotonic clock reading time.Now
// attaches to every Time value. UnixNano discards that reading and
// returns the wall clock instead, which can step backward on an NTP
// adjustment; routing through time.Since keeps comparisons monotonic.
var processStart = time.Now()

// NanosNow returns a monotonically increasing 64-bit nanosecond count
// since process start.
func NanosNow() uint64 {
	return uint64(time.Since(processStart).Nanoseconds())
}

// Source lets callers substitute a deterministic clock in tests.
type Source func() uint64

// Real is the production clock source.
func Real() Source {
	return NanosNow
}
