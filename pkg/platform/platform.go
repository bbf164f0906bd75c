// Package platform wraps the atomic primitives shared by the calibration
// segment engine and the DAQ engine's overflow counters, the way spec.md's
// Clock/Platform component is described: a thin seam around the
// concurrency primitives rather than a library of its own.
package platform

import "sync/atomic"

// AtomicPointer embeds atomic.Pointer, so its Load/Store/Swap/
// CompareAndSwap methods are atomic.Pointer's own; kept here so callers
// depend on pkg/platform instead of sync/atomic directly.
type AtomicPointer[T any] struct {
	atomic.Pointer[T]
}

// AtomicU64 is a typed alias of atomic.Uint64.
type AtomicU64 = atomic.Uint64

// AtomicU32 is a typed alias of atomic.Uint32.
type AtomicU32 = atomic.Uint32

// AtomicBool is a typed alias of atomic.Bool.
type AtomicBool = atomic.Bool
