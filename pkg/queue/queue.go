// Package queue implements the bounded MPSC packet queue that feeds the
// transport layer: a byte-addressed ring so variable-sized DTO packets
// fit without fragmentation (spec.md §4.2).
//
// The ring generalizes the teacher's internal/fifo.Fifo (a single-producer
// byte ring used by the SDO client to reassemble segmented transfers)
// from one producer to many. Reservation bookkeeping (finding free space,
// handling wrap) is guarded by a short critical section instead of a
// pure CAS loop — contention is limited to that O(1) bookkeeping, never
// to the byte copy a producer performs into its own reserved region, so
// producers never block on each other's payload writes, only briefly on
// each other's reservation. Design notes §9 prescribe 64-bit sequence
// counters unconditionally; Level/Acquire/Release accounting here uses
// uint64 throughout for that reason.
package queue

import (
	"encoding/binary"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned by Acquire when there isn't enough free
	// space for size bytes plus the slot header.
	ErrQueueFull = errors.New("queue: full")
	// ErrSlotTooLarge is returned when size can never fit even in an
	// entirely empty ring.
	ErrSlotTooLarge = errors.New("queue: slot larger than ring capacity")
	// ErrNotCommitted is returned by Commit if called twice on the same slot.
	ErrNotCommitted = errors.New("queue: slot already committed")
	// ErrReleaseOrder is returned by Release when called out of FIFO order.
	ErrReleaseOrder = errors.New("queue: release out of order")

	errQueueEmpty = errors.New("queue: empty")
)

const slotHeaderLen = 2 // length prefix, per spec.md §4.2

// commitRecord is one committed-but-not-yet-released region, kept in a
// FIFO ordered by the call order of Commit — this is what gives the
// consumer the "commits observed in commit-call linearization order"
// guarantee regardless of which producer finished reserving first.
type commitRecord struct {
	offset     int
	length     int
	physLen    int
	flush      bool
	generation uint64
}

// Slot is an acquired, not-yet-committed region of the ring. A producer
// writes its payload into Slot.Bytes() and then calls Commit exactly
// once.
type Slot struct {
	ring      *Ring
	offset    int
	length    int
	physLen   int
	committed bool
}

// Bytes returns the payload region a producer should fill. It does not
// include the 2-byte length prefix, which Ring already wrote.
func (s *Slot) Bytes() []byte {
	return s.ring.buf[s.offset+slotHeaderLen : s.offset+slotHeaderLen+s.length]
}

// Commit publishes the slot to the consumer. flush hints the transport
// to stop coalescing and drain immediately once it reaches this packet.
func (s *Slot) Commit(flush bool) error {
	return s.ring.commit(s, flush)
}

// View is a consumer-side read of the oldest committed slot. It does not
// remove the slot; call Release for that.
type View struct {
	ring    *Ring
	offset  int
	length  int
	physLen int
	flush   bool
}

// Bytes returns the committed payload, excluding the length prefix.
func (v *View) Bytes() []byte {
	return v.ring.buf[v.offset+slotHeaderLen : v.offset+slotHeaderLen+v.length]
}

// Flush reports whether the producer marked this packet to flush.
func (v *View) Flush() bool { return v.flush }

// Release removes the slot. Must be called in FIFO order with respect
// to Peek.
func (v *View) Release() error {
	return v.ring.release(v)
}

// Ring is a bounded, byte-addressed, multi-producer single-consumer
// queue of raw bytes.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
	used int // physical bytes currently reserved+committed+unreleased

	writePos int // next byte offset a producer may reserve from
	readPos  int // oldest unreleased byte offset

	committed []*commitRecord
	nextGen   uint64

	totalAcquired uint64
	totalReleased uint64

	flushRequested bool
}

// NewRing creates a ring backed by a capacity-byte contiguous buffer
// (typical 64 KiB-8 MiB per spec.md §4.2).
func NewRing(capacity int) *Ring {
	return &Ring{
		buf: make([]byte, capacity),
		cap: capacity,
	}
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// Acquire reserves size bytes aligned to 4, including a 2-byte length
// prefix. It never blocks: on insufficient space it returns ErrQueueFull
// immediately so callers can bump an overflow counter (spec.md §4.2
// partial-failure policy lives in pkg/daq, the only caller that knows
// which event an overflow belongs to).
func (r *Ring) Acquire(size int) (*Slot, error) {
	physLen := align4(size + slotHeaderLen)
	if physLen > r.cap {
		return nil, ErrSlotTooLarge
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	offset := r.writePos
	free := r.cap - r.used
	if offset+physLen > r.cap {
		// Would not fit contiguously before wrapping: pad the
		// remainder and restart the reservation at offset 0.
		padding := r.cap - offset
		if padding+physLen > free {
			return nil, ErrQueueFull
		}
		r.used += padding
		offset = 0
		free -= padding
	}
	if physLen > free {
		return nil, ErrQueueFull
	}

	r.used += physLen
	r.writePos = (offset + physLen) % r.cap
	r.totalAcquired += uint64(size)

	binary.LittleEndian.PutUint16(r.buf[offset:], uint16(size))

	return &Slot{ring: r, offset: offset, length: size, physLen: physLen}, nil
}

func (r *Ring) commit(s *Slot, flush bool) error {
	if s.committed {
		return ErrNotCommitted
	}
	s.committed = true

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGen++
	r.committed = append(r.committed, &commitRecord{
		offset:     s.offset,
		length:     s.length,
		physLen:    s.physLen,
		flush:      flush,
		generation: r.nextGen,
	})
	return nil
}

// Peek returns the oldest committed slot without removing it.
func (r *Ring) Peek() (*View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.committed) == 0 {
		return nil, false
	}
	rec := r.committed[0]
	return &View{ring: r, offset: rec.offset, length: rec.length, physLen: rec.physLen, flush: rec.flush}, true
}

func (r *Ring) release(v *View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.committed) == 0 {
		return errQueueEmpty
	}
	rec := r.committed[0]
	if rec.offset != v.offset || rec.length != v.length {
		return ErrReleaseOrder
	}
	r.committed = r.committed[1:]
	if rec.offset == 0 && r.readPos != 0 {
		// The Acquire that wrapped to offset 0 padded [readPos, cap) as
		// unusable; the consumer has now passed that padding.
		r.used -= r.cap - r.readPos
	}
	r.used -= rec.physLen
	r.readPos = (rec.offset + rec.physLen) % r.cap
	r.totalReleased += uint64(rec.length)
	return nil
}

// Level returns the number of logical payload bytes currently acquired
// but not yet released, i.e. sum(acquire sizes) - sum(release sizes)
// (spec.md §8 property 7).
func (r *Ring) Level() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalAcquired - r.totalReleased
}

// Clear discards every reserved, committed and uncommitted byte,
// reclaiming it as owned garbage (spec.md §5 cancellation behaviour).
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = nil
	r.used = 0
	r.writePos = 0
	r.readPos = 0
	r.totalAcquired = r.totalReleased
	r.flushRequested = false
}

// Flush requests that the consumer stop coalescing and drain
// immediately, independent of any per-packet flush hint.
func (r *Ring) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushRequested = true
}

// TakeFlushRequested reports and clears a pending Flush() request.
func (r *Ring) TakeFlushRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	requested := r.flushRequested
	r.flushRequested = false
	return requested
}

// Capacity returns the ring's total backing buffer size.
func (r *Ring) Capacity() int { return r.cap }
