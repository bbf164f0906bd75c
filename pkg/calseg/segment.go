// Package calseg implements the calibration segment engine: a named,
// double-buffered block of calibration memory with copy-on-write
// semantics so application threads never observe a torn parameter while
// the protocol engine is mutating it (spec.md §4.3).
package calseg

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xcplite/xcpgo/internal/crc"
	"github.com/xcplite/xcpgo/pkg/platform"
)

// Role distinguishes the two independent page selectors a segment keeps:
// the instrumented application's own reads, and the tool's reads
// (spec.md §3 "active-page selector per consumer").
type Role uint8

const (
	RoleECU Role = iota
	RoleXCP
)

// Page identifies which of the two pages a Role currently observes.
type Page uint8

const (
	PageRAM Page = iota
	PageFlash
)

var (
	ErrOutOfRange  = errors.New("calseg: offset/length out of range")
	ErrWriteLocked = errors.New("calseg: segment is being written")
)

// Segment owns one calibration segment's RAM (working) and FLASH
// (reference) pages, plus the pending shadow copy writers mutate between
// Sync calls.
//
// ram is swapped with a single atomic pointer store in Sync, so
// cal_read_at never blocks and never observes a half-written buffer: a
// reader always dereferences one fully-formed []byte. pending is a
// private clone invisible to readers, so WriteAt never mutates a buffer
// a concurrent wait-free reader might be holding — this trades one
// allocation per sync for never having to reason about an in-flight
// reader racing a buffer recycled as the next pending base.
type Segment struct {
	logger *slog.Logger

	index uint8
	name  string
	size  int

	flash []byte // reference page, immutable after NewSegment

	ram platform.AtomicPointer[[]byte] // working page, swapped wholesale

	writeMu      sync.Mutex
	pending      []byte
	pendingDirty bool

	ecuPage platform.AtomicU32
	xcpPage platform.AtomicU32
}

// NewSegment creates a segment of the given size, seeded with
// defaultBytes as the reference (flash) page. Both pages start
// byte-identical, matching spec.md §3 CalSeg invariant.
func NewSegment(logger *slog.Logger, index uint8, name string, defaultBytes []byte) *Segment {
	if logger == nil {
		logger = slog.Default()
	}
	flash := append([]byte(nil), defaultBytes...)
	ram := append([]byte(nil), defaultBytes...)
	seg := &Segment{
		logger: logger.With("segment", name, "index", index),
		index:  index,
		name:   name,
		size:   len(defaultBytes),
		flash:  flash,
	}
	seg.ram.Store(&ram)
	return seg
}

// Index returns the segment's 8-bit registry index.
func (s *Segment) Index() uint8 { return s.index }

// Name returns the segment's name.
func (s *Segment) Name() string { return s.name }

// Size returns the segment size in bytes.
func (s *Segment) Size() int { return s.size }

// SelectPage sets which page a role observes on its next ReadAt.
func (s *Segment) SelectPage(role Role, page Page) {
	switch role {
	case RoleECU:
		s.ecuPage.Store(uint32(page))
	case RoleXCP:
		s.xcpPage.Store(uint32(page))
	}
}

// CurrentPage returns the page currently selected for a role.
func (s *Segment) CurrentPage(role Role) Page {
	switch role {
	case RoleECU:
		return Page(s.ecuPage.Load())
	default:
		return Page(s.xcpPage.Load())
	}
}

// ReadAt performs a wait-free read of length bytes at offset from
// whichever page is currently selected for role. It may observe either
// the pre- or post-sync state of a concurrent Sync, but never a torn
// value inside that window (spec.md §5).
func (s *Segment) ReadAt(role Role, offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > s.size {
		return nil, fmt.Errorf("%w: segment %q size %d, want [%d:%d]", ErrOutOfRange, s.name, s.size, offset, offset+length)
	}
	var src []byte
	switch s.CurrentPage(role) {
	case PageFlash:
		src = s.flash
	default:
		ramPtr := s.ram.Load()
		src = *ramPtr
	}
	out := make([]byte, length)
	copy(out, src[offset:offset+length])
	return out, nil
}

// WriteAt stages a write into the pending shadow copy. Writes only ever
// land in RAM (spec.md §4.3): the write is not visible to readers until
// the next Sync. origin is the protocol engine's DOWNLOAD handler; this
// is never called from application threads.
func (s *Segment) WriteAt(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > s.size {
		return fmt.Errorf("%w: segment %q size %d, want [%d:%d]", ErrOutOfRange, s.name, s.size, offset, offset+len(data))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.pendingDirty {
		cur := *s.ram.Load()
		s.pending = append([]byte(nil), cur...)
		s.pendingDirty = true
	}
	copy(s.pending[offset:], data)
	return nil
}

// Sync atomically publishes all writes staged since the last Sync.
// Readers calling Sync observe either all of the writes or none of them
// as a group: there is no cross-segment atomicity (spec.md §4.3
// invariant, §8 property 2).
func (s *Segment) Sync() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.pendingDirty {
		return
	}
	newRam := s.pending
	s.ram.Store(&newRam)
	s.pending = nil
	s.pendingDirty = false
}

// InitCal copies the reference page into the working page, discarding
// any undelivered pending writes. It takes the segment's write lock and
// never blocks the application (spec.md §4.3).
func (s *Segment) InitCal() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	fresh := append([]byte(nil), s.flash...)
	s.ram.Store(&fresh)
	s.pending = nil
	s.pendingDirty = false
	s.logger.Info("init_cal: working page reset from reference page")
}

// Persister is the delegated serializer collaborator FreezeCal writes
// through; the core only owns the byte layout of the working page
// (spec.md §6).
type Persister interface {
	Persist(segName string, index uint8, page []byte, checksum uint16) error
}

// FreezeCal copies the current working page out through persist. It
// takes the write lock so the snapshot is coherent with any in-flight
// WriteAt, but the in-memory reference page itself is never mutated:
// persistence is delegated entirely to persist, which decides what a
// "reference" means across restarts.
func (s *Segment) FreezeCal(persist Persister) error {
	s.writeMu.Lock()
	var snapshot []byte
	if s.pendingDirty {
		snapshot = append([]byte(nil), s.pending...)
	} else {
		cur := *s.ram.Load()
		snapshot = append([]byte(nil), cur...)
	}
	s.writeMu.Unlock()

	var sum crc.CRC16
	sum.Block(snapshot)
	return persist.Persist(s.name, s.index, snapshot, uint16(sum))
}
