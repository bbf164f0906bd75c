// Package daq implements the Data Acquisition engine: the Event → DAQ
// List → ODT → Entry hierarchy, its STOPPED/PREPARED/RUNNING state
// machine, and the event_trigger hot path that samples application
// memory into the packet queue (spec.md §4.4).
//
// Grounded on the teacher's pdo.TPDO/pdo.PDOCommon: a mapping table
// built once while NMT is not operational, then sampled on every SYNC
// from a hot path that must not allocate or block. DAQ lists play the
// same role TPDOs play there, generalized from CAN's fixed 8-byte frame
// to a queue of variable-length ODT packets.
package daq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xcplite/xcpgo/pkg/calseg"
	"github.com/xcplite/xcpgo/pkg/platform"
	"github.com/xcplite/xcpgo/pkg/queue"
	"github.com/xcplite/xcpgo/pkg/registry"
)

// ListState is the per-list lifecycle state (spec.md §4.4).
type ListState uint8

const (
	StateStopped ListState = iota
	StatePrepared
	StateRunning
)

// Mode is a bitset of per-list DAQ options.
type Mode uint8

const (
	// ModeTimestamped includes a 4-byte timestamp in ODT 0 of every trigger.
	ModeTimestamped Mode = 1 << iota
	// ModeTimestampAllODTs extends the timestamp to every ODT, not just ODT 0.
	ModeTimestampAllODTs
	// ModePIDOff omits the PID byte from every serialized ODT.
	ModePIDOff
)

var (
	ErrListActive      = errors.New("daq: list is active")
	ErrNotPrepared     = errors.New("daq: list is not prepared")
	ErrUnknownList     = errors.New("daq: unknown list id")
	ErrUnknownODT      = errors.New("daq: unknown odt index")
	ErrUnknownEntry    = errors.New("daq: unknown entry index")
	ErrOutOfRange      = errors.New("daq: address/extension out of range")
	ErrCrossSegment    = errors.New("daq: entry spans more than one calibration segment")
	ErrUnknownExt      = errors.New("daq: unknown address extension")
	ErrBadEntrySize    = errors.New("daq: entry length must be 1, 2, 4 or 8")
	ErrNoAddressSpace  = errors.New("daq: no AddressSpace configured for this extension")
)

const overflowBit byte = 0x80

// Entry is one "copy N bytes from (addr, ext) to offset O inside ODT k"
// description (spec.md §3/§4.4). N ∈ {1,2,4,8}.
type Entry struct {
	Ext    uint8
	Addr   uint32
	Length uint8
	Offset uint16
}

// ODT is an ordered sequence of entries sharing one PID.
type ODT struct {
	PID     byte
	Entries []Entry
}

// List is an ordered sequence of ODTs bound to exactly one event.
type List struct {
	ID      uint16
	EventID uint16
	bound   bool
	ODTs    []ODT
	State   ListState
	Mode    Mode
}

type eventCounters struct {
	overflow    platform.AtomicU64
	pendingLost platform.AtomicBool
}

// Engine owns every DAQ list, dispatches event_trigger, and is the only
// component that knows about per-event overflow accounting (spec.md
// §4.2 "per-event overflow counters ... live in pkg/daq").
type Engine struct {
	logger *slog.Logger
	store  calseg.Store
	reg    *registry.Registry
	ring   *queue.Ring
	clock  func() uint64
	mem    AddressSpace

	mu         sync.RWMutex
	lists      map[uint16]*List
	eventLists map[uint16][]*List
	nextPID    uint8

	ptrList  uint16
	ptrODT   int
	ptrEntry int
	ptrSet   bool

	counters map[uint16]*eventCounters
}

// New creates an Engine. clock supplies the monotonic nanosecond source
// (pkg/clock.Real, or a fake in tests); mem resolves ext 0/2/3 reads.
func New(logger *slog.Logger, reg *registry.Registry, store calseg.Store, ring *queue.Ring, clock func() uint64, mem AddressSpace) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:     logger.With("component", "daq"),
		store:      store,
		reg:        reg,
		ring:       ring,
		clock:      clock,
		mem:        mem,
		lists:      make(map[uint16]*List),
		eventLists: make(map[uint16][]*List),
		counters:   make(map[uint16]*eventCounters),
	}
}

// AllocDAQ (re)creates the whole list table with n empty lists, IDs
// 0..n-1. Rejected while any list is RUNNING (ERR_DAQ_ACTIVE at the
// protocol layer).
func (e *Engine) AllocDAQ(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAllStoppedLocked(); err != nil {
		return err
	}
	e.lists = make(map[uint16]*List, n)
	e.eventLists = make(map[uint16][]*List)
	e.nextPID = 0
	e.ptrSet = false
	for i := 0; i < n; i++ {
		id := uint16(i)
		e.lists[id] = &List{ID: id, State: StateStopped}
	}
	e.logger.Info("alloc_daq", "lists", n)
	return nil
}

// AllocODT gives list listID n empty ODTs, each assigned the next
// globally unique PID in allocation order.
func (e *Engine) AllocODT(listID uint16, n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, err := e.listLocked(listID)
	if err != nil {
		return err
	}
	if list.State != StateStopped {
		return ErrListActive
	}
	odts := make([]ODT, n)
	for i := range odts {
		odts[i].PID = e.nextPID
		e.nextPID++
	}
	list.ODTs = odts
	return nil
}

// AllocODTEntry gives ODT odtIdx of list listID n empty entries.
func (e *Engine) AllocODTEntry(listID uint16, odtIdx int, n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, err := e.listLocked(listID)
	if err != nil {
		return err
	}
	if list.State != StateStopped {
		return ErrListActive
	}
	if odtIdx < 0 || odtIdx >= len(list.ODTs) {
		return ErrUnknownODT
	}
	list.ODTs[odtIdx].Entries = make([]Entry, n)
	return nil
}

// SetDAQPtr positions the WRITE_DAQ cursor at (listID, odtIdx, entryIdx).
func (e *Engine) SetDAQPtr(listID uint16, odtIdx, entryIdx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, err := e.listLocked(listID)
	if err != nil {
		return err
	}
	if odtIdx < 0 || odtIdx >= len(list.ODTs) {
		return ErrUnknownODT
	}
	if entryIdx < 0 || entryIdx >= len(list.ODTs[odtIdx].Entries) {
		return ErrUnknownEntry
	}
	e.ptrList, e.ptrODT, e.ptrEntry = listID, odtIdx, entryIdx
	e.ptrSet = true
	return nil
}

// WriteDAQ fills the entry at the current cursor and advances the
// cursor to the next entry. ext=1 entries are bounds-checked against
// their segment now; ext=0/2/3 entries are only checked for a configured
// AddressSpace, so a read of theirs can still fail at trigger time, where
// the entry is zero-filled.
func (e *Engine) WriteDAQ(ext uint8, addr uint32, length uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if list, ok := e.lists[e.ptrList]; ok && list.State != StateStopped {
		return ErrListActive
	}
	if !e.ptrSet {
		return fmt.Errorf("%w: SET_DAQ_PTR not called", ErrUnknownEntry)
	}
	list, err := e.listLocked(e.ptrList)
	if err != nil {
		return err
	}
	if list.State != StateStopped {
		return ErrListActive
	}
	if length != 1 && length != 2 && length != 4 && length != 8 {
		return ErrBadEntrySize
	}
	if err := e.validateEntry(ext, addr, length); err != nil {
		return err
	}

	odt := &list.ODTs[e.ptrODT]
	offset := uint16(0)
	for i := 0; i < e.ptrEntry; i++ {
		offset += uint16(odt.Entries[i].Length)
	}
	odt.Entries[e.ptrEntry] = Entry{Ext: ext, Addr: addr, Length: length, Offset: offset}

	e.ptrEntry++
	if e.ptrEntry >= len(odt.Entries) {
		e.ptrSet = false
	}
	return nil
}

// validateEntry rejects addresses the engine cannot resolve at trigger
// time, in particular cross-segment entries (spec.md §9 Open Question:
// "Implementers should reject cross-segment entries at configure time").
func (e *Engine) validateEntry(ext uint8, addr uint32, length uint8) error {
	switch ext {
	case 0, 2, 3:
		if e.mem == nil {
			return ErrNoAddressSpace
		}
		return nil
	case 1:
		segIdx := uint8(addr >> 24)
		offset := int(addr & 0x00FFFFFF)
		seg, err := e.store.Segment(segIdx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOutOfRange, err)
		}
		if offset < 0 || offset+int(length) > seg.Size() {
			return fmt.Errorf("%w: segment %q size %d, want [%d:%d]", ErrCrossSegment, seg.Name(), seg.Size(), offset, offset+int(length))
		}
		return nil
	default:
		return ErrUnknownExt
	}
}

// SetDAQListMode binds a list to an event and sets its mode bitset.
// Rejected while the list is RUNNING.
func (e *Engine) SetDAQListMode(listID, eventID uint16, mode Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, err := e.listLocked(listID)
	if err != nil {
		return err
	}
	if list.State == StateRunning {
		return ErrListActive
	}
	if _, ok := e.reg.EventByID(eventID); !ok {
		return fmt.Errorf("%w: event %d", ErrOutOfRange, eventID)
	}
	if list.bound {
		e.unbindLocked(list)
	}
	list.EventID = eventID
	list.Mode = mode
	list.bound = true
	list.State = StatePrepared
	e.eventLists[eventID] = append(e.eventLists[eventID], list)
	if _, ok := e.counters[eventID]; !ok {
		e.counters[eventID] = &eventCounters{}
	}
	return nil
}

func (e *Engine) unbindLocked(list *List) {
	bucket := e.eventLists[list.EventID]
	for i, l := range bucket {
		if l == list {
			e.eventLists[list.EventID] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
}

// StartStopDAQList starts or stops one list.
func (e *Engine) StartStopDAQList(listID uint16, start bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list, err := e.listLocked(listID)
	if err != nil {
		return err
	}
	if start {
		if !list.bound {
			return ErrNotPrepared
		}
		list.State = StateRunning
	} else {
		list.State = StateStopped
	}
	return nil
}

// StartStopSynch starts or stops every bound list together.
func (e *Engine) StartStopSynch(start bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, list := range e.lists {
		if !list.bound {
			continue
		}
		if start {
			list.State = StateRunning
		} else {
			list.State = StateStopped
		}
	}
	return nil
}

// StopAll stops every list and clears the transmit queue, matching the
// cancellation behaviour spec.md §5 requires on disconnect.
func (e *Engine) StopAll() {
	e.mu.Lock()
	for _, list := range e.lists {
		list.State = StateStopped
	}
	e.mu.Unlock()
	e.ring.Clear()
}

// ProcessorInfo answers GET_DAQ_PROCESSOR_INFO.
type ProcessorInfo struct {
	MaxDAQ     uint16
	MaxEventID uint16
}

// AnyRunning reports whether at least one list is RUNNING, used by the
// protocol engine's GET_STATUS response.
func (e *Engine) AnyRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, list := range e.lists {
		if list.State == StateRunning {
			return true
		}
	}
	return false
}

func (e *Engine) ProcessorInfo() ProcessorInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ProcessorInfo{MaxDAQ: uint16(len(e.lists)), MaxEventID: uint16(e.reg.NumEvents())}
}

func (e *Engine) requireAllStoppedLocked() error {
	for _, list := range e.lists {
		if list.State == StateRunning {
			return ErrListActive
		}
	}
	return nil
}

func (e *Engine) listLocked(id uint16) (*List, error) {
	list, ok := e.lists[id]
	if !ok {
		return nil, ErrUnknownList
	}
	return list, nil
}

// Trigger samples every RUNNING list bound to eventID and commits one
// DTO packet per ODT to the queue (spec.md §4.4 event_trigger
// contract). Called from arbitrary application goroutines on their own
// hot paths; it never waits for queue space (a failed Acquire is counted
// as an overflow and that ODT is dropped), but it does take the engine's
// read lock and the queue's reservation lock, and it allocates a small
// per-call slice of the running lists.
func (e *Engine) Trigger(eventID uint16, baseAddr uint32, timestampNs uint64) {
	e.mu.RLock()
	lists := e.eventLists[eventID]
	running := make([]*List, 0, len(lists))
	for _, l := range lists {
		if l.State == StateRunning {
			running = append(running, l)
		}
	}
	counters := e.counters[eventID]
	e.mu.RUnlock()

	if len(running) == 0 {
		return
	}
	if counters == nil {
		counters = &eventCounters{}
	}

	for _, list := range running {
		e.triggerList(list, counters, baseAddr, timestampNs)
	}
}

func (e *Engine) triggerList(list *List, counters *eventCounters, baseAddr uint32, timestampNs uint64) {
	for odtIdx := range list.ODTs {
		odt := &list.ODTs[odtIdx]
		e.triggerODT(list, odt, odtIdx, counters, baseAddr, timestampNs)
	}
}

func (e *Engine) triggerODT(list *List, odt *ODT, odtIdx int, counters *eventCounters, baseAddr uint32, timestampNs uint64) {
	includeTimestamp := list.Mode&ModeTimestampAllODTs != 0 || (odtIdx == 0 && list.Mode&ModeTimestamped != 0)
	includePID := list.Mode&ModePIDOff == 0

	payloadLen := 0
	for _, ent := range odt.Entries {
		payloadLen += int(ent.Length)
	}
	size := payloadLen
	if includePID {
		size++
	}
	if includeTimestamp {
		size += 4
	}

	slot, err := e.ring.Acquire(size)
	if err != nil {
		counters.overflow.Add(1)
		counters.pendingLost.Store(true)
		return
	}

	buf := slot.Bytes()
	pos := 0
	if includePID {
		pid := odt.PID
		if counters.pendingLost.CompareAndSwap(true, false) {
			pid |= overflowBit
		}
		buf[pos] = pid
		pos++
	}
	if includeTimestamp {
		binary.LittleEndian.PutUint32(buf[pos:], uint32(timestampNs))
		pos += 4
	}
	for _, ent := range odt.Entries {
		dst := buf[pos : pos+int(ent.Length)]
		if err := e.resolve(dst, ent, baseAddr, list.EventID); err != nil {
			e.logger.Warn("entry resolve failed", "err", err)
			for i := range dst {
				dst[i] = 0
			}
		}
		pos += int(ent.Length)
	}

	_ = slot.Commit(odtIdx == len(list.ODTs)-1)
}

func (e *Engine) resolve(dst []byte, ent Entry, baseAddr uint32, eventID uint16) error {
	switch ent.Ext {
	case 0:
		return e.mem.ReadAbsolute(dst, ent.Addr)
	case 1:
		segIdx := uint8(ent.Addr >> 24)
		offset := int(ent.Addr & 0x00FFFFFF)
		seg, err := e.store.Segment(segIdx)
		if err != nil {
			return err
		}
		data, err := seg.ReadAt(calseg.RoleECU, offset, int(ent.Length))
		if err != nil {
			return err
		}
		copy(dst, data)
		return nil
	case 2:
		return e.mem.ReadEventRelative(dst, baseAddr, int32(ent.Addr))
	case 3:
		return e.mem.ReadEventDynamic(dst, eventID, uint16(ent.Addr))
	default:
		return ErrUnknownExt
	}
}

// OverflowCount returns the number of acquire failures recorded for an
// event since startup (spec.md §8 scenario S5).
func (e *Engine) OverflowCount(eventID uint16) uint64 {
	e.mu.RLock()
	counters := e.counters[eventID]
	e.mu.RUnlock()
	if counters == nil {
		return 0
	}
	return counters.overflow.Load()
}
