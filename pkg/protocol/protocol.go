// Package protocol implements the command/response engine: a single
// CONNECTED Session, a command table keyed by CTO PID, and the handlers
// that translate each command into calls against pkg/calseg, pkg/daq and
// pkg/registry (spec.md §4.5).
//
// Grounded on the teacher's pkg/sdo.SDOServer.Process: one dispatcher
// reading one command at a time off a transport, a table of per-command
// handlers, and a fixed small set of abort/error codes. XCP generalizes
// SDO's single upload/download exchange into a whole command table, so
// the table here is a map[byte]handlerFunc rather than the SDO server's
// state-machine switch.
package protocol

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"

	"github.com/xcplite/xcpgo/pkg/calseg"
	"github.com/xcplite/xcpgo/pkg/daq"
	"github.com/xcplite/xcpgo/pkg/registry"
	"github.com/xcplite/xcpgo/pkg/transport"
)

// handlerFunc is a total function: every command produces either a
// positive or a negative response, never a Go error (spec.md §4.5
// "Command handlers are total functions").
type handlerFunc func(e *Engine) []byte

// Engine is the slave-side protocol state machine: one Session, wired to
// the DAQ engine, the calibration segment store and the registry.
type Engine struct {
	logger    *slog.Logger
	reg       *registry.Registry
	store     calseg.Store
	daqEng    *daq.Engine
	mem       daq.AddressSpace // resolves ext=0 absolute reads for SET_MTA/UPLOAD
	transport transport.Transport

	mu      sync.Mutex
	session Session
	payload []byte // request payload for the handler currently dispatching

	handlers map[byte]handlerFunc
}

// New creates an Engine and registers the full command table. mem may be
// nil if the embedding application has no absolute-address measurements
// to serve (ext=0 commands then fail with ErrAccessDenied).
func New(logger *slog.Logger, reg *registry.Registry, store calseg.Store, daqEng *daq.Engine, mem daq.AddressSpace, tr transport.Transport) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:    logger.With("component", "protocol"),
		reg:       reg,
		store:     store,
		daqEng:    daqEng,
		mem:       mem,
		transport: tr,
	}
	e.handlers = map[byte]handlerFunc{
		CmdConnect:          (*Engine).handleConnect,
		CmdDisconnect:       (*Engine).handleDisconnect,
		CmdGetStatus:        (*Engine).handleGetStatus,
		CmdSynch:            (*Engine).handleSynch,
		CmdGetCommModeInfo:  (*Engine).handleGetCommModeInfo,
		CmdGetID:            (*Engine).handleGetID,
		CmdSetMTA:           (*Engine).handleSetMTA,
		CmdUpload:           (*Engine).handleUpload,
		CmdShortUpload:      (*Engine).handleShortUpload,
		CmdDownload:         (*Engine).handleDownload,
		CmdSetCalPage:       (*Engine).handleSetCalPage,
		CmdGetCalPage:       (*Engine).handleGetCalPage,
		CmdAllocDAQ:         (*Engine).handleAllocDAQ,
		CmdAllocODT:         (*Engine).handleAllocODT,
		CmdAllocODTEntry:    (*Engine).handleAllocODTEntry,
		CmdSetDAQPtr:        (*Engine).handleSetDAQPtr,
		CmdWriteDAQ:         (*Engine).handleWriteDAQ,
		CmdSetDAQListMode:   (*Engine).handleSetDAQListMode,
		CmdStartStopDAQList: (*Engine).handleStartStopDAQList,
		CmdStartStopSynch:   (*Engine).handleStartStopSynch,
		CmdGetDAQProcInfo:   (*Engine).handleGetDAQProcInfo,
	}
	return e
}

// HandlePacket implements transport.Receiver. It is the single entry
// point the dispatcher runs through: one packet in, exactly one response
// packet out, in call order (spec.md §4.5 "single-threaded CTO
// dispatcher").
func (e *Engine) HandlePacket(pkt []byte) {
	if len(pkt) == 0 {
		return
	}
	pid := pkt[0]
	payload := pkt[1:]

	e.mu.Lock()
	resp := e.dispatchLocked(pid, payload)
	e.mu.Unlock()

	if resp == nil {
		return
	}
	if e.transport != nil {
		if err := e.transport.Send(resp); err != nil {
			e.logger.Warn("send response failed", "err", err)
		}
	}
}

func (e *Engine) dispatchLocked(pid byte, payload []byte) []byte {
	e.payload = payload

	if pid != CmdConnect && !e.session.connected {
		return negative(ErrCmdUnknown)
	}
	h, ok := e.handlers[pid]
	if !ok {
		return negative(ErrCmdUnknown)
	}
	return h(e)
}

func positive(data ...byte) []byte {
	return append([]byte{PositiveResponsePID}, data...)
}

func negative(code byte) []byte {
	return []byte{NegativeResponsePID, code}
}

// --- standard commands ---

func (e *Engine) handleConnect() []byte {
	e.session.reset()
	e.session.connected = true
	e.daqEng.StopAll()
	// The set of events and calibration segments is frozen the moment a
	// tool connects (spec.md §3 "Event" lifecycle) — Freeze is idempotent
	// so a reconnect never panics on a second call.
	e.reg.Freeze()
	// resource byte: bit0 CAL/PAG, bit2 DAQ, matching the calibration +
	// measurement feature set this slave always implements.
	resource := byte(0x01 | 0x04)
	commModeBasic := byte(0x00)
	maxCTO := byte(255)
	maxDTOLo, maxDTOHi := byte(0xFF), byte(0x07) // 2047, comfortably above any ODT this engine builds
	protocolVersion := byte(0x01)
	transportVersion := byte(0x01)
	return positive(resource, commModeBasic, maxCTO, maxDTOLo, maxDTOHi, protocolVersion, transportVersion)
}

func (e *Engine) handleDisconnect() []byte {
	e.daqEng.StopAll()
	e.session.reset()
	return positive()
}

func (e *Engine) handleGetStatus() []byte {
	status := byte(0)
	if e.session.connected {
		status |= 0x01
	}
	if e.daqEng.AnyRunning() {
		status |= 0x40
	}
	protection := byte(0)
	return positive(status, protection, 0, 0)
}

// handleSynch always forces a negative response, resetting the master's
// command sequencing (spec.md §4.5).
func (e *Engine) handleSynch() []byte {
	return negative(ErrGeneric)
}

func (e *Engine) handleGetCommModeInfo() []byte {
	reserved := byte(0)
	commModeOptional := byte(0)
	maxBS := byte(0)
	minST := byte(0)
	queueSize := byte(0)
	driverVersion := byte(1)
	return positive(reserved, commModeOptional, maxBS, minST, queueSize, driverVersion)
}

func (e *Engine) handleGetID() []byte {
	desc, err := e.reg.Snapshot()
	var ident string
	if err == nil {
		ident = desc.Identification.A2LName
	}
	e.session.identBuf = []byte(ident)
	e.session.identPos = 0
	e.session.cursor = mta{ext: identExt}
	mode := byte(0)
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(e.session.identBuf)))
	return positive(append([]byte{mode}, length...)...)
}

func (e *Engine) handleSetMTA() []byte {
	if len(e.payload) < 5 {
		return negative(ErrGeneric)
	}
	ext := e.payload[0]
	addr := binary.LittleEndian.Uint32(e.payload[1:5])
	e.session.cursor = mta{ext: ext, addr: addr}
	return positive()
}

func (e *Engine) handleUpload() []byte {
	if len(e.payload) < 1 {
		return negative(ErrGeneric)
	}
	n := int(e.payload[0])
	data, code := e.readCursor(n)
	if code != 0 {
		return negative(code)
	}
	return positive(data...)
}

func (e *Engine) handleShortUpload() []byte {
	if len(e.payload) < 6 {
		return negative(ErrGeneric)
	}
	n := int(e.payload[0])
	ext := e.payload[1]
	addr := binary.LittleEndian.Uint32(e.payload[2:6])
	e.session.cursor = mta{ext: ext, addr: addr}
	data, code := e.readCursor(n)
	if code != 0 {
		return negative(code)
	}
	return positive(data...)
}

// readCursor reads n bytes at the current MTA and advances it, the
// shared tail of UPLOAD and SHORT_UPLOAD (spec.md §4.5).
func (e *Engine) readCursor(n int) ([]byte, byte) {
	c := e.session.cursor
	if c.ext == identExt {
		buf := e.session.identBuf
		if e.session.identPos+n > len(buf) {
			return nil, ErrOutOfRange
		}
		out := append([]byte(nil), buf[e.session.identPos:e.session.identPos+n]...)
		e.session.identPos += n
		return out, 0
	}

	out := make([]byte, n)
	if err := e.readMemory(out, c.ext, c.addr); err != 0 {
		return nil, err
	}
	e.session.cursor.addr += uint32(n)
	return out, 0
}

func (e *Engine) readMemory(dst []byte, ext uint8, addr uint32) byte {
	switch ext {
	case 1:
		segIdx := uint8(addr >> 24)
		offset := int(addr & 0x00FFFFFF)
		seg, err := e.store.Segment(segIdx)
		if err != nil {
			return ErrOutOfRange
		}
		data, err := seg.ReadAt(calseg.RoleXCP, offset, len(dst))
		if err != nil {
			return ErrOutOfRange
		}
		copy(dst, data)
		return 0
	case 0:
		if e.mem == nil {
			return ErrAccessDenied
		}
		if err := e.mem.ReadAbsolute(dst, addr); err != nil {
			return ErrOutOfRange
		}
		return 0
	default:
		return ErrAccessDenied
	}
}

func (e *Engine) handleDownload() []byte {
	if len(e.payload) < 1 {
		return negative(ErrGeneric)
	}
	n := int(e.payload[0])
	if len(e.payload) < 1+n {
		return negative(ErrGeneric)
	}
	data := e.payload[1 : 1+n]

	c := e.session.cursor
	if c.ext != 1 {
		// DOWNLOAD only ever targets calibratable RAM; ext=0 absolute
		// writes are out of scope for this slave (spec.md §4.3 CalSeg is
		// the only writable memory the protocol engine exposes).
		return negative(ErrAccessDenied)
	}
	segIdx := uint8(c.addr >> 24)
	offset := int(c.addr & 0x00FFFFFF)
	seg, err := e.store.Segment(segIdx)
	if err != nil {
		return negative(ErrOutOfRange)
	}
	if err := seg.WriteAt(offset, data); err != nil {
		if errors.Is(err, calseg.ErrOutOfRange) {
			return negative(ErrOutOfRange)
		}
		return negative(ErrGeneric)
	}
	e.session.cursor.addr += uint32(n)
	return positive()
}

// --- calibration page selection ---

func (e *Engine) handleSetCalPage() []byte {
	if len(e.payload) < 3 {
		return negative(ErrGeneric)
	}
	mode := e.payload[0]
	segIdx := e.payload[1]
	page := e.payload[2]
	seg, err := e.store.Segment(segIdx)
	if err != nil {
		return negative(ErrOutOfRange)
	}
	var p calseg.Page
	switch page {
	case 0:
		p = calseg.PageRAM
	case 1:
		p = calseg.PageFlash
	default:
		return negative(ErrOutOfRange)
	}
	if mode&0x01 != 0 {
		seg.SelectPage(calseg.RoleECU, p)
	}
	if mode&0x02 != 0 {
		seg.SelectPage(calseg.RoleXCP, p)
	}
	return positive()
}

func (e *Engine) handleGetCalPage() []byte {
	if len(e.payload) < 2 {
		return negative(ErrGeneric)
	}
	mode := e.payload[0]
	segIdx := e.payload[1]
	seg, err := e.store.Segment(segIdx)
	if err != nil {
		return negative(ErrOutOfRange)
	}
	role := calseg.RoleXCP
	if mode&0x01 != 0 {
		role = calseg.RoleECU
	}
	page := seg.CurrentPage(role)
	return positive(0, 0, byte(page))
}

// --- DAQ configuration cluster ---

func (e *Engine) handleAllocDAQ() []byte {
	if len(e.payload) < 2 {
		return negative(ErrGeneric)
	}
	n := int(binary.LittleEndian.Uint16(e.payload[0:2]))
	return e.daqResult(e.daqEng.AllocDAQ(n))
}

func (e *Engine) handleAllocODT() []byte {
	if len(e.payload) < 3 {
		return negative(ErrGeneric)
	}
	listID := binary.LittleEndian.Uint16(e.payload[0:2])
	n := int(e.payload[2])
	return e.daqResult(e.daqEng.AllocODT(listID, n))
}

func (e *Engine) handleAllocODTEntry() []byte {
	if len(e.payload) < 4 {
		return negative(ErrGeneric)
	}
	listID := binary.LittleEndian.Uint16(e.payload[0:2])
	odtIdx := int(e.payload[2])
	n := int(e.payload[3])
	return e.daqResult(e.daqEng.AllocODTEntry(listID, odtIdx, n))
}

func (e *Engine) handleSetDAQPtr() []byte {
	if len(e.payload) < 4 {
		return negative(ErrGeneric)
	}
	listID := binary.LittleEndian.Uint16(e.payload[0:2])
	odtIdx := int(e.payload[2])
	entryIdx := int(e.payload[3])
	return e.daqResult(e.daqEng.SetDAQPtr(listID, odtIdx, entryIdx))
}

func (e *Engine) handleWriteDAQ() []byte {
	if len(e.payload) < 6 {
		return negative(ErrGeneric)
	}
	ext := e.payload[0]
	addr := binary.LittleEndian.Uint32(e.payload[1:5])
	length := e.payload[5]
	return e.daqResult(e.daqEng.WriteDAQ(ext, addr, length))
}

func (e *Engine) handleSetDAQListMode() []byte {
	if len(e.payload) < 5 {
		return negative(ErrGeneric)
	}
	listID := binary.LittleEndian.Uint16(e.payload[0:2])
	eventID := binary.LittleEndian.Uint16(e.payload[2:4])
	mode := daq.Mode(e.payload[4])
	return e.daqResult(e.daqEng.SetDAQListMode(listID, eventID, mode))
}

func (e *Engine) handleStartStopDAQList() []byte {
	if len(e.payload) < 3 {
		return negative(ErrGeneric)
	}
	listID := binary.LittleEndian.Uint16(e.payload[0:2])
	start := e.payload[2] != 0
	return e.daqResult(e.daqEng.StartStopDAQList(listID, start))
}

func (e *Engine) handleStartStopSynch() []byte {
	if len(e.payload) < 1 {
		return negative(ErrGeneric)
	}
	start := e.payload[0] != 0
	return e.daqResult(e.daqEng.StartStopSynch(start))
}

func (e *Engine) handleGetDAQProcInfo() []byte {
	info := e.daqEng.ProcessorInfo()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], info.MaxDAQ)
	binary.LittleEndian.PutUint16(buf[2:4], info.MaxEventID)
	return positive(buf...)
}

// daqResult maps a pkg/daq error into the fixed negative response
// vocabulary (spec.md §4.5/§7).
func (e *Engine) daqResult(err error) []byte {
	if err == nil {
		return positive()
	}
	switch {
	case errors.Is(err, daq.ErrListActive):
		return negative(ErrDAQActive)
	case errors.Is(err, daq.ErrCrossSegment), errors.Is(err, daq.ErrOutOfRange):
		return negative(ErrOutOfRange)
	case errors.Is(err, daq.ErrUnknownList), errors.Is(err, daq.ErrUnknownODT),
		errors.Is(err, daq.ErrUnknownEntry), errors.Is(err, daq.ErrUnknownExt),
		errors.Is(err, daq.ErrBadEntrySize), errors.Is(err, daq.ErrNotPrepared):
		return negative(ErrOutOfRange)
	case errors.Is(err, daq.ErrNoAddressSpace):
		return negative(ErrAccessDenied)
	default:
		e.logger.Warn("daq command failed", "err", err)
		return negative(ErrGeneric)
	}
}
