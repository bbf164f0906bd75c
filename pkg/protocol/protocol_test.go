package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xcplite/xcpgo/pkg/calseg"
	"github.com/xcplite/xcpgo/pkg/daq"
	"github.com/xcplite/xcpgo/pkg/queue"
	"github.com/xcplite/xcpgo/pkg/registry"
	"github.com/xcplite/xcpgo/pkg/transport"
)

type recordingReceiver struct {
	got [][]byte
}

func (r *recordingReceiver) HandlePacket(pkt []byte) {
	r.got = append(r.got, append([]byte(nil), pkt...))
}

func (r *recordingReceiver) last() []byte {
	if len(r.got) == 0 {
		return nil
	}
	return r.got[len(r.got)-1]
}

// harness wires a protocol.Engine to one end of a Virtual transport pair;
// the test drives the other end directly, playing the master.
type harness struct {
	eng    *Engine
	reg    *registry.Registry
	store  *calseg.MapStore
	master *transport.Virtual
	recv   *recordingReceiver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := registry.New()
	store := calseg.NewMapStore()
	ring := queue.NewRing(4096)
	clock := func() uint64 { return 0 }
	daqEng := daq.New(nil, reg, store, ring, clock, daq.ArenaMemory{Arena: make([]byte, 64)})

	master, slave := transport.NewVirtualPair(1472)
	eng := New(nil, reg, store, daqEng, daq.ArenaMemory{Arena: make([]byte, 64)}, slave)
	assert.Nil(t, slave.Subscribe(eng))

	recv := &recordingReceiver{}
	assert.Nil(t, master.Subscribe(recv))

	return &harness{eng: eng, reg: reg, store: store, master: master, recv: recv}
}

func (h *harness) send(t *testing.T, pkt []byte) []byte {
	t.Helper()
	before := len(h.recv.got)
	assert.Nil(t, h.master.Send(pkt))
	assert.Len(t, h.recv.got, before+1)
	return h.recv.last()
}

func TestConnectDisconnectRoundTrip(t *testing.T) {
	h := newHarness(t)

	resp := h.send(t, []byte{CmdConnect})
	assert.Equal(t, PositiveResponsePID, resp[0])

	resp = h.send(t, []byte{CmdGetStatus})
	assert.Equal(t, PositiveResponsePID, resp[0])
	assert.Equal(t, byte(0x01), resp[1]&0x01)

	resp = h.send(t, []byte{CmdDisconnect})
	assert.Equal(t, PositiveResponsePID, resp[0])

	// Any command but CONNECT is rejected once disconnected.
	resp = h.send(t, []byte{CmdGetStatus})
	assert.Equal(t, NegativeResponsePID, resp[0])
	assert.Equal(t, ErrCmdUnknown, resp[1])
}

func TestShortUploadReadsCalSegThroughXCPRole(t *testing.T) {
	h := newHarness(t)
	h.send(t, []byte{CmdConnect})

	seg := calseg.NewSegment(nil, 0, "Params", []byte{0xAA, 0xBB, 0xCC, 0xDD})
	h.store.Add(seg)

	// ext=1 segment-relative addressing: segIdx<<24 | offset.
	addr := uint32(0)<<24 | 1
	pkt := make([]byte, 7)
	pkt[0] = CmdShortUpload
	pkt[1] = 2 // n
	pkt[2] = 1 // ext
	binary.LittleEndian.PutUint32(pkt[3:7], addr)
	resp := h.send(t, pkt)

	assert.Equal(t, PositiveResponsePID, resp[0])
	assert.Equal(t, []byte{0xBB, 0xCC}, resp[1:])
}

func TestDownloadThenSyncPublishesToECURole(t *testing.T) {
	h := newHarness(t)
	h.send(t, []byte{CmdConnect})

	seg := calseg.NewSegment(nil, 2, "Params", []byte{0, 0, 0, 0})
	h.store.Add(seg)

	addr := uint32(2)<<24 | 0
	setMTA := make([]byte, 6)
	setMTA[0] = CmdSetMTA
	setMTA[1] = 1
	binary.LittleEndian.PutUint32(setMTA[2:6], addr)
	resp := h.send(t, setMTA)
	assert.Equal(t, PositiveResponsePID, resp[0])

	download := []byte{CmdDownload, 4, 0x11, 0x22, 0x33, 0x44}
	resp = h.send(t, download)
	assert.Equal(t, PositiveResponsePID, resp[0])

	// Not visible to readers until Sync.
	before, _ := seg.ReadAt(calseg.RoleECU, 0, 4)
	assert.Equal(t, []byte{0, 0, 0, 0}, before)

	seg.Sync()
	after, _ := seg.ReadAt(calseg.RoleECU, 0, 4)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, after)
}

func TestSynchAlwaysNegative(t *testing.T) {
	h := newHarness(t)
	h.send(t, []byte{CmdConnect})
	resp := h.send(t, []byte{CmdSynch})
	assert.Equal(t, NegativeResponsePID, resp[0])
}

func TestDAQConfigClusterRejectsWhileListRunning(t *testing.T) {
	h := newHarness(t)

	// Events must be registered before CONNECT freezes the registry.
	eventID, err := h.reg.RegisterEvent("Tick", 10)
	assert.Nil(t, err)

	h.send(t, []byte{CmdConnect})

	resp := h.send(t, []byte{CmdAllocDAQ, 1, 0})
	assert.Equal(t, PositiveResponsePID, resp[0])

	resp = h.send(t, []byte{CmdAllocODT, 0, 0, 1})
	assert.Equal(t, PositiveResponsePID, resp[0])

	resp = h.send(t, []byte{CmdAllocODTEntry, 0, 0, 0, 1})
	assert.Equal(t, PositiveResponsePID, resp[0])

	ptrPkt := []byte{CmdSetDAQPtr, 0, 0, 0, 0}
	resp = h.send(t, ptrPkt)
	assert.Equal(t, PositiveResponsePID, resp[0])

	writePkt := make([]byte, 7)
	writePkt[0] = CmdWriteDAQ
	writePkt[1] = 2 // ext event-relative
	binary.LittleEndian.PutUint32(writePkt[2:6], 0)
	writePkt[6] = 4
	resp = h.send(t, writePkt)
	assert.Equal(t, PositiveResponsePID, resp[0])

	modePkt := make([]byte, 6)
	modePkt[0] = CmdSetDAQListMode
	binary.LittleEndian.PutUint16(modePkt[1:3], 0)
	binary.LittleEndian.PutUint16(modePkt[3:5], eventID)
	modePkt[5] = 0
	resp = h.send(t, modePkt)
	assert.Equal(t, PositiveResponsePID, resp[0])

	startPkt := []byte{CmdStartStopDAQList, 0, 0, 1}
	resp = h.send(t, startPkt)
	assert.Equal(t, PositiveResponsePID, resp[0])

	resp = h.send(t, []byte{CmdAllocDAQ, 1, 0})
	assert.Equal(t, NegativeResponsePID, resp[0])
	assert.Equal(t, ErrDAQActive, resp[1])
}

func TestGetIDServesIdentificationThroughUpload(t *testing.T) {
	h := newHarness(t)
	assert.Nil(t, h.reg.SetIdentification(registry.Identification{EPK: "EPK_1", A2LName: "demo.a2l"}))
	h.send(t, []byte{CmdConnect})

	resp := h.send(t, []byte{CmdGetID})
	assert.Equal(t, PositiveResponsePID, resp[0])
	length := binary.LittleEndian.Uint32(resp[2:6])
	assert.Equal(t, uint32(len("demo.a2l")), length)

	resp = h.send(t, []byte{CmdUpload, byte(length)})
	assert.Equal(t, PositiveResponsePID, resp[0])
	assert.Equal(t, "demo.a2l", string(resp[1:]))
}
