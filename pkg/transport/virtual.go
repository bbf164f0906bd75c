package transport

import (
	"context"
	"sync"
)

// Virtual is an in-process Transport with no network socket at all,
// used to drive the protocol and DAQ engines deterministically in
// tests (spec.md §8 scenarios) without binding a real port. Grounded on
// the teacher's pkg/can/virtual test double, simplified from a
// TCP-broker relay to a direct channel pairing since there is no need
// to fan a packet out to more than one peer here.
type Virtual struct {
	mtu uint16

	mu   sync.Mutex
	peer *Virtual
	recv Receiver
}

// NewVirtualPair creates two Virtual transports wired directly to each
// other: anything sent on a is delivered to b's Receiver and vice versa.
func NewVirtualPair(mtu uint16) (a, b *Virtual) {
	a = &Virtual{mtu: mtu}
	b = &Virtual{mtu: mtu}
	a.peer = b
	b.peer = a
	return a, b
}

func (v *Virtual) Start(_ context.Context, _ string) error { return nil }

func (v *Virtual) Shutdown() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.peer = nil
	return nil
}

func (v *Virtual) Send(pkt []byte) error {
	v.mu.Lock()
	peer := v.peer
	v.mu.Unlock()
	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	recv := peer.recv
	peer.mu.Unlock()
	if recv == nil {
		return nil
	}
	cp := append([]byte(nil), pkt...)
	recv.HandlePacket(cp)
	return nil
}

func (v *Virtual) MTU() uint16 { return v.mtu }

func (v *Virtual) Subscribe(r Receiver) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recv = r
	return nil
}
