// Package xcp is the embedding API: the one object an instrumented
// application creates, registers events and calibration segments
// against, and drives from its own measurement/sync points (spec.md §3
// "embedding API").
//
// Grounded on the teacher's pkg/network.Network: a single facade that
// owns a bus/client pair and exposes CreateLocalNode/AddRemoteNode/
// Connect/Disconnect as the one entry point an application ever touches,
// with every other package (od, sdo, nmt, pdo) wired together behind it.
// Server plays the same role here for registry+calseg+queue+daq+
// transport+protocol.
package xcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xcplite/xcpgo/pkg/calseg"
	"github.com/xcplite/xcpgo/pkg/clock"
	"github.com/xcplite/xcpgo/pkg/config"
	"github.com/xcplite/xcpgo/pkg/daq"
	"github.com/xcplite/xcpgo/pkg/protocol"
	"github.com/xcplite/xcpgo/pkg/queue"
	"github.com/xcplite/xcpgo/pkg/registry"
	"github.com/xcplite/xcpgo/pkg/transport"
)

// EventHandle is the application's reference to a registered event.
type EventHandle struct {
	ID uint16
}

// CalSegHandle is the application's reference to a registered
// calibration segment. ReadLock returns a coherent snapshot of the
// segment's ECU-role page — named for the lock/unlock pattern real XCP
// slave libraries use around calibration reads, even though no actual
// mutex is taken here: Segment.ram is swapped wholesale on Sync, so the
// snapshot ReadLock copies out can never be torn (spec.md §4.3).
type CalSegHandle struct {
	seg *calseg.Segment
}

// ReadLock returns a private copy of the segment's current ECU-role
// page. Safe to call from any application goroutine at any time.
func (h *CalSegHandle) ReadLock() ([]byte, error) {
	return h.seg.ReadAt(calseg.RoleECU, 0, h.seg.Size())
}

// Index returns the segment's registry index.
func (h *CalSegHandle) Index() uint8 { return h.seg.Index() }

// Server wires the registry, calibration segment store, DAQ engine,
// protocol engine and transport together into the one object an
// instrumented application needs (spec.md §3).
type Server struct {
	logger *slog.Logger
	cfg    *config.ServerConfig

	reg    *registry.Registry
	store  *calseg.MapStore
	ring   *queue.Ring
	daqEng *daq.Engine
	proto  *protocol.Engine
	tr     transport.Transport
	clock  clock.Source

	dtoMu sync.Mutex
}

// NewServer builds a Server from cfg. mem resolves ext=0/2/3 DAQ
// addresses and may be nil if the application only measures through
// calibration segments (ext=1). tr overrides the transport cfg.Transport
// would otherwise select — pass nil to build a real udp/tcp transport
// from cfg.Bind/cfg.MTU, or a transport.Virtual pair's end for tests and
// in-process demos (cfg.Transport must be "virtual" in that case).
func NewServer(cfg *config.ServerConfig, mem daq.AddressSpace, logger *slog.Logger, tr transport.Transport) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := registry.New()
	store := calseg.NewMapStore()
	for _, sc := range cfg.Segments {
		idx, err := reg.RegisterCalSeg(sc.Name, sc.Size, sc.Default)
		if err != nil {
			return nil, fmt.Errorf("xcp: %w", err)
		}
		seg := calseg.NewSegment(logger, idx, sc.Name, sc.Default)
		store.Add(seg)
	}

	ring := queue.NewRing(cfg.QueueSize)
	clockSrc := clock.Real()
	daqEng := daq.New(logger, reg, store, ring, clockSrc, mem)

	if tr == nil {
		switch cfg.Transport {
		case "udp":
			tr = transport.NewUDP(logger, cfg.MTU)
		case "tcp":
			tr = transport.NewTCP(logger, cfg.MTU)
		default:
			return nil, fmt.Errorf("xcp: transport %q requires an explicit transport.Transport", cfg.Transport)
		}
	}

	proto := protocol.New(logger, reg, store, daqEng, mem, tr)
	if err := tr.Subscribe(proto); err != nil {
		return nil, fmt.Errorf("xcp: %w", err)
	}

	return &Server{
		logger: logger.With("component", "xcp"),
		cfg:    cfg,
		reg:    reg,
		store:  store,
		ring:   ring,
		daqEng: daqEng,
		proto:  proto,
		tr:     tr,
		clock:  clockSrc,
	}, nil
}

// Start binds the transport and begins serving. Every CreateEvent/
// CreateCalSeg call must happen before Start's first inbound CONNECT, at
// which point the registry freezes (spec.md §3 "Event" lifecycle is
// enforced by pkg/protocol, not here).
func (s *Server) Start(ctx context.Context) error {
	if err := s.tr.Start(ctx, s.cfg.Bind); err != nil {
		return fmt.Errorf("xcp: %w", err)
	}
	s.logger.Info("server started", "transport", s.cfg.Transport, "bind", s.cfg.Bind)
	return nil
}

// Stop tears down every DAQ list and shuts the transport down.
func (s *Server) Stop() error {
	s.daqEng.StopAll()
	return s.tr.Shutdown()
}

// CreateEvent registers a new measurement event. Must be called before
// the first tool connects.
func (s *Server) CreateEvent(name string, cycleHintMs uint32) (EventHandle, error) {
	id, err := s.reg.RegisterEvent(name, cycleHintMs)
	if err != nil {
		return EventHandle{}, err
	}
	return EventHandle{ID: id}, nil
}

// CreateCalSeg registers and creates a new calibration segment seeded
// with defaultBytes. Must be called before the first tool connects.
func (s *Server) CreateCalSeg(name string, defaultBytes []byte) (*CalSegHandle, error) {
	idx, err := s.reg.RegisterCalSeg(name, len(defaultBytes), defaultBytes)
	if err != nil {
		return nil, err
	}
	seg := calseg.NewSegment(s.logger, idx, name, defaultBytes)
	s.store.Add(seg)
	return &CalSegHandle{seg: seg}, nil
}

// Sync publishes every calibration segment's pending writes atomically
// per segment (spec.md §4.3, §8 property 2: no cross-segment atomicity).
// The application calls this once per cycle, at a point where observing
// a fresh calibration value is safe — mirroring xcplib's ApplXcpOnSync
// hook in spirit, generalized from one global commit point to a sweep
// over every registered segment.
func (s *Server) Sync() {
	for _, seg := range s.store.Segments() {
		seg.Sync()
	}
}

// EventTrigger samples every DAQ list bound to the named event, then
// drains whatever the trigger committed to the transport. baseAddr is
// the event-relative base address ext=2 entries resolve against (ext=3
// entries resolve by event ID and do not use it); pass 0 if the event
// has none configured. Safe to call from any application
// goroutine on its own hot path (spec.md §4.4).
//
// Draining happens synchronously here rather than on a separate polling
// goroutine: event_trigger call sites already define the only cadence at
// which new DTO data can appear, so a dedicated poller would add latency
// jitter without buying any parallelism, and pkg/queue.Ring's Peek/
// Release pair assumes a single consumer — serializing every drain
// under dtoMu satisfies that across however many goroutines call
// EventTrigger concurrently.
func (s *Server) EventTrigger(event EventHandle, baseAddr uint32) {
	s.daqEng.Trigger(event.ID, baseAddr, s.clock())
	s.drainDTO()
}

// drainDTO sends every committed ODT packet as its own transport packet,
// one Send call per packet, so each keeps its own LEN|CTR|PID framing
// (spec.md §4.1 "one XCP packet per datagram", §6 framing). A DAQ list
// with n ODTs produces n packets per trigger; View.Flush is a pure
// send-timing hint a future batching transport could use to decide when
// to dispatch buffered writes, never a signal to merge distinct DTO
// payloads under one header.
func (s *Server) drainDTO() {
	s.dtoMu.Lock()
	defer s.dtoMu.Unlock()
	for {
		view, ok := s.ring.Peek()
		if !ok {
			return
		}
		pkt := append([]byte(nil), view.Bytes()...)
		if err := view.Release(); err != nil {
			s.logger.Warn("dto release failed", "err", err)
			return
		}
		if err := s.tr.Send(pkt); err != nil {
			s.logger.Warn("dto send failed", "err", err)
		}
	}
}

// OverflowCount returns the number of Acquire failures recorded for
// event since startup (spec.md §8 scenario S5).
func (s *Server) OverflowCount(event EventHandle) uint64 {
	return s.daqEng.OverflowCount(event.ID)
}

// Registry exposes the underlying registry for an A2L-writer
// collaborator to snapshot after the tool connects and the registry is
// frozen (spec.md §4.6).
func (s *Server) Registry() *registry.Registry { return s.reg }
