package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cloudwego/gopkg/bufiox"
	"github.com/cloudwego/gopkg/concurrency/gopool"
	"github.com/eapache/queue"
)

const defaultInactivity = 2 * time.Second

// TCP implements Transport over a single accepted stream connection,
// reassembling LEN|CTR-framed packets out of the byte stream (spec.md
// §5 "2s inactivity timeout" default). Only one connection is served at
// a time, mirroring the single CONNECTED Session the protocol engine
// keeps — a second inbound connection replaces the first.
//
// bufiox.Reader gives Next/Peek/Skip over the raw net.Conn without a
// bufio.Scanner's line-oriented assumptions; the received-but-not-yet-
// dispatched packet backlog is an eapache/queue.Queue so the read loop
// (which must keep draining the socket to respect the inactivity
// deadline) is decoupled from however long HandlePacket takes to run.
type TCP struct {
	logger     *slog.Logger
	mtu        uint16
	inactivity time.Duration

	mu   sync.Mutex
	ln   net.Listener
	conn net.Conn
	ctr  uint16
	recv Receiver

	backlogMu   sync.Mutex
	backlogCond *sync.Cond
	backlog     *queue.Queue
	closed      bool
}

// NewTCP creates a TCP transport with the default 2s inactivity timeout.
func NewTCP(logger *slog.Logger, mtu uint16) *TCP {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TCP{
		logger:     logger.With("transport", "tcp"),
		mtu:        mtu,
		inactivity: defaultInactivity,
		backlog:    queue.New(),
	}
	t.backlogCond = sync.NewCond(&t.backlogMu)
	return t
}

func (t *TCP) Start(ctx context.Context, bind string) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("transport/tcp: %w", err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()

	gopool.Go(func() { t.acceptLoop(ctx) })
	gopool.Go(func() { t.dispatchLoop() })
	gopool.Go(func() {
		<-ctx.Done()
		t.Shutdown()
	})
	t.logger.Info("tcp transport started", "bind", bind)
	return nil
}

func (t *TCP) acceptLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		ln := t.ln
		t.mu.Unlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.logger.Info("accept loop stopping", "err", err)
				return
			}
		}

		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.conn = conn
		t.mu.Unlock()

		gopool.Go(func() { t.readLoop(ctx, conn) })
	}
}

func (t *TCP) readLoop(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufiox.NewDefaultReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(t.inactivity))
		header, err := r.Next(HeaderLen)
		if err != nil {
			t.logger.Info("tcp connection ended", "err", err)
			r.Release(err)
			return
		}
		frame := DecodeHeader(header)

		payload, err := r.Next(int(frame.Len))
		if err != nil {
			t.logger.Warn("short tcp frame", "err", err)
			r.Release(err)
			return
		}
		pkt := append([]byte(nil), payload...)
		r.Release(nil)

		t.enqueue(pkt)
	}
}

func (t *TCP) enqueue(pkt []byte) {
	t.backlogMu.Lock()
	t.backlog.Add(pkt)
	t.backlogCond.Signal()
	t.backlogMu.Unlock()
}

func (t *TCP) dispatchLoop() {
	for {
		t.backlogMu.Lock()
		for t.backlog.Length() == 0 && !t.closed {
			t.backlogCond.Wait()
		}
		if t.backlog.Length() == 0 && t.closed {
			t.backlogMu.Unlock()
			return
		}
		pkt := t.backlog.Remove().([]byte)
		t.backlogMu.Unlock()

		t.mu.Lock()
		recv := t.recv
		t.mu.Unlock()
		if recv != nil {
			recv.HandlePacket(pkt)
		}
	}
}

func (t *TCP) Send(pkt []byte) error {
	t.mu.Lock()
	conn := t.conn
	ctr := t.ctr
	t.ctr++
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("transport/tcp: no active connection")
	}
	frame := make([]byte, HeaderLen+len(pkt))
	EncodeHeader(frame, len(pkt), ctr)
	copy(frame[HeaderLen:], pkt)
	_, err := conn.Write(frame)
	return err
}

func (t *TCP) MTU() uint16 { return t.mtu }

func (t *TCP) Subscribe(r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recv = r
	return nil
}

func (t *TCP) Shutdown() error {
	t.mu.Lock()
	if t.ln != nil {
		t.ln.Close()
		t.ln = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	t.backlogMu.Lock()
	t.closed = true
	t.backlogCond.Broadcast()
	t.backlogMu.Unlock()
	return nil
}
