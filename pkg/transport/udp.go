package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/gopkg/concurrency/gopool"
)

// UDP implements Transport over a single UDP socket, one XCP packet per
// datagram (spec.md §2 "packetized Ethernet transport").
//
// The socket is opened with raw unix.Socket/Bind rather than net.ListenUDP
// so SO_RCVTIMEO can be tuned directly, the same idiom the teacher uses
// for its CAN_RAW socket in pkg/can/socketcanv2 (unix.Socket + unix.Bind +
// unix.SetsockoptTimeval), generalized from AF_CAN to AF_INET/SOCK_DGRAM.
// The receive timeout bounds how long recvLoop can block between checks
// of ctx.Done(), standing in for CAN_RAW's own cancellation polling.
type UDP struct {
	logger *slog.Logger
	mtu    uint16
	fd     int

	mu   sync.Mutex
	ctr  uint16
	recv Receiver
	peer unix.Sockaddr

	cancel context.CancelFunc
	done   chan struct{}
}

var recvTimeout = unix.Timeval{Sec: 0, Usec: 200_000}

// NewUDP creates a UDP transport. mtu bounds outgoing packet size
// reported to callers (spec.md §6 "max_dto ~1472-4").
func NewUDP(logger *slog.Logger, mtu uint16) *UDP {
	if logger == nil {
		logger = slog.Default()
	}
	return &UDP{logger: logger.With("transport", "udp"), mtu: mtu, fd: -1}
}

func (t *UDP) Start(ctx context.Context, bind string) error {
	host, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		return fmt.Errorf("transport/udp: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, portStr))
	if err != nil {
		return fmt.Errorf("transport/udp: %w", err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("transport/udp: socket: %w", err)
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &recvTimeout); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport/udp: setsockopt: %w", err)
	}

	var sockAddr unix.SockaddrInet4
	sockAddr.Port = addr.Port
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sockAddr.Addr[:], ip4)
	}
	if err := unix.Bind(fd, &sockAddr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport/udp: bind: %w", err)
	}

	t.mu.Lock()
	t.fd = fd
	t.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	gopool.Go(func() { t.recvLoop(runCtx) })
	t.logger.Info("udp transport started", "bind", bind)
	return nil
}

func (t *UDP) recvLoop(ctx context.Context) {
	defer close(t.done)
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.mu.Lock()
		fd := t.fd
		t.mu.Unlock()
		if fd < 0 {
			return
		}

		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				t.logger.Warn("recvfrom failed", "err", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		if n < HeaderLen {
			continue
		}
		frame := DecodeHeader(buf[:HeaderLen])
		if int(frame.Len) != n-HeaderLen {
			t.logger.Warn("malformed datagram", "declared", frame.Len, "got", n-HeaderLen)
			continue
		}

		t.mu.Lock()
		t.peer = from
		recv := t.recv
		t.mu.Unlock()

		if recv == nil {
			continue
		}
		pkt := append([]byte(nil), buf[HeaderLen:n]...)
		recv.HandlePacket(pkt)
	}
}

func (t *UDP) Send(pkt []byte) error {
	t.mu.Lock()
	fd := t.fd
	peer := t.peer
	ctr := t.ctr
	t.ctr++
	t.mu.Unlock()

	if fd < 0 {
		return fmt.Errorf("transport/udp: not started")
	}
	if peer == nil {
		return fmt.Errorf("transport/udp: no peer has contacted this socket yet")
	}

	datagram := make([]byte, HeaderLen+len(pkt))
	EncodeHeader(datagram, len(pkt), ctr)
	copy(datagram[HeaderLen:], pkt)
	return unix.Sendto(fd, datagram, 0, peer)
}

func (t *UDP) MTU() uint16 { return t.mtu }

func (t *UDP) Subscribe(r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recv = r
	return nil
}

func (t *UDP) Shutdown() error {
	t.mu.Lock()
	fd := t.fd
	t.fd = -1
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	if fd >= 0 {
		unix.Close(fd)
	}
	if t.done != nil {
		<-t.done
	}
	return nil
}
