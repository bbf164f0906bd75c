// Command xcpdemo is a small instrumented workload exercising the XCP
// server end to end: one periodic counter event and one calibration
// segment, wired over a real UDP transport.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xcplite/xcpgo/pkg/config"
	"github.com/xcplite/xcpgo/pkg/daq"
	"github.com/xcplite/xcpgo/pkg/xcp"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	bind := flag.String("bind", "0.0.0.0:5555", "UDP address to listen on")
	transportName := flag.String("transport", "udp", "transport: udp or tcp")
	periodMs := flag.Int("period", 100, "counter event period, in milliseconds")
	flag.Parse()

	cfg := &config.ServerConfig{
		Bind:      *bind,
		Transport: *transportName,
		MTU:       1472,
		QueueSize: 65536,
	}

	arena := daq.ArenaMemory{
		Arena:    make([]byte, 256),
		EventDyn: map[uint16][]byte{},
	}

	srv, err := xcp.NewServer(cfg, arena, logger, nil)
	if err != nil {
		logger.Error("failed to build server", "err", err)
		os.Exit(1)
	}

	counterEvent, err := srv.CreateEvent("Counter", uint32(*periodMs))
	if err != nil {
		logger.Error("failed to create event", "err", err)
		os.Exit(1)
	}
	if _, err := srv.CreateCalSeg("Params", []byte{0, 0, 0, 1}); err != nil {
		logger.Error("failed to create cal segment", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start server", "err", err)
		os.Exit(1)
	}
	defer srv.Stop()

	logger.Info("xcpdemo running", "bind", *bind, "transport", *transportName)

	var counter uint32
	ticker := time.NewTicker(time.Duration(*periodMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			counter++
			binary.LittleEndian.PutUint32(arena.Arena, counter)
			srv.EventTrigger(counterEvent, 0)
			srv.Sync()
		}
	}
}
