// Package daemon wires the frame codec, USB transport, protocol engine,
// TCP server and multiplexer into one runnable instance.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/onitake/daliserver/internal/dispatch"
	"github.com/onitake/daliserver/internal/engine"
	"github.com/onitake/daliserver/internal/mux"
	"github.com/onitake/daliserver/internal/notifier"
	"github.com/onitake/daliserver/internal/server"
	"github.com/onitake/daliserver/internal/usbtransport"
	"github.com/onitake/daliserver/internal/wire"
)

// Config collects the CLI surface the core actually consumes
// (daemonization, PID files, log-file/syslog destinations are the
// host's job, not this package's).
type Config struct {
	ListenAddr string
	ListenPort int
	LogLevel   string

	DryRun bool

	USBVendorID, USBProductID uint16
	USBBus, USBDevice         int
	TransferTimeout           time.Duration

	QueueMax int
	ConnMax  int
}

// DefaultConfig returns the daemon's default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1",
		ListenPort:      55825,
		LogLevel:        "info",
		TransferTimeout: usbtransport.DefaultTransferTimeout,
	}
}

// Daemon is one fully wired daliserver instance.
type Daemon struct {
	dispatcher *dispatch.Dispatcher
	transport  *usbtransport.Transport // nil in dry-run mode
	log        *Logger
}

// New builds a Daemon from cfg. Any failure here (log level, USB open)
// is fatal to process startup; the listener is bound later, by Run.
func New(cfg Config) (*Daemon, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := NewLogger(nil, level)

	var device engine.Device
	var transport *usbtransport.Transport
	if cfg.DryRun {
		logger.Infof("dry-run mode: not opening USB device")
		device = newDryRunDevice()
	} else {
		opts := usbtransport.Options{
			Bus:             cfg.USBBus,
			Device:          cfg.USBDevice,
			TransferTimeout: cfg.TransferTimeout,
		}
		if cfg.USBVendorID != 0 {
			opts.VendorID = gousb.ID(cfg.USBVendorID)
		}
		if cfg.USBProductID != 0 {
			opts.ProductID = gousb.ID(cfg.USBProductID)
		}
		transport, err = usbtransport.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("daemon: open USB device: %w", err)
		}
		device = transport
	}

	table := server.NewConnectionTable(cfg.ConnMax)
	broadcast := mux.NewBroadcastSink(table, logger.Logger)
	eng := engine.New(device, broadcast, logger.Logger, cfg.QueueMax)
	multiplexer := mux.New(eng, mux.V2, logger.Logger)

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort)
	srv := server.New(addr, wire.FrameSizeV2, table, multiplexer, logger.Logger)

	n := notifier.New()
	d := dispatch.New(eng, srv, n, logger.Logger)

	return &Daemon{dispatcher: d, transport: transport, log: logger}, nil
}

// Run blocks until shutdown (signal or ctx cancellation), then releases
// the USB device if one was opened.
func (d *Daemon) Run(ctx context.Context) error {
	err := d.dispatcher.Run(ctx)
	if d.transport != nil {
		if cerr := d.transport.Close(); cerr != nil {
			d.log.Warnf("daemon: closing USB transport: %v", cerr)
		}
	}
	return err
}
