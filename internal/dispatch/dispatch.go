// Package dispatch is the process-wide run/shutdown loop. The engine,
// the TCP server and the shutdown notifier each already run their own
// goroutines, so Dispatcher's job narrows to owning the single shutdown
// transition: wait for a signal or cancellation of the caller's
// context, then close the server before the engine so no
// connection callback writes to a socket while the engine is still
// draining.
package dispatch

import (
	"context"
	"log"
)

// Engine is the subset of *engine.Engine the dispatcher drives.
type Engine interface {
	Run(ctx context.Context)
	Stop()
	Done() <-chan struct{}
}

// Server is the subset of *server.Server the dispatcher drives.
type Server interface {
	Start() error
	Stop()
}

// Notifier is the subset of *notifier.Notifier the dispatcher watches.
type Notifier interface {
	C() <-chan struct{}
	WatchShutdownSignals()
	StopWatchingSignals()
}

// Dispatcher owns the run-until-shutdown lifecycle of one daemon
// instance.
type Dispatcher struct {
	engine   Engine
	server   Server
	notifier Notifier
	log      *log.Logger
}

// New creates a Dispatcher over the given components.
func New(e Engine, s Server, n Notifier, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{engine: e, server: s, notifier: n, log: logger}
}

// Run starts the TCP server and the engine, then blocks until a
// shutdown signal arrives or ctx is cancelled, shutting both down in
// the right order before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.server.Start(); err != nil {
		return err
	}
	go d.engine.Run(ctx)

	d.notifier.WatchShutdownSignals()
	defer d.notifier.StopWatchingSignals()

	select {
	case <-d.notifier.C():
		d.log.Printf("dispatch: shutdown signal received")
	case <-ctx.Done():
	}

	d.server.Stop()
	d.engine.Stop()
	<-d.engine.Done()
	return nil
}
