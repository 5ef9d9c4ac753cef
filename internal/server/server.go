// Package server accepts TCP clients and runs their fixed-size frame
// read loop: a mutex-guarded Server with Start/Stop, an acceptLoop
// goroutine, and one goroutine per connection running a blocking read
// loop. Every connection is tracked in a bounded ConnectionTable, and
// its frames are handed off to a FrameHandler rather than interpreted
// inline.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"syscall"
)

// FrameHandler processes frames on behalf of connections. OnAccept fires
// once, right after a connection is admitted to the table, so the
// handler can attach its own close hook; HandleFrame must not block on
// anything but the engine's own synchronization.
type FrameHandler interface {
	OnAccept(c *Connection)
	HandleFrame(c *Connection, frame []byte)
}

// Server listens on a TCP address and dispatches accepted connections.
type Server struct {
	addr      string
	frameSize int
	table     *ConnectionTable
	handler   FrameHandler
	log       *log.Logger

	mu       sync.Mutex
	running  bool
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a Server. frameSize must be wire.FrameSizeV2 or
// wire.FrameSizeV1.
func New(addr string, frameSize int, table *ConnectionTable, handler FrameHandler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		addr:      addr,
		frameSize: frameSize,
		table:     table,
		handler:   handler,
		log:       logger,
	}
}

// Start binds the listening socket with SO_REUSEADDR and begins
// accepting connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp4", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every tracked connection, then waits for
// their goroutines to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	s.table.Range(func(c *Connection) { c.Close() })
	s.wg.Wait()
}

// Addr returns the bound listener address; only meaningful after Start
// returns successfully.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isRunning() {
				s.log.Printf("server: accept: %v", err)
			}
			return
		}
		if !isIPv4(conn.RemoteAddr()) {
			s.log.Printf("server: refusing non-IPv4 peer %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.table.PruneStale()
		c := newConnection(conn, s.frameSize, s.table)
		if !s.table.TryAdd(c) {
			s.log.Printf("server: connection table full, refusing %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.handler.OnAccept(c)
		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

func (s *Server) handleConnection(c *Connection) {
	defer s.wg.Done()
	defer c.Close()

	buf := make([]byte, c.frameSize)
	for {
		if _, err := io.ReadFull(c.conn, buf); err != nil {
			return // short read or error: close and remove
		}
		s.handler.HandleFrame(c, buf)
	}
}

func isIPv4(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcpAddr.IP.To4() != nil
}
