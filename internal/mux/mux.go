// Package mux decodes network frames into engine submissions, routes
// engine outcomes back to the originating connection, and fans out bus
// broadcasts to every non-waiting peer.
package mux

import (
	"log"

	"github.com/onitake/daliserver/internal/engine"
	"github.com/onitake/daliserver/internal/frame"
	"github.com/onitake/daliserver/internal/queue"
	"github.com/onitake/daliserver/internal/server"
	"github.com/onitake/daliserver/internal/wire"
)

// Submitter is the engine surface the multiplexer drives.
type Submitter interface {
	Submit(origin engine.Recipient, f frame.DaliFrame) error
	Cancel(origin queue.Origin)
}

// Version selects the wire protocol a Multiplexer speaks.
type Version int

const (
	V2 Version = iota
	V1
)

// Multiplexer implements server.FrameHandler, decoding each connection's
// fixed-size frames and driving the engine on its behalf.
type Multiplexer struct {
	engine  Submitter
	version Version
	log     *log.Logger
}

// New creates a Multiplexer for the given wire version.
func New(e Submitter, version Version, logger *log.Logger) *Multiplexer {
	if logger == nil {
		logger = log.Default()
	}
	return &Multiplexer{engine: e, version: version, log: logger}
}

// OnAccept attaches the cancel-on-close hook: when the connection goes
// away, the engine is told so any transaction still addressed to it is
// neutralized.
func (m *Multiplexer) OnAccept(c *server.Connection) {
	recip := &recipient{conn: c, v1: m.version == V1, log: m.log}
	c.SetOnClose(func() { m.engine.Cancel(recip) })
}

// HandleFrame decodes one client frame and submits it to the engine,
// replying with a protocol error frame on anything malformed.
func (m *Multiplexer) HandleFrame(c *server.Connection, buf []byte) {
	var (
		df  frame.DaliFrame
		err error
	)
	switch m.version {
	case V1:
		var v1 wire.V1Frame
		v1, err = wire.DecodeV1(buf)
		df = frame.DaliFrame{Address: v1.Address, Command: v1.Command}
	default:
		var send wire.SendFrame
		send, err = wire.DecodeSend(buf)
		df = frame.DaliFrame{Address: send.Address, Command: send.Command}
	}
	if err != nil {
		m.log.Printf("mux: %v, dropping frame", err)
		return
	}

	c.BeginWait()
	recip := &recipient{conn: c, v1: m.version == V1, log: m.log}
	if err := m.engine.Submit(recip, df); err != nil {
		recip.replyError()
	}
}

// BroadcastSink fans a bus event out to every non-waiting connection in
// table. Every such connection receives the v2 broadcast frame;
// connections are not filtered by wire version.
type BroadcastSink struct {
	table *server.ConnectionTable
	log   *log.Logger
}

// NewBroadcastSink creates a BroadcastSink over table.
func NewBroadcastSink(table *server.ConnectionTable, logger *log.Logger) *BroadcastSink {
	if logger == nil {
		logger = log.Default()
	}
	return &BroadcastSink{table: table, log: logger}
}

// Broadcast implements engine.BroadcastSink.
func (b *BroadcastSink) Broadcast(f frame.DaliFrame, status byte) {
	reply := wire.EncodeBroadcast(f.Address, f.Command)
	b.table.Range(func(c *server.Connection) {
		if c.Waiting() || c.Gone() {
			return
		}
		if err := c.Write(reply[:]); err != nil {
			b.log.Printf("mux: broadcast write: %v", err)
		}
	})
}

// recipient adapts a server.Connection into an engine.Recipient,
// translating engine outcomes into the v2 or v1 reply frame. Only the
// first outcome delivered for a given request produces a reply; a
// completion that follows an already-delivered in-band response frame
// is swallowed.
type recipient struct {
	conn *server.Connection
	v1   bool
	log  *log.Logger
}

func (r *recipient) Gone() bool { return r.conn.Gone() }

func (r *recipient) Deliver(o engine.Outcome) {
	switch o.Kind {
	case engine.OutcomeResponseFrame:
		if r.conn.MarkReplied() {
			r.write(wire.OpSuccess, 0, o.Frame.Command)
		}
	case engine.OutcomeSuccess:
		if r.conn.MarkReplied() {
			r.write(wire.OpSuccess, 0, 0)
		}
	case engine.OutcomeSendTimeout, engine.OutcomeReceiveTimeout, engine.OutcomeSendError, engine.OutcomeReceiveError:
		if r.conn.MarkReplied() {
			r.write(wire.OpError, 1, 0)
		}
	}
}

func (r *recipient) replyError() {
	if r.conn.MarkReplied() {
		r.write(wire.OpError, 1, 0)
	}
}

// write encodes and sends the reply in whichever wire version this
// recipient speaks. v1Status is only used for the legacy layout.
func (r *recipient) write(op wire.Opcode, v1Status byte, responseByte byte) {
	if r.v1 {
		f := wire.EncodeV1Reply(v1Status, responseByte)
		if err := r.conn.Write(f[:]); err != nil {
			r.log.Printf("mux: write v1 reply: %v", err)
		}
		return
	}
	f := wire.EncodeReply(op, responseByte)
	if err := r.conn.Write(f[:]); err != nil {
		r.log.Printf("mux: write reply: %v", err)
	}
}
