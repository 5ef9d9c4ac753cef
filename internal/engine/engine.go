// Package engine implements the DALI-USB transfer state machine: one
// outstanding request at a time, sequence-number tagged, timed, with
// cancel/reissue of the idle receive transfer to serialize access to the
// shared bus.
//
// The engine runs as one owning goroutine (Run) that is the sole
// mutator of queue/active-transaction/sequence-counter state; every
// other goroutine (a submitted send, an in-flight receive, a connection
// reporting itself gone) only ever posts an event on a channel. This
// keeps the core free of locks without a poll(2)-style event loop.
package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/onitake/daliserver/internal/frame"
	"github.com/onitake/daliserver/internal/queue"
)

// ErrEngineClosed is returned by Submit once the engine has shut down.
var ErrEngineClosed = errors.New("engine: closed")

// Device is the subset of the USB transport the engine drives: one
// 64-byte interrupt transfer at a time in each direction, cancellable
// via ctx.
type Device interface {
	Send(ctx context.Context, msg [frame.USBMessageSize]byte) error
	Receive(ctx context.Context, buf []byte) (int, error)
}

// OutcomeKind tags the result delivered to a transaction's originator.
type OutcomeKind int

const (
	// OutcomeResponseFrame is an in-band reply frame; the transaction
	// is not yet finished, a completion still follows.
	OutcomeResponseFrame OutcomeKind = iota
	OutcomeSuccess
	OutcomeSendTimeout
	OutcomeReceiveTimeout
	OutcomeSendError
	OutcomeReceiveError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResponseFrame:
		return "ResponseFrame"
	case OutcomeSuccess:
		return "Success"
	case OutcomeSendTimeout:
		return "SendTimeout"
	case OutcomeReceiveTimeout:
		return "ReceiveTimeout"
	case OutcomeSendError:
		return "SendError"
	case OutcomeReceiveError:
		return "ReceiveError"
	default:
		return "Unknown"
	}
}

// Outcome is the tagged result of a transaction, delivered to its
// originator and carrying a frame only when Kind is OutcomeResponseFrame.
type Outcome struct {
	Kind   OutcomeKind
	Frame  frame.DaliFrame
	Status byte
}

// Recipient resolves a queued transaction back to its originator. Gone
// tolerates the originator having vanished by delivery time; Deliver is
// never called once Gone reports true.
type Recipient interface {
	queue.Origin
	Deliver(Outcome)
}

// BroadcastSink receives unsolicited bus events, enumerated out to every
// subscribed peer.
type BroadcastSink interface {
	Broadcast(f frame.DaliFrame, status byte)
}

type submitRequest struct {
	txn    *queue.Transaction
	result chan error
}

// Engine drives a single DALI-USB device on behalf of many concurrent
// clients.
type Engine struct {
	device    Device
	broadcast BroadcastSink
	log       *log.Logger

	q      *queue.Queue
	active *queue.Transaction
	seq    byte

	submitCh chan submitRequest
	cancelCh chan queue.Origin
	stopCh   chan struct{}
	doneCh   chan struct{}

	recvCh     chan ioResult
	recvCancel context.CancelFunc
	recvActive bool

	sendCh     chan ioResult
	sendCancel context.CancelFunc
	sendActive bool
}

type ioResult struct {
	n   int
	buf []byte
	err error
}

// New creates an Engine over device. queueMax <= 0 uses queue.DefaultMax.
func New(device Device, broadcast BroadcastSink, logger *log.Logger, queueMax int) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		device:    device,
		broadcast: broadcast,
		log:       logger,
		q:         queue.New(queueMax),
		submitCh:  make(chan submitRequest),
		cancelCh:  make(chan queue.Origin, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		recvCh:    make(chan ioResult, 1),
		sendCh:    make(chan ioResult, 1),
	}
}

// Submit enqueues a new transaction on behalf of origin, returning
// queue.ErrQueueFull if the queue is at capacity.
func (e *Engine) Submit(origin Recipient, f frame.DaliFrame) error {
	txn := &queue.Transaction{Request: f, Origin: origin}
	req := submitRequest{txn: txn, result: make(chan error, 1)}
	select {
	case e.submitCh <- req:
	case <-e.doneCh:
		return ErrEngineClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-e.doneCh:
		return ErrEngineClosed
	}
}

// Cancel informs the engine that origin's connection has gone away, so
// any active or queued transaction addressed to it is neutralized.
// Non-blocking best effort once the engine is shutting down.
func (e *Engine) Cancel(origin queue.Origin) {
	select {
	case e.cancelCh <- origin:
	case <-e.doneCh:
	default:
	}
}

// Stop requests a graceful shutdown; Run returns once outstanding
// transfers are cancelled and drained.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
}

// Run drives the engine until Stop is called or ctx is cancelled. It
// must be invoked from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)
	e.schedule(ctx)
	for {
		select {
		case req := <-e.submitCh:
			err := e.q.Enqueue(req.txn)
			req.result <- err
			e.schedule(ctx)
		case origin := <-e.cancelCh:
			e.handleCancel(origin)
			e.schedule(ctx)
		case res := <-e.recvCh:
			e.recvActive = false
			e.handleReceive(ctx, res)
		case res := <-e.sendCh:
			e.sendActive = false
			e.handleSend(ctx, res)
		case <-e.stopCh:
			e.shutdown()
			return
		case <-ctx.Done():
			e.shutdown()
			return
		}
	}
}

// schedule advances the engine one step: at most one transfer is ever
// outstanding, so the bus is always driven by a single owner.
func (e *Engine) schedule(ctx context.Context) {
	if e.sendActive {
		return // rule 1: a send is outstanding, do nothing
	}
	if e.active != nil && !e.recvActive {
		e.startReceive(ctx) // rule 2: wait for the active transaction's reply
		return
	}
	if e.q.Len() > 0 {
		if e.recvActive {
			e.recvCancel() // rule 3a: cancel the idle receive; schedule() re-runs from its completion
			return
		}
		txn := e.q.Dequeue()
		e.seq = nextSeqNum(e.seq)
		txn.SeqNum = e.seq
		e.active = txn
		e.startSend(ctx, txn)
		return
	}
	if !e.recvActive {
		e.startReceive(ctx) // rule 4: idle receive, absorbs broadcasts
	}
}

// nextSeqNum assigns sequence numbers 1..0xFF, wrapping from 0xFF back
// to 1; 0 is reserved and never assigned.
func nextSeqNum(prev byte) byte {
	n := prev + 1
	if n == 0 {
		n = 1
	}
	return n
}

func (e *Engine) startReceive(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	e.recvCancel = cancel
	e.recvActive = true
	go func() {
		buf := make([]byte, frame.USBMessageSize)
		n, err := e.device.Receive(rctx, buf)
		select {
		case e.recvCh <- ioResult{n: n, buf: buf, err: err}:
		case <-e.doneCh:
		}
	}()
}

func (e *Engine) startSend(ctx context.Context, txn *queue.Transaction) {
	sctx, cancel := context.WithCancel(ctx)
	e.sendCancel = cancel
	e.sendActive = true
	msg := frame.OutboundMessage(txn.SeqNum, txn.Request)
	go func() {
		err := e.device.Send(sctx, msg)
		select {
		case e.sendCh <- ioResult{err: err}:
		case <-e.doneCh:
		}
	}()
}

func (e *Engine) handleReceive(ctx context.Context, res ioResult) {
	if res.err != nil {
		switch {
		case errors.Is(res.err, context.Canceled):
			// CANCELLED: no delivery, routine step of the schedule.
		case errors.Is(res.err, context.DeadlineExceeded):
			if e.active != nil {
				e.deliver(e.active, Outcome{Kind: OutcomeReceiveTimeout})
				e.active = nil
			}
		default:
			if e.active != nil {
				e.deliver(e.active, Outcome{Kind: OutcomeReceiveError})
				e.active = nil
			} else {
				e.log.Printf("engine: receive error with no active transaction: %v", res.err)
			}
		}
		e.schedule(ctx)
		return
	}

	msg, err := frame.ParseInbound(res.buf[:res.n])
	if err != nil {
		e.log.Printf("engine: malformed inbound message: %v", err)
		e.schedule(ctx)
		return
	}
	if !frame.KnownType(msg.Type) {
		e.log.Printf("engine: ignoring unknown message type %#x", byte(msg.Type))
		e.schedule(ctx)
		return
	}

	switch {
	case msg.Direction == frame.DirectionDALI && msg.Type.IsTransfer():
		if e.broadcast != nil {
			e.broadcast.Broadcast(msg.Frame, msg.ClientStatus())
		}
	case msg.Direction == frame.DirectionUSB && msg.Type.IsCompletion():
		if e.active != nil && msg.SeqNum == e.active.SeqNum {
			e.deliver(e.active, Outcome{Kind: OutcomeSuccess, Status: msg.ClientStatus()})
			e.active = nil
		} else {
			e.log.Printf("engine: completion seqnum %#x does not match active transaction", msg.SeqNum)
		}
	case msg.Direction == frame.DirectionUSB && msg.Type.IsTransfer():
		if e.active != nil && msg.SeqNum == e.active.SeqNum {
			// In-band reply: deliver now, but the transaction stays
			// active until its completion arrives.
			e.deliver(e.active, Outcome{Kind: OutcomeResponseFrame, Frame: msg.Frame, Status: msg.ClientStatus()})
		} else {
			e.log.Printf("engine: transfer seqnum %#x does not match active transaction", msg.SeqNum)
		}
	default:
		e.log.Printf("engine: unexpected direction/type combination: %v/%v", msg.Direction, msg.Type)
	}
	e.schedule(ctx)
}

func (e *Engine) handleSend(ctx context.Context, res ioResult) {
	switch {
	case res.err == nil:
		// COMPLETED: nothing to do, the receive path ends the transaction.
	case errors.Is(res.err, context.Canceled):
		// CANCELLED: dropped silently.
	case errors.Is(res.err, context.DeadlineExceeded):
		if e.active != nil {
			e.deliver(e.active, Outcome{Kind: OutcomeSendTimeout})
			e.active = nil
		}
	default:
		if e.active != nil {
			e.deliver(e.active, Outcome{Kind: OutcomeSendError})
			e.active = nil
		}
	}
	e.schedule(ctx)
}

func (e *Engine) handleCancel(origin queue.Origin) {
	// The originator's own Gone() now reports true, which deliver
	// already checks; a still-queued or active transaction addressed to
	// it runs to natural completion and its outcome is simply dropped.
	_ = origin
}

func (e *Engine) deliver(txn *queue.Transaction, outcome Outcome) {
	if txn == nil || txn.Origin == nil || txn.Origin.Gone() {
		return
	}
	recipient, ok := txn.Origin.(Recipient)
	if !ok {
		e.log.Printf("engine: origin does not implement Recipient, dropping outcome %v", outcome.Kind)
		return
	}
	recipient.Deliver(outcome)
}

func (e *Engine) shutdown() {
	if e.recvActive && e.recvCancel != nil {
		e.recvCancel()
		select {
		case <-e.recvCh:
		case <-time.After(time.Second):
		}
	}
	if e.sendActive && e.sendCancel != nil {
		e.sendCancel()
		select {
		case <-e.sendCh:
		case <-time.After(time.Second):
		}
	}
	e.q.Clear()
}

// Done returns a channel closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.doneCh
}
