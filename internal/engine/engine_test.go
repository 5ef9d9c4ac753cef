package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onitake/daliserver/internal/frame"
)

// fakeDevice is a scriptable Device: each Send/Receive call pulls the
// next scripted response off its queue, blocking on ctx cancellation if
// the script runs dry (or the entry is marked idle) so idle receives
// behave like a real idle USB transfer until something cancels them.
// The engine posts an idle receive as soon as Run starts, so a reply to
// a request must be scripted after an idle entry.
type fakeDevice struct {
	mu        sync.Mutex
	sendErr   []error
	recvMsgs  []fakeRecv
	sendCalls int
	recvCalls int
}

type fakeRecv struct {
	msg  [frame.USBMessageSize]byte
	err  error
	idle bool
}

func (d *fakeDevice) Send(ctx context.Context, msg [frame.USBMessageSize]byte) error {
	d.mu.Lock()
	var err error
	if d.sendCalls < len(d.sendErr) {
		err = d.sendErr[d.sendCalls]
	}
	d.sendCalls++
	d.mu.Unlock()
	return err
}

func (d *fakeDevice) Receive(ctx context.Context, buf []byte) (int, error) {
	d.mu.Lock()
	idx := d.recvCalls
	d.recvCalls++
	d.mu.Unlock()

	if idx < len(d.recvMsgs) {
		r := d.recvMsgs[idx]
		if r.idle {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		if r.err != nil {
			return 0, r.err
		}
		n := copy(buf, r.msg[:])
		return n, nil
	}
	// Script exhausted: behave like an idle transfer, only returning
	// once cancelled.
	<-ctx.Done()
	return 0, ctx.Err()
}

type fakeRecipient struct {
	mu       sync.Mutex
	gone     bool
	outcomes []Outcome
	deliverd chan struct{}
}

func newFakeRecipient() *fakeRecipient {
	return &fakeRecipient{deliverd: make(chan struct{}, 8)}
}

func (f *fakeRecipient) Gone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gone
}

func (f *fakeRecipient) Deliver(o Outcome) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, o)
	f.mu.Unlock()
	f.deliverd <- struct{}{}
}

func (f *fakeRecipient) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.deliverd:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for outcome %d/%d", i+1, n)
		}
	}
}

func completionMsg(seq byte, status uint16) [frame.USBMessageSize]byte {
	var buf [frame.USBMessageSize]byte
	buf[0] = byte(frame.DirectionUSB)
	buf[1] = byte(frame.TypeCompletion16)
	buf[6] = byte(status >> 8)
	buf[7] = byte(status)
	buf[8] = seq
	return buf
}

func TestEngineSuccessDelivery(t *testing.T) {
	dev := &fakeDevice{
		recvMsgs: []fakeRecv{{idle: true}, {msg: completionMsg(1, 0)}},
	}
	e := New(dev, nil, log.New(nilWriter{}, "", 0), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	recip := newFakeRecipient()
	require.NoError(t, e.Submit(recip, frame.DaliFrame{Address: 1, Command: 2}))
	recip.waitFor(t, 1)

	assert.Equal(t, OutcomeSuccess, recip.outcomes[0].Kind)
	e.Stop()
	<-e.Done()
}

func TestEngineQueueFull(t *testing.T) {
	dev := &fakeDevice{}
	e := New(dev, nil, log.New(nilWriter{}, "", 0), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	first := newFakeRecipient()
	require.NoError(t, e.Submit(first, frame.DaliFrame{Address: 1, Command: 1}))

	// The first request leaves the queue once it becomes active (its send
	// is issued); only then does the queue's single slot hold the next one.
	require.Eventually(t, func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.sendCalls == 1
	}, 2*time.Second, time.Millisecond)

	second := newFakeRecipient()
	require.NoError(t, e.Submit(second, frame.DaliFrame{Address: 2, Command: 2}))

	third := newFakeRecipient()
	err := e.Submit(third, frame.DaliFrame{Address: 3, Command: 3})
	assert.Error(t, err)

	e.Stop()
	<-e.Done()
}

func TestEngineBroadcastDelivery(t *testing.T) {
	var msg [frame.USBMessageSize]byte
	msg[0] = byte(frame.DirectionDALI)
	msg[1] = byte(frame.TypeTransfer16)
	msg[4] = 0x01 // address
	msg[5] = 0x02 // command

	dev := &fakeDevice{recvMsgs: []fakeRecv{{msg: msg}}}
	e := New(dev, &captureSink{ch: make(chan frame.DaliFrame, 1)}, log.New(nilWriter{}, "", 0), 0)
	sink := e.broadcast.(*captureSink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	select {
	case got := <-sink.ch:
		assert.Equal(t, byte(0x01), got.Address)
		assert.Equal(t, byte(0x02), got.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
	e.Stop()
	<-e.Done()
}

func TestEngineSendErrorEndsTransaction(t *testing.T) {
	dev := &fakeDevice{sendErr: []error{errors.New("usb: stalled")}}
	e := New(dev, nil, log.New(nilWriter{}, "", 0), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	recip := newFakeRecipient()
	require.NoError(t, e.Submit(recip, frame.DaliFrame{Address: 1, Command: 1}))
	recip.waitFor(t, 1)
	assert.Equal(t, OutcomeSendError, recip.outcomes[0].Kind)

	e.Stop()
	<-e.Done()
}

func TestEngineGoneRecipientSuppressesDelivery(t *testing.T) {
	dev := &fakeDevice{recvMsgs: []fakeRecv{{idle: true}, {msg: completionMsg(1, 0)}}}
	e := New(dev, nil, log.New(nilWriter{}, "", 0), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	recip := newFakeRecipient()
	recip.mu.Lock()
	recip.gone = true
	recip.mu.Unlock()
	require.NoError(t, e.Submit(recip, frame.DaliFrame{Address: 1, Command: 1}))

	select {
	case <-recip.deliverd:
		t.Fatal("expected no delivery to a gone recipient")
	case <-time.After(300 * time.Millisecond):
	}
	e.Stop()
	<-e.Done()
}

type captureSink struct {
	ch chan frame.DaliFrame
}

func (c *captureSink) Broadcast(f frame.DaliFrame, status byte) {
	select {
	case c.ch <- f:
	default:
	}
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }
