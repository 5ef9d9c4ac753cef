package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkRepliedOnlyFiresOnce(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	c := newConnection(srv, 4, nil)

	c.BeginWait()
	assert.True(t, c.Waiting())

	assert.True(t, c.MarkReplied())
	assert.False(t, c.Waiting())
	assert.False(t, c.MarkReplied(), "a second reply for the same request must be suppressed")
}

func TestBeginWaitResetsRepliedFlag(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	c := newConnection(srv, 4, nil)

	c.BeginWait()
	require.True(t, c.MarkReplied())

	c.BeginWait()
	assert.True(t, c.MarkReplied(), "a new request must be able to reply again")
}

func TestCloseIsIdempotentAndInvokesOnClose(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	table := NewConnectionTable(0)
	c := newConnection(srv, 4, table)
	require.True(t, table.TryAdd(c))

	fired := 0
	c.SetOnClose(func() { fired++ })

	c.Close()
	c.Close()

	assert.Equal(t, 1, fired)
	assert.True(t, c.Gone())
}

func TestWriteAfterCloseIsNoop(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	c := newConnection(srv, 4, nil)
	c.Close()

	err := c.Write([]byte{1, 2, 3, 4})
	assert.NoError(t, err)
}
