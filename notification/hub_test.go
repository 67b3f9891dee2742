package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHub_PushReturnsFalseWhenNotConnected(t *testing.T) {
	h := testHub()
	assert.False(t, h.Push("user-1", []byte("hi")))
	assert.False(t, h.Connected("user-1"))
}

func TestHub_PushDeliversToRegisteredConnection(t *testing.T) {
	h := testHub()
	c := &Connection{recipientID: "user-1", send: make(chan []byte, sendBuffer)}
	h.register(c)

	assert.True(t, h.Connected("user-1"))
	delivered := h.Push("user-1", []byte("hello"))
	require.True(t, delivered)

	select {
	case msg := <-c.send:
		assert.Equal(t, []byte("hello"), msg)
	default:
		t.Fatal("expected message on connection send channel")
	}
}

func TestHub_UnregisterDropsConnection(t *testing.T) {
	h := testHub()
	c := &Connection{recipientID: "user-1", send: make(chan []byte, sendBuffer)}
	h.register(c)
	h.unregister(c)

	assert.False(t, h.Connected("user-1"))
	assert.False(t, h.Push("user-1", []byte("hello")))
}

func TestHub_PushFansOutToMultipleConnections(t *testing.T) {
	h := testHub()
	c1 := &Connection{recipientID: "user-1", send: make(chan []byte, sendBuffer)}
	c2 := &Connection{recipientID: "user-1", send: make(chan []byte, sendBuffer)}
	h.register(c1)
	h.register(c2)

	require.True(t, h.Push("user-1", []byte("hi")))
	assert.Len(t, c1.send, 1)
	assert.Len(t, c2.send, 1)
}
