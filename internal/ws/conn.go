package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Outbound events queued per connection before a slow consumer starts
// losing them.
const sendBuffer = 64

// wsConn is the subset of *websocket.Conn the package needs.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is a live connection handle. The registry and in-flight broadcasts
// hold references to it; the lifecycle handler owns it. Send never blocks
// and is a no-op once the connection has closed, so a broadcast loop can
// iterate a snapshot of connections without checking liveness first.
type Conn struct {
	ws   wsConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(ws wsConn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues an already-serialized event for delivery. Events are dropped
// silently when the connection is closed or its buffer is saturated; one
// slow or dead consumer must never stall a broadcast.
func (c *Conn) Send(payload []byte) {
	if payload == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		// Slow consumer; drop this event for this connection only.
	}
}

// Close shuts the transport down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case payload := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return err
			}
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
