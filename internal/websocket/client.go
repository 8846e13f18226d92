// Package websocket fans session broadcasts out to locally connected client
// devices. The hub runs as a single actor goroutine; each connection gets a
// dedicated writer goroutine so one slow client never blocks the rest.
package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 16
	writeDeadline  = 5 * time.Second
)

// Client owns all writes to one websocket connection. Both direct replies and
// topic broadcasts go through its send channel, so there is never more than
// one writer on the underlying connection.
type Client struct {
	conn      *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient starts the writer goroutine for a connection.
func NewClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn:   conn,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Client) run() {
	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// TrySend queues a frame without blocking. Returns false when the client's
// buffer is full, i.e. the client is too slow to keep up.
func (c *Client) TrySend(frame []byte) bool {
	select {
	case c.sendCh <- frame:
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the connection. Safe to call more than
// once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
