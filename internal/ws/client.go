package ws

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrSlowConsumer indicates a session whose send queue overflowed.
var ErrSlowConsumer = errors.New("ws: send queue full")

// errClosed indicates a session that was already closed.
var errClosed = errors.New("ws: client closed")

const defaultSendBuffer = 64

// Client represents a websocket viewer session. Writes go through a
// buffered queue drained by a dedicated goroutine, so Send never blocks
// the hub on a slow connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewClient constructs a client wrapper and starts its write pump.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn: conn,
		log:  logger,
		send: make(chan []byte, defaultSendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send enqueues a message for delivery. A full queue closes the client:
// a viewer that cannot keep up is dropped rather than buffered without
// bound.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return errClosed
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("websocket client too slow, dropping")
		c.Close()
		return ErrSlowConsumer
	}
}

// Close terminates the connection and stops the write pump.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		}
	}
}
