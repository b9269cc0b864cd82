package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient streams log lines as Server-Sent Events over an HTTP
// response writer, for viewers that cannot hold a websocket. Like the
// websocket client, writes go through a buffered queue drained by a
// dedicated goroutine so Send never blocks the hub on a slow
// connection.
type SSEClient struct {
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	send    chan sseFrame
	done    chan struct{}
	once    sync.Once
}

// sseFrame is one queued event: a data payload or a keepalive comment.
type sseFrame struct {
	payload   []byte
	heartbeat bool
}

// NewSSEClient builds an SSE client and starts its write pump.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	c := &SSEClient{
		writer:  writer,
		flusher: flusher,
		log:     logger,
		send:    make(chan sseFrame, defaultSendBuffer),
		done:    make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send enqueues a data event. A full queue closes the client: a viewer
// that cannot keep up is dropped rather than buffered without bound.
func (c *SSEClient) Send(payload []byte) error {
	return c.enqueue(sseFrame{payload: payload})
}

// Heartbeat enqueues a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.enqueue(sseFrame{heartbeat: true})
}

func (c *SSEClient) enqueue(frame sseFrame) error {
	select {
	case <-c.done:
		return errClosed
	case c.send <- frame:
		return nil
	default:
		c.log.Warn("sse client too slow, dropping")
		c.Close()
		return ErrSlowConsumer
	}
}

// Close stops the write pump. The handler owning the response writer
// observes this through Done and returns.
func (c *SSEClient) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Done signals that the session is finished and no further writes will
// reach the response.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

func (c *SSEClient) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			var err error
			if frame.heartbeat {
				_, err = fmt.Fprint(c.writer, ": ping\n\n")
			} else {
				_, err = fmt.Fprintf(c.writer, "data: %s\n\n", frame.payload)
			}
			if err != nil {
				c.log.Warn("sse send failed", "error", err)
				c.Close()
				return
			}
			c.flusher.Flush()
		}
	}
}
