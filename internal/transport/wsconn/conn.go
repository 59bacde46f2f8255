// Package wsconn carries stream protocols over websocket text messages.
package wsconn

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to complete the opening handshake.
	handshakeTimeout = 10 * time.Second
)

// Conn is a net.Conn over a websocket. Each Write goes out as one text
// message; Read concatenates inbound messages into a stream.
type Conn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu       sync.Mutex
	writeDeadline time.Time

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// New wraps an established websocket.
func New(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		done: make(chan struct{}),
	}
}

// Dial opens a websocket to url and wraps it.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return New(ws), nil
}

// Read reads from the current inbound message, moving to the next one at
// the end of each.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				c.fail(err)
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			c.fail(err)
		}
		return n, err
	}
}

// Write sends p as a single text message.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := c.writeDeadline
	if deadline.IsZero() {
		deadline = time.Now().Add(writeWait)
	}
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		c.fail(err)
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
		c.setErr(net.ErrClosed)
		close(c.done)
	})
	return err
}

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the first error the connection failed with.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Conn) fail(err error) {
	c.setErr(err)
	c.closeOnce.Do(func() {
		c.ws.Close()
		close(c.done)
	})
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeMu.Lock()
	c.writeDeadline = t
	c.writeMu.Unlock()
	return nil
}
