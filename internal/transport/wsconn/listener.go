package wsconn

import (
	"net"
	"sync"
)

type addr string

func (a addr) Network() string { return "ws" }
func (a addr) String() string  { return string(a) }

// Listener hands upgraded websocket connections, and in-process pipes, to
// a server that accepts from a net.Listener.
type Listener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

// NewListener creates a Listener reporting name as its address.
func NewListener(name string) *Listener {
	return &Listener{
		addr:  addr(name),
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

// Accept waits for the next offered connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Offer passes c to Accept. It blocks until accepted or the listener closes.
func (l *Listener) Offer(c net.Conn) error {
	select {
	case l.conns <- c:
		return nil
	case <-l.done:
		return net.ErrClosed
	}
}

// Pipe offers the server end of an in-memory connection and returns the
// client end.
func (l *Listener) Pipe() (net.Conn, error) {
	client, server := net.Pipe()
	if err := l.Offer(server); err != nil {
		client.Close()
		server.Close()
		return nil, err
	}
	return client, nil
}

// Close stops Accept. Connections already accepted are not affected.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Addr returns the listener's name.
func (l *Listener) Addr() net.Addr {
	return l.addr
}
