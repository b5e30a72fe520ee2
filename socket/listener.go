package socket

import (
	"fmt"
	"net"
)

// Listener accepts connections as Streams.
type Listener struct {
	l    net.Listener
	opts []Option
}

// Listen announces on the local network address. The options are applied to every accepted Stream.
func Listen(network, addr string, opts ...Option) (*Listener, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s %s: %w", network, addr, err)
	}
	return &Listener{l: l, opts: opts}, nil
}

func (l *Listener) Accept() (*Stream, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, &ConnectionError{Kind: KindAccept, Err: err}
	}
	s, err := New(c, l.opts...)
	if err != nil {
		c.Close()
		return nil, &ConnectionError{Kind: KindAccept, Err: err}
	}
	return s, nil
}

func (l *Listener) Addr() net.Addr { return l.l.Addr() }

func (l *Listener) Close() error { return l.l.Close() }
