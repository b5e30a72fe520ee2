//go:build !unix

package socket

import (
	"bufio"
	"errors"
	"fmt"
	"net"
)

// Without raw descriptor access writes are delegated to the connection and never overflow,
// and reads are served from a buffered reader filled by the readable listener.

func (s *Stream) initRaw() error {
	s.br = bufio.NewReaderSize(s.conn, 64<<10)
	return nil
}

func (s *Stream) tryWrite(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *Stream) writeAll(p []byte) error {
	_, err := s.conn.Write(p)
	return err
}

func (s *Stream) recv(buf []byte, flags int) (int, error) {
	if s.br.Buffered() == 0 {
		return 0, errWouldBlock
	}
	n := len(buf)
	if b := s.br.Buffered(); b < n {
		n = b
	}
	return s.br.Read(buf[:n])
}

func (s *Stream) waitReadable() (bool, error) {
	_, err := s.br.Peek(1)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (s *Stream) lowWaterMark() int { return 0 }

func (s *Stream) SetOption(level, opt, value int) error {
	return fmt.Errorf("socket options are not supported on this platform")
}

func (s *Stream) Option(level, opt int) (int, error) {
	return 0, fmt.Errorf("socket options are not supported on this platform")
}

// Pair returns the two ends of a connected loopback TCP pair.
func Pair() (net.Conn, net.Conn, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("listening for socket pair: %w", err)
	}
	defer l.Close()

	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.Accept()
		ch <- result{c, err}
	}()

	a, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		return nil, nil, fmt.Errorf("dialing socket pair: %w", err)
	}
	res := <-ch
	if res.err != nil {
		a.Close()
		return nil, nil, fmt.Errorf("accepting socket pair: %w", res.err)
	}
	return a, res.c, nil
}
