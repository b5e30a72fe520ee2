//go:build unix

package socket

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func (s *Stream) initRaw() error {
	sc, ok := s.conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("%T does not expose its file descriptor", s.conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	s.raw = raw
	return nil
}

// tryWrite makes a single non-blocking write attempt. A full send buffer is reported as (0, nil).
func (s *Stream) tryWrite(p []byte) (int, error) {
	var (
		n    int
		werr error
	)
	err := s.raw.Write(func(fd uintptr) bool {
		for {
			n, werr = unix.Write(int(fd), p)
			if werr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if werr == unix.EAGAIN {
		return 0, nil
	}
	if n < 0 {
		n = 0
	}
	return n, werr
}

// writeAll writes all of p, parking on writable readiness whenever the send buffer is full.
func (s *Stream) writeAll(p []byte) error {
	var werr error
	err := s.raw.Write(func(fd uintptr) bool {
		for len(p) > 0 {
			n, err := unix.Write(int(fd), p)
			if n > 0 {
				p = p[n:]
			}
			switch {
			case err == unix.EAGAIN:
				return false
			case err == unix.EINTR:
				continue
			case err != nil:
				werr = err
				return true
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	return werr
}

func (s *Stream) recv(buf []byte, flags int) (int, error) {
	var (
		n    int
		rerr error
	)
	err := s.raw.Read(func(fd uintptr) bool {
		for {
			n, _, rerr = unix.Recvfrom(int(fd), buf, flags)
			if rerr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if rerr == unix.EAGAIN {
		return 0, errWouldBlock
	}
	return n, rerr
}

// waitReadable parks until the socket is readable. It reports eof when the peer has shut down and no data remains.
func (s *Stream) waitReadable() (bool, error) {
	var (
		n    int
		perr error
	)
	one := make([]byte, 1)
	err := s.raw.Read(func(fd uintptr) bool {
		n, _, perr = unix.Recvfrom(int(fd), one, unix.MSG_PEEK)
		return perr != unix.EAGAIN && perr != unix.EINTR
	})
	if err != nil {
		return false, err
	}
	if perr != nil {
		return false, perr
	}
	return n == 0, nil
}

func (s *Stream) lowWaterMark() int {
	v, err := s.Option(unix.SOL_SOCKET, unix.SO_SNDLOWAT)
	if err != nil {
		return 0
	}
	return v
}

// SetOption sets an integer socket option.
func (s *Stream) SetOption(level, opt, value int) error {
	var serr error
	err := s.raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), level, opt, value)
	})
	if err != nil {
		return err
	}
	if serr != nil {
		return fmt.Errorf("setting socket option %d/%d: %w", level, opt, serr)
	}
	return nil
}

// Option reads an integer socket option.
func (s *Stream) Option(level, opt int) (int, error) {
	var (
		v    int
		gerr error
	)
	err := s.raw.Control(func(fd uintptr) {
		v, gerr = unix.GetsockoptInt(int(fd), level, opt)
	})
	if err != nil {
		return 0, err
	}
	if gerr != nil {
		return 0, fmt.Errorf("getting socket option %d/%d: %w", level, opt, gerr)
	}
	return v, nil
}

// Pair returns the two ends of a connected AF_UNIX stream socket pair, both in non-blocking mode.
func Pair() (net.Conn, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socket pair: %w", err)
	}
	a, err := fileConn(fds[0], "procpool-pair-a")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := fileConn(fds[1], "procpool-pair-b")
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fileConn(fd int, name string) (net.Conn, error) {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting non-blocking mode: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping socket: %w", err)
	}
	return c, nil
}
