/*
Package socket provides Stream, a wrapper around a non-blocking stream socket whose writes never block the caller
and are always delivered in order.

A Stream starts in the Direct state, where Write attempts a single non-blocking write. When the kernel send buffer
cannot take the whole payload, the stream enters the Overflowing state: the unsent bytes and every later write are
appended to a temporary file, and a drain goroutine copies the file to the socket as the socket becomes writable.
Once the file has been fully drained it is removed and the stream goes back to Direct.

The future returned by Write resolves once the payload has been handed to the kernel, not when it was queued.
*/
package socket

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/guseggert/procpool/future"
	"go.uber.org/zap"
)

// State is the write state of a Stream.
type State int

const (
	StateDirect State = iota
	StateOverflowing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDirect:
		return "direct"
	case StateOverflowing:
		return "overflowing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const minDrainChunk = 8 << 10

type pendingWrite struct {
	end int64
	n   int
	f   *future.Future[int]
}

type closeCallback struct {
	id int
	fn func()
}

type Stream struct {
	log     *zap.SugaredLogger
	conn    net.Conn
	raw     syscall.RawConn
	br      *bufio.Reader
	tempDir string

	mu          sync.Mutex
	state       State
	overflow    *overflowBuffer
	flushed     int64
	pending     []pendingWrite
	drainDone   chan struct{}
	onClose     []closeCallback
	nextCloseID int

	readMu       sync.Mutex
	readArmed    bool
	readCanceled bool
}

type Option func(s *Stream)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Stream) {
		s.log = l
	}
}

// WithTempDir sets the directory overflow files are created in. Defaults to os.TempDir().
func WithTempDir(dir string) Option {
	return func(s *Stream) {
		s.tempDir = dir
	}
}

// New wraps conn, which must be a connected socket. On unix platforms conn must implement syscall.Conn.
func New(conn net.Conn, opts ...Option) (*Stream, error) {
	s := &Stream{
		log:  zap.NewNop().Sugar(),
		conn: conn,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.initRaw(); err != nil {
		return nil, fmt.Errorf("initializing stream: %w", err)
	}
	return s, nil
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) Overflowing() bool { return s.State() == StateOverflowing }

// OverflowPath returns the path of the current overflow file, or "" when the stream is not overflowing.
func (s *Stream) OverflowPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overflow == nil {
		return ""
	}
	return s.overflow.path
}

func (s *Stream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Write queues p for delivery. The returned future resolves with len(p) once every byte of p has been written to the socket.
// Bytes from successive calls reach the peer in call order.
func (s *Stream) Write(p []byte) *future.Future[int] {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return future.Rejected[int](&ConnectionError{Kind: KindClosed, Err: ErrClosed})
	case StateOverflowing:
		f, err := s.enqueueLocked(p, len(p))
		s.mu.Unlock()
		if err != nil {
			return s.failWrite(err)
		}
		return f
	}

	n, err := s.tryWrite(p)
	if err != nil {
		s.mu.Unlock()
		return future.Rejected[int](&ConnectionError{Kind: KindWrite, Err: err})
	}
	if n == len(p) {
		s.mu.Unlock()
		return future.Resolved(n)
	}

	s.log.Debugw("send buffer full, switching to overflow", "Written", n, "Remaining", len(p)-n)
	f, err := s.enqueueLocked(p[n:], len(p))
	s.mu.Unlock()
	if err != nil {
		return s.failWrite(err)
	}
	return f
}

// failWrite closes the stream after the overflow buffer could not take a write. The peer may already hold the
// head of that write, so nothing else may be sent after it.
func (s *Stream) failWrite(err error) *future.Future[int] {
	ce := &ConnectionError{Kind: KindWrite, Err: err}
	s.log.Debugw("overflow buffer failed, closing stream", "Error", err)
	s.closeWith(ce, true)
	return future.Rejected[int](ce)
}

// enqueueLocked appends rem to the overflow buffer, creating it and starting the drain if needed.
// total is the value the returned future resolves with.
func (s *Stream) enqueueLocked(rem []byte, total int) (*future.Future[int], error) {
	if s.overflow == nil {
		buf, err := newOverflowBuffer(s.tempDir)
		if err != nil {
			return nil, err
		}
		s.overflow = buf
		s.flushed = 0
		s.state = StateOverflowing
		s.drainDone = make(chan struct{})
		go s.drain(buf, s.drainDone)
	}
	if err := s.overflow.append(rem); err != nil {
		return nil, err
	}
	f := future.New[int]()
	s.pending = append(s.pending, pendingWrite{end: s.overflow.written, n: total, f: f})
	return f, nil
}

// drain copies the overflow buffer to the socket until it is empty, then returns the stream to Direct.
func (s *Stream) drain(buf *overflowBuffer, done chan struct{}) {
	defer close(done)
	chunk := make([]byte, s.drainChunkSize())
	for {
		s.mu.Lock()
		if s.overflow != buf {
			s.mu.Unlock()
			return
		}
		n, err := buf.next(chunk)
		if n == 0 && (err == nil || errors.Is(err, io.EOF)) && buf.pending() == 0 {
			s.overflow = nil
			s.state = StateDirect
			resolved := s.takeFlushedLocked()
			s.mu.Unlock()
			if derr := buf.destroy(); derr != nil {
				s.log.Debugw("error removing overflow file", "Path", buf.path, "Error", derr)
			}
			settle(resolved, nil)
			s.log.Debugw("overflow drained, back to direct writes", "Path", buf.path)
			return
		}
		s.mu.Unlock()

		if err != nil && !errors.Is(err, io.EOF) {
			s.failDrain(buf, fmt.Errorf("reading overflow file: %w", err))
			return
		}
		if n == 0 {
			continue
		}
		if err := s.writeAll(chunk[:n]); err != nil {
			s.failDrain(buf, err)
			return
		}

		s.mu.Lock()
		if s.overflow != buf {
			s.mu.Unlock()
			return
		}
		s.flushed += int64(n)
		resolved := s.takeFlushedLocked()
		s.mu.Unlock()
		settle(resolved, nil)
	}
}

// takeFlushedLocked removes and returns every pending write whose bytes have all been flushed.
func (s *Stream) takeFlushedLocked() []pendingWrite {
	i := 0
	for i < len(s.pending) && s.pending[i].end <= s.flushed {
		i++
	}
	done := s.pending[:i:i]
	s.pending = s.pending[i:]
	return done
}

func settle(writes []pendingWrite, err error) {
	for _, w := range writes {
		if err != nil {
			w.f.Reject(err)
			continue
		}
		w.f.Resolve(w.n)
	}
}

func (s *Stream) failDrain(buf *overflowBuffer, err error) {
	s.mu.Lock()
	if s.overflow != buf {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.log.Debugw("overflow drain failed, closing stream", "Error", err)
	s.closeWith(&ConnectionError{Kind: KindWrite, Err: err}, false)
}

func (s *Stream) drainChunkSize() int {
	n := s.lowWaterMark()
	if n < minDrainChunk {
		n = minDrainChunk
	}
	return n
}

// OnClose registers fn to run once when the stream is closed. It returns an id for CancelOnClose.
func (s *Stream) OnClose(fn func()) int {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		fn()
		return 0
	}
	s.nextCloseID++
	id := s.nextCloseID
	s.onClose = append(s.onClose, closeCallback{id: id, fn: fn})
	s.mu.Unlock()
	return id
}

func (s *Stream) CancelOnClose(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cb := range s.onClose {
		if cb.id == id {
			s.onClose = append(s.onClose[:i], s.onClose[i+1:]...)
			return
		}
	}
}

// Close closes the socket, removes any overflow file and rejects writes that were still pending.
func (s *Stream) Close() error {
	return s.closeWith(&ConnectionError{Kind: KindClosed, Err: ErrClosed}, true)
}

// closeWith closes the stream and rejects pending writes with reason.
// waitDrain must be false when called from the drain goroutine itself.
func (s *Stream) closeWith(reason error, waitDrain bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	buf := s.overflow
	s.overflow = nil
	pending := s.pending
	s.pending = nil
	callbacks := s.onClose
	s.onClose = nil
	drainDone := s.drainDone
	s.mu.Unlock()

	s.readMu.Lock()
	s.readCanceled = true
	s.readMu.Unlock()

	err := s.conn.Close()
	if waitDrain && drainDone != nil {
		<-drainDone
	}
	if buf != nil {
		if derr := buf.destroy(); derr != nil {
			s.log.Debugw("error removing overflow file", "Path", buf.path, "Error", derr)
		}
	}
	settle(pending, reason)
	for _, cb := range callbacks {
		cb.fn()
	}
	return err
}

// OnReadable starts a listener that calls fn each time the socket has data to read.
// Only one listener can be armed; later calls are ignored. The stream is closed when the peer closes its end.
func (s *Stream) OnReadable(fn func(*Stream)) {
	s.readMu.Lock()
	if s.readArmed || s.readCanceled {
		s.readMu.Unlock()
		return
	}
	s.readArmed = true
	s.readMu.Unlock()

	go func() {
		for {
			eof, err := s.waitReadable()
			s.readMu.Lock()
			canceled := s.readCanceled
			s.readMu.Unlock()
			if canceled {
				return
			}
			if err != nil {
				s.log.Debugw("readable listener stopped", "Error", err)
				s.Close()
				return
			}
			if eof {
				s.log.Debug("peer closed the stream")
				s.Close()
				return
			}
			fn(s)
		}
	}()
}

// CancelReadable stops the readable listener. fn is not called again after this returns.
func (s *Stream) CancelReadable() {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.readCanceled = true
}

// Receive performs one non-blocking read of up to length bytes.
// It returns (nil, nil) when no data is available and io.EOF once the peer has shut down its end.
// While a readable listener is armed, call Receive only from its callback: the listener goroutine holds the socket's
// read lock between callbacks, so a Receive from any other goroutine blocks until data arrives.
func (s *Stream) Receive(length int, flags int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := s.recv(buf, flags)
	if errors.Is(err, errWouldBlock) {
		return nil, nil
	}
	if err != nil {
		return nil, &ConnectionError{Kind: KindRead, Err: err}
	}
	if n == 0 && length > 0 {
		return nil, io.EOF
	}
	return buf[:n], nil
}

// ReadContinuously reads in chunks of length until no more data is immediately available, and returns everything read.
func (s *Stream) ReadContinuously(length int) ([]byte, error) {
	var content []byte
	for {
		b, err := s.Receive(length, 0)
		if err != nil {
			if errors.Is(err, io.EOF) && len(content) > 0 {
				return content, nil
			}
			return content, err
		}
		if len(b) == 0 {
			return content, nil
		}
		content = append(content, b...)
	}
}

var errWouldBlock = errors.New("operation would block")
