package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/guseggert/procpool/frame"
	"github.com/guseggert/procpool/future"
	"github.com/guseggert/procpool/socket"
	"go.uber.org/zap"
)

const readChunk = 16 << 10

// endpoint is one end of the command channel between the manager and a replica.
type endpoint struct {
	log    *zap.SugaredLogger
	stream *socket.Stream
	dec    *frame.Decoder

	mut  sync.Mutex
	last *future.Future[int]

	closed chan struct{}
}

func newEndpoint(log *zap.SugaredLogger, conn net.Conn, tempDir string) (*endpoint, error) {
	opts := []socket.Option{socket.WithLogger(log.Named("stream"))}
	if tempDir != "" {
		opts = append(opts, socket.WithTempDir(tempDir))
	}
	s, err := socket.New(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := &endpoint{
		log:    log,
		stream: s,
		dec:    frame.NewDecoder(),
		closed: make(chan struct{}),
	}
	s.OnClose(func() { close(e.closed) })
	return e, nil
}

// listen decodes incoming commands and passes them to dispatch, in order, from a single goroutine.
func (e *endpoint) listen(dispatch func(Command)) {
	e.stream.OnReadable(func(s *socket.Stream) {
		content, err := s.ReadContinuously(readChunk)
		if err != nil && !errors.Is(err, io.EOF) {
			e.log.Debugw("error reading commands", "Error", err)
		}
		msgs, err := e.dec.Decode(content)
		if err != nil {
			e.log.Debugw("error decoding commands", "Error", err)
		}
		for _, m := range msgs {
			cmd, err := decodeCommand(m)
			if err != nil {
				e.log.Debugw("dropping malformed command", "Error", err)
				continue
			}
			dispatch(cmd)
		}
	})
}

func (e *endpoint) send(cmd Command) *future.Future[int] {
	b, err := encodeCommand(cmd)
	if err != nil {
		return future.Rejected[int](err)
	}
	e.mut.Lock()
	defer e.mut.Unlock()
	f := e.stream.Write(b)
	e.last = f
	return f
}

// flush waits until everything sent so far has been handed to the kernel.
func (e *endpoint) flush(ctx context.Context) error {
	e.mut.Lock()
	last := e.last
	e.mut.Unlock()
	if last == nil {
		return nil
	}
	_, err := last.Await(ctx)
	return err
}

// done is closed once the stream is closed, which the read loop does after dispatching everything the peer sent
// before closing its end.
func (e *endpoint) done() <-chan struct{} {
	return e.closed
}

func (e *endpoint) close() error {
	return e.stream.Close()
}
