package process

import (
	"net"
	"os"
	"sort"
	"sync"

	"github.com/guseggert/procpool/future"
	"go.uber.org/zap"
)

// Supervisor starts children and settles their exit futures.
type Supervisor struct {
	log *zap.SugaredLogger

	handleShutdown bool
	exit           func(code int)

	mut      sync.Mutex
	children map[int]*Runtime
	nextKey  int

	sigCh     chan os.Signal
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

// WithShutdownSignals makes the supervisor forward SIGINT, SIGTERM and SIGQUIT to every child and then exit.
func WithShutdownSignals() Option {
	return func(s *Supervisor) {
		s.handleShutdown = true
	}
}

// WithExitFunc replaces os.Exit as the way the supervisor terminates itself after a shutdown signal.
func WithExitFunc(f func(code int)) Option {
	return func(s *Supervisor) {
		s.exit = f
	}
}

// SpawnOptions configures a child.
type SpawnOptions struct {
	// Env is appended to the parent's environment.
	Env []string
	// Conns are handed to the child, which retrieves them with Conn in the same order.
	// Spawn takes ownership of them and closes the parent's copies once the child has started.
	Conns []net.Conn
	// Stdout and Stderr default to the parent's.
	Stdout *os.File
	Stderr *os.File
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		log:      zap.NewNop().Sugar(),
		exit:     os.Exit,
		children: map[int]*Runtime{},
		sigCh:    make(chan os.Signal, 8),
		closed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.watchSignals()
	return s
}

// track registers a new child. The caller must hold s.mut.
func (s *Supervisor) trackLocked(key, pid int) *Runtime {
	rt := &Runtime{
		pid:  pid,
		key:  key,
		exit: future.New[int](),
	}
	s.children[key] = rt
	return rt
}

// untrackLocked forgets a child. The caller must hold s.mut and settle the future after releasing it.
func (s *Supervisor) untrackLocked(key int) *Runtime {
	rt, ok := s.children[key]
	if !ok {
		return nil
	}
	delete(s.children, key)
	return rt
}

type settlement struct {
	rt   *Runtime
	code int
	err  error
}

func (s *Supervisor) settle(settled []settlement) {
	for _, st := range settled {
		if st.err != nil {
			s.log.Debugw("child exited abnormally", "PID", st.rt.pid, "Error", st.err)
			st.rt.exit.Reject(st.err)
			continue
		}
		s.log.Debugw("child exited", "PID", st.rt.pid, "ExitCode", st.code)
		st.rt.exit.Resolve(st.code)
	}
}

// Children returns the runtimes of all children that have not been reaped yet, ordered by pid.
func (s *Supervisor) Children() []*Runtime {
	s.mut.Lock()
	defer s.mut.Unlock()
	out := make([]*Runtime, 0, len(s.children))
	for _, rt := range s.children {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func (s *Supervisor) Len() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.children)
}

// shutdown forwards sig to every child and terminates the supervising process.
func (s *Supervisor) shutdown(sig os.Signal) {
	s.log.Infow("received shutdown signal, forwarding to children", "Signal", sig)
	for _, rt := range s.Children() {
		if err := rt.signal(sig); err != nil {
			s.log.Debugw("error forwarding signal", "PID", rt.pid, "Error", err)
		}
	}
	s.exit(0)
}

// Close stops signal handling. Children that are still running are not signaled and their futures will not settle.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.stopSignals()
		close(s.closed)
		s.wg.Wait()
	})
}
