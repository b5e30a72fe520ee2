package worker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/procpool/future"
	"github.com/guseggert/procpool/process"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	entryPrefix = "worker/"

	envIndex    = "PROCPOOL_WORKER_INDEX"
	envTempDir  = "PROCPOOL_TEMP_DIR"
	envLogLevel = "PROCPOOL_LOG_LEVEL"

	hookQueueSize = 1024
	flushTimeout  = 5 * time.Second
)

// RemoteError is the rejection of a Request that the manager's handler failed.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command, e.Message)
}

type childOptions struct {
	logger *zap.Logger
}

type ChildOption func(o *childOptions)

// WithChildLogger sets the logger used inside replicas. By default replicas log to stderr at the level named by
// PROCPOOL_LOG_LEVEL.
func WithChildLogger(l *zap.Logger) ChildOption {
	return func(o *childOptions) {
		o.logger = l
	}
}

// RegisterChild registers the replica entry of w. Programs that run pools must call it for every worker before
// process.Init, so that the re-executed binary can find the entry. Manager.Add registers it too if needed.
func RegisterChild(w Worker, opts ...ChildOption) {
	co := childOptions{}
	for _, o := range opts {
		o(&co)
	}
	process.Register(entryPrefix+w.Name(), childEntry(w, co))
}

func childLogger(co childOptions) *zap.Logger {
	if co.logger != nil {
		return co.logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	if lvl := os.Getenv(envLogLevel); lvl != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(lvl)); err == nil {
			l = l.WithOptions(zap.IncreaseLevel(level))
		}
	}
	return l
}

func childEntry(w Worker, co childOptions) process.Entry {
	return func(ctx context.Context) int {
		index, _ := strconv.Atoi(os.Getenv(envIndex))
		log := childLogger(co).Named("worker").Named(w.Name()).Sugar().With("Index", index)

		conn, err := process.Conn(ctx, 0)
		if err != nil {
			log.Errorw("no command channel", "Error", err)
			return 1
		}
		ep, err := newEndpoint(log, conn, os.Getenv(envTempDir))
		if err != nil {
			log.Errorw("error setting up command channel", "Error", err)
			return 1
		}

		cctx, cancel := context.WithCancel(ctx)
		c := &Child{
			name:    w.Name(),
			index:   index,
			log:     log,
			ep:      ep,
			ctx:     cctx,
			cancel:  cancel,
			pending: map[string]pendingRequest{},
			hooks:   make(chan Command, hookQueueSize),
			exited:  make(chan struct{}),
		}
		return c.run(ctx, w)
	}
}

type pendingRequest struct {
	name string
	f    *future.Future[any]
}

// Child is a replica's view of its pool. It is passed to every Worker hook that runs in the replica.
type Child struct {
	name  string
	index int
	log   *zap.SugaredLogger
	ep    *endpoint

	ctx    context.Context
	cancel context.CancelFunc

	mut     sync.Mutex
	pending map[string]pendingRequest

	hooks chan Command

	exitOnce sync.Once
	exitCode int
	exited   chan struct{}
}

func (c *Child) Name() string { return c.name }

// Index is the replica's slot number, starting at 1.
func (c *Child) Index() int { return c.index }

func (c *Child) Logger() *zap.SugaredLogger { return c.log }

// Context is canceled when the replica is asked to stop by a signal or when it exits.
func (c *Child) Context() context.Context { return c.ctx }

// Send sends cmd to the manager without waiting for it to be delivered.
func (c *Child) Send(cmd Command) error {
	if _, err, ok := c.ep.send(cmd).Result(); ok && err != nil {
		return fmt.Errorf("sending command %q: %w", cmd.Name, err)
	}
	return nil
}

// Request sends cmd to the manager and waits for the handler's result.
func (c *Child) Request(ctx context.Context, cmd Command) (any, error) {
	id := uuid.NewString()
	args := make(map[string]any, len(cmd.Arguments)+1)
	for k, v := range cmd.Arguments {
		args[k] = v
	}
	args["id"] = id
	cmd.Arguments = args

	f := future.New[any]()
	c.mut.Lock()
	c.pending[id] = pendingRequest{name: cmd.Name, f: f}
	c.mut.Unlock()

	if err := c.Send(cmd); err != nil {
		c.forget(id)
		return nil, err
	}
	v, err := f.Await(ctx)
	if err != nil {
		c.forget(id)
		return nil, err
	}
	return v, nil
}

func (c *Child) forget(id string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	delete(c.pending, id)
}

// resolve settles the pending request a sync reply answers. Replies for unknown ids are ignored.
func (c *Child) resolve(reply Command) {
	id, _ := reply.String("id")
	c.mut.Lock()
	req, ok := c.pending[id]
	delete(c.pending, id)
	c.mut.Unlock()
	if !ok {
		c.log.Debugw("ignoring reply for unknown request", "ID", id)
		return
	}
	if msg, ok := reply.String("error"); ok {
		req.f.Reject(&RemoteError{Command: req.name, Message: msg})
		return
	}
	req.f.Resolve(reply.Arg("sync"))
}

// Exit makes the replica exit with code once pending sends are flushed. Only the first call has an effect.
func (c *Child) Exit(code int) {
	c.exitOnce.Do(func() {
		c.exitCode = code
		close(c.exited)
	})
}

func (c *Child) enqueue(cmd Command) {
	select {
	case c.hooks <- cmd:
	case <-c.exited:
	}
}

func (c *Child) dispatch(w Worker) {
	for {
		select {
		case <-c.exited:
			return
		case cmd := <-c.hooks:
			switch cmd.Name {
			case CommandReload:
				c.log.Debug("reloading")
				w.OnReload(c)
			case CommandTerminate:
				c.log.Debug("terminating")
				w.OnTerminate(c)
				c.Exit(0)
				return
			default:
				w.OnCommand(c, cmd)
			}
		}
	}
}

func (c *Child) run(signaled context.Context, w Worker) int {
	c.ep.listen(func(cmd Command) {
		if cmd.Name == CommandSyncID {
			c.resolve(cmd)
			return
		}
		c.enqueue(cmd)
	})
	c.ep.send(NewCommand(commandBooted, "pid", os.Getpid()))

	if err := w.Boot(c); err != nil {
		c.log.Errorw("worker boot failed", "Error", err)
		c.Exit(ExitBootFailure)
	} else {
		c.ep.send(NewCommand(commandRunning))
		go c.dispatch(w)
	}

	sig := signaled.Done()
	for {
		select {
		case <-c.exited:
			c.shutdown()
			return c.exitCode
		case <-c.ep.done():
			c.log.Debug("manager went away, exiting")
			c.Exit(0)
		case <-sig:
			sig = nil
			c.enqueue(Command{Name: CommandTerminate})
		}
	}
}

func (c *Child) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := c.ep.flush(ctx); err != nil {
		c.log.Debugw("error flushing commands", "Error", err)
	}
	c.cancel()
	c.ep.close()
}
