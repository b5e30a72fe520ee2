package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/procpool/process"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager runs pools of replica processes, restarts replicas that exit, and routes commands between the pools
// and the application.
type Manager struct {
	log *zap.SugaredLogger
	sup *process.Supervisor

	maxRestarts int
	backoffBase time.Duration
	backoffMax  time.Duration
	stopTimeout time.Duration
	afterFunc   func(d time.Duration, f func())
	registerer  prometheus.Registerer
	tempDir     string

	metrics *metrics
	events  *broadcaster

	mut      sync.Mutex
	pools    map[string]*pool
	order    []string
	handlers map[string]Handler
	started  bool
}

type Option func(m *Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.log = l.Named("manager").Sugar()
	}
}

// WithMaxRestarts sets how many times a slot is restarted before it is abandoned. Defaults to 10.
func WithMaxRestarts(n int) Option {
	return func(m *Manager) {
		m.maxRestarts = n
	}
}

// WithBackoff sets the restart delay, which doubles after every attempt starting from base and is capped at max.
// Defaults to 100ms and 30s.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		m.backoffBase = base
		m.backoffMax = max
	}
}

// WithStopTimeout bounds how long Run waits for replicas to exit after its context is canceled. Defaults to 10s.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.stopTimeout = d
	}
}

// WithAfterFunc replaces time.AfterFunc for scheduling restarts.
func WithAfterFunc(f func(d time.Duration, fn func())) Option {
	return func(m *Manager) {
		m.afterFunc = f
	}
}

// WithRegisterer registers the manager's metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Manager) {
		m.registerer = r
	}
}

// WithHandler installs a handler for commands named name sent by replicas.
func WithHandler(name string, h Handler) Option {
	return func(m *Manager) {
		m.handlers[name] = h
	}
}

// WithTempDir sets the directory for the overflow files of command channels.
func WithTempDir(dir string) Option {
	return func(m *Manager) {
		m.tempDir = dir
	}
}

func NewManager(sup *process.Supervisor, opts ...Option) *Manager {
	m := &Manager{
		log:         zap.NewNop().Sugar(),
		sup:         sup,
		maxRestarts: 10,
		backoffBase: 100 * time.Millisecond,
		backoffMax:  30 * time.Second,
		stopTimeout: 10 * time.Second,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		metrics:  newMetrics(),
		events:   newBroadcaster(),
		pools:    map[string]*pool{},
		handlers: map[string]Handler{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.registerer != nil {
		if err := m.metrics.register(m.registerer); err != nil {
			m.log.Warnw("unable to register metrics", "Error", err)
		}
	}
	return m
}

// Add adds a pool for w. Pools added after Start are started immediately.
func (m *Manager) Add(w Worker) error {
	name := w.Name()
	m.mut.Lock()
	if _, ok := m.pools[name]; ok {
		m.mut.Unlock()
		return fmt.Errorf("adding %q: %w", name, ErrDuplicateWorker)
	}
	p := newPool(m, w)
	m.pools[name] = p
	m.order = append(m.order, name)
	started := m.started
	m.mut.Unlock()

	if !process.Registered(entryPrefix + name) {
		RegisterChild(w)
	}
	if started {
		p.run()
	}
	return nil
}

func (m *Manager) remove(name string) {
	m.mut.Lock()
	defer m.mut.Unlock()
	delete(m.pools, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) pool(name string) (*pool, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	p, ok := m.pools[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownWorker)
	}
	return p, nil
}

func (m *Manager) poolsInOrder() []*pool {
	m.mut.Lock()
	defer m.mut.Unlock()
	out := make([]*pool, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.pools[n])
	}
	return out
}

// Start starts every pool. Pools whose Register hook or first spawn fails are logged and removed.
func (m *Manager) Start() error {
	m.mut.Lock()
	if m.started {
		m.mut.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mut.Unlock()

	for _, p := range m.poolsInOrder() {
		p.run()
	}
	return nil
}

// Run starts every pool, waits for ctx to be done, then stops them.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	m.log.Debug("context done, stopping pools")
	stopCtx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
	defer cancel()
	return m.Stop(stopCtx)
}

// Stop terminates every pool and waits for the replicas to exit. Replicas still running when ctx is done are killed.
func (m *Manager) Stop(ctx context.Context) error {
	for _, p := range m.poolsInOrder() {
		p.terminate()
	}

	var runtimes []*process.Runtime
	m.mut.Lock()
	for _, p := range m.pools {
		for _, s := range p.slots {
			if s.rt != nil {
				runtimes = append(runtimes, s.rt)
			}
		}
	}
	m.mut.Unlock()

	var g errgroup.Group
	for _, rt := range runtimes {
		rt := rt
		g.Go(func() error {
			select {
			case <-rt.Done():
				return nil
			case <-ctx.Done():
			}
			m.log.Warnw("replica did not exit in time, killing it", "PID", rt.PID())
			if err := rt.Kill(); err != nil {
				return err
			}
			killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			select {
			case <-rt.Done():
				return ctx.Err()
			case <-killCtx.Done():
				return fmt.Errorf("replica %d did not exit after being killed", rt.PID())
			}
		})
	}
	return g.Wait()
}

// Handle installs h for commands named name sent by replicas, replacing any previous handler.
func (m *Manager) Handle(name string, h Handler) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.handlers[name] = h
}

// SendCommand sends cmd to the given replicas of the pool, or to all of its live replicas when no index is given.
// Indices without a live replica are skipped.
func (m *Manager) SendCommand(cmd Command, name string, indices ...int) error {
	p, err := m.pool(name)
	if err != nil {
		return err
	}
	var merr error
	for _, t := range p.targets(indices) {
		if _, err, ok := t.ep.send(cmd).Result(); ok && err != nil {
			merr = errors.Join(merr, fmt.Errorf("sending %q to replica %d of %q: %w", cmd.Name, t.index, name, err))
			continue
		}
		m.metrics.commands.WithLabelValues(name, "out").Inc()
	}
	return merr
}

// Reload asks every live replica of the pool to reload.
func (m *Manager) Reload(name string) error {
	return m.SendCommand(NewCommand(CommandReload), name)
}

// Terminate asks every live replica of the pool to terminate and stops restarting them. Only the first call sends
// anything.
func (m *Manager) Terminate(name string) error {
	p, err := m.pool(name)
	if err != nil {
		return err
	}
	p.terminate()
	return nil
}

// Guard starts the replica in slot index, resetting its restart attempts. It revives slots that were abandoned or
// stopped, and clears the pool's terminated state. Guarding a live slot fails and leaves the pool untouched.
func (m *Manager) Guard(name string, index int) error {
	p, err := m.pool(name)
	if err != nil {
		return err
	}
	if index < 1 {
		return fmt.Errorf("invalid replica index %d", index)
	}
	m.mut.Lock()
	s, ok := p.slots[index]
	if ok && s.ep != nil {
		m.mut.Unlock()
		return fmt.Errorf("replica %d of %q is already running", index, name)
	}
	p.terminated = false
	p.running = true
	if ok {
		s.attempts = 0
	}
	m.mut.Unlock()
	return p.guard(index)
}

// SlotStatus describes one replica slot.
type SlotStatus struct {
	Index       int       `json:"index"`
	PID         int       `json:"pid,omitempty"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	ExitCode    int       `json:"exitCode"`
	Overflowing bool      `json:"overflowing"`
	Since       time.Time `json:"since"`
}

// PoolStatus describes a pool and its slots.
type PoolStatus struct {
	Name       string       `json:"name"`
	Count      int          `json:"count"`
	Running    bool         `json:"running"`
	Terminated bool         `json:"terminated"`
	Slots      []SlotStatus `json:"slots"`
}

func (m *Manager) Status() []PoolStatus {
	pools := m.poolsInOrder()
	m.mut.Lock()
	defer m.mut.Unlock()
	out := make([]PoolStatus, 0, len(pools))
	for _, p := range pools {
		ps := PoolStatus{
			Name:       p.name,
			Count:      p.count,
			Running:    p.running,
			Terminated: p.terminated,
		}
		for _, s := range p.slots {
			ss := SlotStatus{
				Index:    s.index,
				PID:      s.pid,
				State:    s.state,
				Attempts: s.attempts,
				ExitCode: s.exitCode,
				Since:    s.since,
			}
			if s.ep != nil {
				ss.Overflowing = s.ep.stream.Overflowing()
			}
			ps.Slots = append(ps.Slots, ss)
		}
		sort.Slice(ps.Slots, func(i, j int) bool { return ps.Slots[i].Index < ps.Slots[j].Index })
		out = append(out, ps)
	}
	return out
}

// Events subscribes to slot state transitions. The returned function ends the subscription and closes the channel.
// Events are dropped for subscribers that fall behind.
func (m *Manager) Events() (<-chan Event, func()) {
	return m.events.subscribe()
}

func (m *Manager) publish(events ...Event) {
	for _, e := range events {
		m.log.Debugw("replica state changed", "Worker", e.Worker, "Index", e.Index, "State", e.State, "PID", e.PID)
		m.events.publish(e)
	}
}

// dispatch routes a command received from a replica. Commands from a slot generation that is no longer current are
// dropped.
func (m *Manager) dispatch(p *pool, index, gen int, cmd Command) {
	m.mut.Lock()
	s, ok := p.slots[index]
	if !ok || s.gen != gen || s.ep == nil {
		m.mut.Unlock()
		return
	}
	switch cmd.Name {
	case commandBooted:
		ev := s.transitionLocked(p.name, StateBooted)
		m.mut.Unlock()
		m.publish(ev)
		return
	case commandRunning:
		ev := s.transitionLocked(p.name, StateRunning)
		m.mut.Unlock()
		m.publish(ev)
		return
	}
	h := m.handlers[cmd.Name]
	ep := s.ep
	m.mut.Unlock()

	m.metrics.commands.WithLabelValues(p.name, "in").Inc()
	from := Replica{Worker: p.name, Index: index}
	id, wantsReply := cmd.String("id")

	var (
		v   any
		err error
	)
	if h == nil {
		m.log.Debugw("no handler for command", "Worker", p.name, "Index", index, "Command", cmd.Name)
		err = fmt.Errorf("no handler for %q", cmd.Name)
	} else {
		v, err = h(from, cmd)
	}
	if !wantsReply {
		if err != nil && h != nil {
			m.log.Debugw("command handler failed", "Worker", p.name, "Index", index, "Command", cmd.Name, "Error", err)
		}
		return
	}
	ep.send(syncReply(id, v, err))
}
