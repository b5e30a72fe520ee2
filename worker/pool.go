package worker

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/guseggert/procpool/process"
	"github.com/guseggert/procpool/socket"
	"go.uber.org/zap"
)

const drainTimeout = 2 * time.Second

// pool is the set of replica slots of one worker. Its fields are guarded by the manager's mutex.
type pool struct {
	m    *Manager
	w    Worker
	name string
	log  *zap.SugaredLogger

	count      int
	slots      map[int]*slot
	running    bool
	terminated bool
}

type slot struct {
	index int
	// gen increases every time the slot is (re)started, so that late callbacks from a previous replica are ignored
	gen      int
	state    State
	since    time.Time
	attempts int
	pid      int
	exitCode int
	ep       *endpoint
	rt       *process.Runtime
}

func newPool(m *Manager, w Worker) *pool {
	return &pool{
		m:     m,
		w:     w,
		name:  w.Name(),
		log:   m.log.Named(w.Name()),
		slots: map[int]*slot{},
	}
}

func (s *slot) event(worker string) Event {
	return Event{
		Replica:  Replica{Worker: worker, Index: s.index},
		Time:     s.since,
		State:    s.state,
		PID:      s.pid,
		ExitCode: s.exitCode,
		Attempts: s.attempts,
	}
}

func (s *slot) transitionLocked(worker string, st State) Event {
	s.state = st
	s.since = time.Now()
	return s.event(worker)
}

// run registers the pool and starts all of its replicas.
func (p *pool) run() {
	if err := p.w.Register(p.m); err != nil {
		p.log.Errorw("worker registration failed, removing it", "Error", err)
		p.m.remove(p.name)
		return
	}

	count := p.w.Count()
	if !process.SupportsProcessControl {
		count = 1
	}
	p.m.mut.Lock()
	p.count = count
	p.m.mut.Unlock()

	for i := 1; i <= count; i++ {
		if err := p.guard(i); err != nil {
			p.log.Errorw("unable to start replica, removing worker", "Index", i, "Error", err)
			p.terminate()
			p.m.remove(p.name)
			return
		}
	}

	p.m.mut.Lock()
	if !p.terminated {
		p.running = true
	}
	p.m.mut.Unlock()
	p.log.Infow("worker started", "Replicas", count)
}

// guard starts the replica for slot index.
func (p *pool) guard(index int) error {
	ours, theirs, err := socket.Pair()
	if err != nil {
		return err
	}
	ep, err := newEndpoint(p.log.With("Index", index), ours, p.m.tempDir)
	if err != nil {
		theirs.Close()
		return err
	}

	p.m.mut.Lock()
	s, ok := p.slots[index]
	if !ok {
		s = &slot{index: index}
		p.slots[index] = s
	}
	if s.ep != nil {
		p.m.mut.Unlock()
		ep.close()
		theirs.Close()
		return fmt.Errorf("replica %d of %q is already running", index, p.name)
	}
	s.gen++
	gen := s.gen
	s.ep = ep
	s.exitCode = 0
	ev := s.transitionLocked(p.name, StateStarting)
	p.m.mut.Unlock()
	p.m.publish(ev)

	ep.listen(func(cmd Command) {
		p.m.dispatch(p, index, gen, cmd)
	})

	env := []string{envIndex + "=" + strconv.Itoa(index)}
	if p.m.tempDir != "" {
		env = append(env, envTempDir+"="+p.m.tempDir)
	}
	rt, err := p.m.sup.Spawn(entryPrefix+p.name, process.SpawnOptions{
		Env:   env,
		Conns: []net.Conn{theirs},
	})
	if err != nil {
		p.m.mut.Lock()
		if s.gen == gen {
			s.ep = nil
			s.state = StateExited
		}
		p.m.mut.Unlock()
		ep.close()
		return fmt.Errorf("starting replica %d of %q: %w", index, p.name, err)
	}

	p.m.mut.Lock()
	s.rt = rt
	s.pid = rt.PID()
	p.m.mut.Unlock()
	p.log.Debugw("replica spawned", "Index", index, "PID", rt.PID())

	p.m.metrics.spawns.WithLabelValues(p.name).Inc()
	p.m.metrics.live.WithLabelValues(p.name).Inc()

	rt.Finally(func(code int, err error) {
		go func() {
			// let the read loop dispatch whatever the replica sent before exiting
			select {
			case <-ep.done():
			case <-time.After(drainTimeout):
			}
			p.onExit(index, gen, code, err)
		}()
	})
	return nil
}

// onExit tears down a replica's slot and decides whether to restart it.
func (p *pool) onExit(index, gen, code int, exitErr error) {
	exitCode := process.ExitCode(code, exitErr)

	p.m.mut.Lock()
	s, ok := p.slots[index]
	if !ok || s.gen != gen {
		p.m.mut.Unlock()
		return
	}
	ep := s.ep
	pid := s.pid
	s.ep = nil
	s.rt = nil
	s.exitCode = exitCode
	exited := s.transitionLocked(p.name, StateExited)
	if exitErr != nil {
		exited.Error = exitErr.Error()
	}
	s.pid = 0

	var (
		outcome  string
		restart  bool
		delay    time.Duration
		attempts int
	)
	switch {
	case exitErr == nil && code == ExitBootFailure:
		outcome = "boot_failure"
		s.state = StateAbandoned
		s.attempts = 0
	case p.terminated:
		outcome = "stopped"
		s.state = StateStoppedClean
		s.attempts = 0
	default:
		s.attempts++
		attempts = s.attempts
		if s.attempts > p.m.maxRestarts {
			outcome = "abandoned"
			s.state = StateAbandoned
			s.attempts = 0
		} else {
			outcome = "restart"
			restart = true
			delay = p.m.backoff(s.attempts)
			s.state = StateRestarting
		}
	}
	next := s.transitionLocked(p.name, s.state)
	next.Attempts = attempts
	next.Delay = delay

	p.m.metrics.live.WithLabelValues(p.name).Dec()
	p.m.metrics.exits.WithLabelValues(p.name, outcome).Inc()
	switch outcome {
	case "boot_failure":
		p.log.Errorw("worker boot failed, not restarting", "Index", index, "PID", pid)
	case "abandoned":
		p.log.Warnw("replica exited too many times, giving up", "Index", index, "PID", pid, "Attempts", attempts)
	case "restart":
		p.m.metrics.restarts.WithLabelValues(p.name).Inc()
		p.log.Debugw("replica exited, restarting", "Index", index, "PID", pid, "ExitCode", exitCode, "Attempt", attempts, "Delay", delay)
	}
	p.m.mut.Unlock()

	if ep != nil {
		ep.close()
	}
	p.m.publish(exited, next)

	if restart {
		p.m.afterFunc(delay, func() { p.restart(index, gen) })
	}
}

// restart re-runs guard for a slot whose backoff elapsed, unless the pool was terminated in the meantime.
func (p *pool) restart(index, gen int) {
	p.m.mut.Lock()
	s := p.slots[index]
	if s.gen != gen || s.state != StateRestarting {
		p.m.mut.Unlock()
		return
	}
	if p.terminated {
		ev := s.transitionLocked(p.name, StateStoppedClean)
		p.m.mut.Unlock()
		p.m.publish(ev)
		return
	}
	p.m.mut.Unlock()

	if err := p.guard(index); err != nil {
		p.log.Errorw("unable to restart replica", "Index", index, "Error", err)
		p.m.mut.Lock()
		ev := s.transitionLocked(p.name, StateAbandoned)
		p.m.mut.Unlock()
		p.m.publish(ev)
	}
}

// terminate sends one terminate command to every live replica and stops restarts. Only the first call has an effect.
func (p *pool) terminate() {
	p.m.mut.Lock()
	if p.terminated {
		p.m.mut.Unlock()
		return
	}
	p.terminated = true
	p.running = false
	p.m.mut.Unlock()

	p.log.Debug("terminating replicas")
	for _, t := range p.targets(nil) {
		if _, err, ok := t.ep.send(NewCommand(CommandTerminate)).Result(); ok && err != nil {
			p.log.Debugw("error sending terminate command", "Index", t.index, "Error", err)
			continue
		}
		p.m.metrics.commands.WithLabelValues(p.name, "out").Inc()
	}
}

type target struct {
	index int
	ep    *endpoint
}

// targets returns the live replicas among indices, or all live replicas when indices is empty.
func (p *pool) targets(indices []int) []target {
	p.m.mut.Lock()
	defer p.m.mut.Unlock()
	var out []target
	if len(indices) == 0 {
		for _, s := range p.slots {
			if s.ep != nil {
				out = append(out, target{index: s.index, ep: s.ep})
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
		return out
	}
	for _, i := range indices {
		if s, ok := p.slots[i]; ok && s.ep != nil {
			out = append(out, target{index: i, ep: s.ep})
		}
	}
	return out
}

// backoff returns the delay before restart attempt n, starting at 1.
func (m *Manager) backoff(n int) time.Duration {
	d := m.backoffBase
	for i := 1; i < n && d < m.backoffMax; i++ {
		d *= 2
	}
	if d > m.backoffMax {
		d = m.backoffMax
	}
	return d
}
