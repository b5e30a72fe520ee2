//go:build unix

package process

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/docker/docker/pkg/reexec"
	"golang.org/x/sys/unix"
)

// SupportsProcessControl reports whether children are real processes.
const SupportsProcessControl = true

type filer interface {
	File() (*os.File, error)
}

// Spawn starts a child process running the entry registered under name.
// The exit future is registered before Spawn returns, so an immediate exit is never missed.
func (s *Supervisor) Spawn(name string, opts SpawnOptions) (*Runtime, error) {
	defer closeConns(opts.Conns)

	if lookup(name) == nil {
		return nil, fmt.Errorf("spawning %q: %w", name, ErrNoEntry)
	}

	files := make([]*os.File, 0, len(opts.Conns))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for i, c := range opts.Conns {
		fc, ok := c.(filer)
		if !ok {
			return nil, fmt.Errorf("spawning %q: conn %d (%T) cannot be inherited", name, i, c)
		}
		f, err := fc.File()
		if err != nil {
			return nil, fmt.Errorf("spawning %q: getting file for conn %d: %w", name, i, err)
		}
		files = append(files, f)
	}

	cmd := reexec.Command(childArg0)
	if cmd == nil {
		return nil, fmt.Errorf("spawning %q: re-executing is not supported on this platform", name)
	}
	cmd.Env = append(os.Environ(), envEntry+"="+name, envConns+"="+strconv.Itoa(len(files)))
	cmd.Env = append(cmd.Env, opts.Env...)
	cmd.ExtraFiles = files
	cmd.Stdout = opts.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	// the reap loop takes s.mut, so a SIGCHLD that arrives before registration waits for it
	s.mut.Lock()
	if err := cmd.Start(); err != nil {
		s.mut.Unlock()
		return nil, fmt.Errorf("spawning %q: %w", name, err)
	}
	pid := cmd.Process.Pid
	rt := s.trackLocked(pid, pid)
	s.mut.Unlock()

	// the child is reaped with wait4, not through os.Process
	if err := cmd.Process.Release(); err != nil {
		s.log.Debugw("error releasing process handle", "PID", pid, "Error", err)
	}
	s.log.Debugw("spawned child", "Entry", name, "PID", pid, "Conns", len(files))

	s.reap()
	return rt, nil
}

func closeConns(conns []net.Conn) {
	for _, c := range conns {
		c.Close()
	}
}

// reap collects the status of every tracked child that has terminated.
func (s *Supervisor) reap() {
	var settled []settlement
	s.mut.Lock()
	for key, rt := range s.children {
		var (
			ws  unix.WaitStatus
			pid int
			err error
		)
		rt.mut.Lock()
		for {
			pid, err = unix.Wait4(rt.pid, &ws, unix.WNOHANG, nil)
			if !errors.Is(err, unix.EINTR) {
				break
			}
		}
		if err != nil || (pid != 0 && (ws.Exited() || ws.Signaled())) {
			rt.reaped = true
		}
		rt.mut.Unlock()
		if err != nil {
			s.untrackLocked(key)
			s.log.Errorw("error waiting for child", "PID", rt.pid, "Error", err)
			settled = append(settled, settlement{rt: rt, err: &WaitError{PID: rt.pid, Err: err}})
			continue
		}
		if pid == 0 {
			continue
		}
		switch {
		case ws.Exited():
			s.untrackLocked(key)
			settled = append(settled, settlement{rt: rt, code: ws.ExitStatus()})
		case ws.Signaled():
			s.untrackLocked(key)
			settled = append(settled, settlement{rt: rt, err: &AbnormalExitError{PID: rt.pid, Signal: ws.Signal()}})
		}
	}
	s.mut.Unlock()
	s.settle(settled)
}

func (s *Supervisor) watchSignals() {
	sigs := []os.Signal{unix.SIGCHLD}
	if s.handleShutdown {
		sigs = append(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT)
	}
	signal.Notify(s.sigCh, sigs...)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.closed:
				return
			case sig := <-s.sigCh:
				if sig == unix.SIGCHLD {
					s.reap()
					continue
				}
				s.shutdown(sig)
			}
		}
	}()
}

func (s *Supervisor) stopSignals() {
	signal.Stop(s.sigCh)
}
