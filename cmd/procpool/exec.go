//go:build unix

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/procpool/worker"
	"golang.org/x/sys/unix"
)

// envExec carries the exec worker's spec from the manager to its replicas, which cannot see the command line.
const envExec = "PROCPOOL_EXEC"

type execSpec struct {
	Name        string        `json:"name"`
	Count       int           `json:"count"`
	Command     []string      `json:"command"`
	StopTimeout time.Duration `json:"stopTimeout"`
}

func (s execSpec) validate() error {
	if s.Name == "" {
		return errors.New("worker name is empty")
	}
	if len(s.Command) == 0 {
		return errors.New("no command given")
	}
	return nil
}

func (s execSpec) export() error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding exec spec: %w", err)
	}
	return os.Setenv(envExec, string(b))
}

func execSpecFromEnv() (execSpec, bool, error) {
	v, ok := os.LookupEnv(envExec)
	if !ok {
		return execSpec{}, false, nil
	}
	var s execSpec
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return execSpec{}, false, fmt.Errorf("decoding %s: %w", envExec, err)
	}
	return s, true, s.validate()
}

// execWorker runs a command in every replica. The replica exits with the command's status (see exitStatus), reloads
// become SIGHUP and terminations SIGTERM, followed by SIGKILL after the stop timeout.
type execWorker struct {
	spec execSpec

	mut  sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func newExecWorker(spec execSpec) *execWorker {
	return &execWorker{spec: spec}
}

func (w *execWorker) Name() string { return w.spec.Name }

func (w *execWorker) Count() int {
	if w.spec.Count < 1 {
		return 1
	}
	return w.spec.Count
}

func (w *execWorker) Register(m *worker.Manager) error { return nil }

func (w *execWorker) Boot(c *worker.Child) error {
	cmd := exec.Command(w.spec.Command[0], w.spec.Command[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", w.spec.Command[0], err)
	}
	done := make(chan struct{})
	w.mut.Lock()
	w.cmd = cmd
	w.done = done
	w.mut.Unlock()

	c.Logger().Infow("command started", "Command", w.spec.Command, "PID", cmd.Process.Pid)
	go func() {
		err := cmd.Wait()
		code := exitStatus(cmd.ProcessState)
		c.Logger().Infow("command exited", "Code", code, "Error", err)
		close(done)
		c.Exit(code)
	}()
	return nil
}

// exitStatus maps a signaled command to 128+signal, the way shells do. A command exiting with
// worker.ExitBootFailure is reported as 255, so that the manager restarts it instead of treating it as a replica that
// failed to boot.
func exitStatus(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := ps.ExitCode(); code != worker.ExitBootFailure {
		return code
	}
	return 255
}

func (w *execWorker) signal(c *worker.Child, sig syscall.Signal) {
	w.mut.Lock()
	cmd := w.cmd
	w.mut.Unlock()
	if cmd == nil {
		return
	}
	if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.Logger().Warnw("unable to signal command", "Signal", unix.SignalName(sig), "Error", err)
	}
}

func (w *execWorker) OnReload(c *worker.Child) {
	w.signal(c, unix.SIGHUP)
}

func (w *execWorker) OnTerminate(c *worker.Child) {
	w.mut.Lock()
	done := w.done
	w.mut.Unlock()
	if done == nil {
		return
	}
	w.signal(c, unix.SIGTERM)
	timeout := w.spec.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
		return
	case <-time.After(timeout):
	}
	c.Logger().Warnw("command did not stop in time, killing it", "Timeout", timeout)
	w.signal(c, unix.SIGKILL)
	<-done
}

// OnCommand handles "signal", which forwards the signal named by the "signal" argument (e.g. "SIGUSR1").
func (w *execWorker) OnCommand(c *worker.Child, cmd worker.Command) {
	if cmd.Name != "signal" {
		c.Logger().Debugw("ignoring command", "Command", cmd.Name)
		return
	}
	name, _ := cmd.String("signal")
	sig := unix.SignalNum(name)
	if sig == 0 {
		c.Logger().Warnw("unknown signal", "Signal", name)
		return
	}
	w.signal(c, sig)
}
