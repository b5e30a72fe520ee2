//go:build unix

package process

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Stop asks the child to terminate with SIGTERM, or kills it with SIGKILL when force is set.
func (r *Runtime) Stop(force bool) error {
	if force {
		return r.Kill()
	}
	return r.Signal(unix.SIGTERM)
}

func (r *Runtime) Kill() error {
	return r.Signal(unix.SIGKILL)
}

// Signal sends sig to the child. Signaling a child that has exited is a no-op, its pid is never used again.
func (r *Runtime) Signal(sig syscall.Signal) error {
	select {
	case <-r.exit.Done():
		return nil
	default:
	}
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.reaped {
		return nil
	}
	err := unix.Kill(r.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sending %s to process %d: %w", sig, r.pid, err)
	}
	return nil
}

func (r *Runtime) signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	return r.Signal(s)
}
