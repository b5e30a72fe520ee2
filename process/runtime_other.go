//go:build !unix

package process

import (
	"os"
	"syscall"
)

// Stop terminates the current process, since the child is not a separate process.
func (r *Runtime) Stop(force bool) error {
	os.Exit(0)
	return nil
}

func (r *Runtime) Kill() error {
	os.Exit(0)
	return nil
}

// Signal does nothing on this platform.
func (r *Runtime) Signal(sig syscall.Signal) error {
	return nil
}

func (r *Runtime) signal(os.Signal) error {
	return nil
}
