package process

import (
	"errors"
	"fmt"
	"syscall"
)

// AbnormalExitCode is reported by ExitCode for children that did not exit normally.
const AbnormalExitCode = -1

// AbnormalExitError is the rejection of an exit future for a child that was terminated by a signal.
type AbnormalExitError struct {
	PID    int
	Signal syscall.Signal
}

func (e *AbnormalExitError) Error() string {
	return fmt.Sprintf("process %d terminated abnormally by signal %q", e.PID, e.Signal)
}

// WaitError is the rejection of an exit future when the child's status could not be collected.
type WaitError struct {
	PID int
	Err error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("waiting for process %d: %s", e.PID, e.Err)
}

func (e *WaitError) Unwrap() error { return e.Err }

// ErrNoEntry is returned when spawning an entry that was never registered.
var ErrNoEntry = errors.New("no entry registered")

// ExitCode collapses an exit future's result into a single code.
func ExitCode(code int, err error) int {
	if err != nil {
		return AbnormalExitCode
	}
	return code
}
