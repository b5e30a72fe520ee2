package process

import (
	"context"
	"sync"

	"github.com/guseggert/procpool/future"
)

// Runtime is the handle to a spawned child. It exposes the child's exit future and signal delivery.
type Runtime struct {
	pid  int
	key  int
	exit *future.Future[int]

	// mut orders signal delivery against reaping, once reaped is set the pid may belong to another process
	mut    sync.Mutex
	reaped bool
}

func (r *Runtime) PID() int { return r.pid }

// Future returns the child's exit future.
func (r *Runtime) Future() *future.Future[int] { return r.exit }

// Then registers fn to run with the exit code when the child exits normally.
func (r *Runtime) Then(fn func(code int)) *Runtime {
	r.exit.Then(fn)
	return r
}

// Except registers fn to run when the child terminates abnormally.
func (r *Runtime) Except(fn func(err error)) *Runtime {
	r.exit.Except(fn)
	return r
}

// Finally registers fn to run however the child terminates.
func (r *Runtime) Finally(fn func(code int, err error)) *Runtime {
	r.exit.Finally(fn)
	return r
}

// Await blocks until the child terminates or ctx is done.
func (r *Runtime) Await(ctx context.Context) (int, error) {
	return r.exit.Await(ctx)
}

func (r *Runtime) Done() <-chan struct{} { return r.exit.Done() }
