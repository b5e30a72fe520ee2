package worker

import (
	"errors"
)

// ExitBootFailure is the exit status of a replica whose Boot hook failed. Such replicas are never restarted.
const ExitBootFailure = 128

var (
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrDuplicateWorker = errors.New("worker already added")
)

// Worker is implemented by applications to run a pool of replica processes.
//
// Name, Count and Register are called in the manager process. Boot and the On* hooks are called in the replica.
// Hooks run one at a time, in the order their commands arrived.
type Worker interface {
	// Name identifies the pool. It must be stable across processes.
	Name() string
	// Count is the number of replicas to keep running.
	Count() int
	// Register is called once before any replica starts. A failure removes the pool.
	Register(m *Manager) error
	// Boot runs when a replica starts. A failure makes the replica exit with ExitBootFailure.
	Boot(c *Child) error
	// OnReload asks the replica to reload. A replica that exits in response is restarted.
	OnReload(c *Child)
	// OnTerminate asks the replica to release its resources. The replica exits with status 0 once it returns,
	// unless it already called Exit.
	OnTerminate(c *Child)
	// OnCommand receives every command that is not reserved.
	OnCommand(c *Child, cmd Command)
}

// Replica identifies one slot of a pool.
type Replica struct {
	Worker string `json:"worker"`
	Index  int    `json:"index"`
}

// Handler handles a command sent by a replica. When the command carries an "id" argument, the result is sent back
// to the replica as the answer to its Request.
type Handler func(from Replica, cmd Command) (any, error)

// Funcs adapts a set of functions to the Worker interface. Nil hooks do nothing.
type Funcs struct {
	WorkerName    string
	Replicas      int
	RegisterFunc  func(m *Manager) error
	BootFunc      func(c *Child) error
	ReloadFunc    func(c *Child)
	TerminateFunc func(c *Child)
	CommandFunc   func(c *Child, cmd Command)
}

func (f *Funcs) Name() string { return f.WorkerName }

func (f *Funcs) Count() int {
	if f.Replicas < 1 {
		return 1
	}
	return f.Replicas
}

func (f *Funcs) Register(m *Manager) error {
	if f.RegisterFunc == nil {
		return nil
	}
	return f.RegisterFunc(m)
}

func (f *Funcs) Boot(c *Child) error {
	if f.BootFunc == nil {
		return nil
	}
	return f.BootFunc(c)
}

func (f *Funcs) OnReload(c *Child) {
	if f.ReloadFunc != nil {
		f.ReloadFunc(c)
	}
}

func (f *Funcs) OnTerminate(c *Child) {
	if f.TerminateFunc != nil {
		f.TerminateFunc(c)
	}
}

func (f *Funcs) OnCommand(c *Child, cmd Command) {
	if f.CommandFunc != nil {
		f.CommandFunc(c, cmd)
	}
}
