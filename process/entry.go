package process

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/docker/docker/pkg/reexec"
)

// Entry is the code run by a child process. Its return value is the child's exit status.
// ctx is canceled when the child receives SIGINT, SIGTERM or SIGQUIT.
type Entry func(ctx context.Context) int

const (
	childArg0 = "procpool-child"
	envEntry  = "PROCPOOL_ENTRY"
	envConns  = "PROCPOOL_CONNS"

	// ExitNoEntry is the status of a child whose entry is not registered in the re-executed binary.
	ExitNoEntry = 127
)

var (
	entriesMut sync.Mutex
	entries    = map[string]Entry{}
)

func init() {
	reexec.Register(childArg0, runChild)
}

// Register makes entry available to Spawn under name. It must be called in both the parent and the child,
// so it belongs before Init in main or in an init function. Registering a name again replaces the entry.
func Register(name string, entry Entry) {
	entriesMut.Lock()
	defer entriesMut.Unlock()
	entries[name] = entry
}

// Registered reports whether an entry is registered under name.
func Registered(name string) bool {
	return lookup(name) != nil
}

func lookup(name string) Entry {
	entriesMut.Lock()
	defer entriesMut.Unlock()
	return entries[name]
}

// Init runs the registered entry if the current process was started by Spawn, and reports whether it did.
// In a child, Init does not return: the process exits with the entry's status.
func Init() bool {
	return reexec.Init()
}

func runChild() {
	name := os.Getenv(envEntry)
	entry := lookup(name)
	if entry == nil {
		fmt.Fprintf(os.Stderr, "procpool: %s: %q\n", ErrNoEntry, name)
		os.Exit(ExitNoEntry)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	code := entry(ctx)
	cancel()
	os.Exit(code)
}
