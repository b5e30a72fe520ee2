//go:build unix

package process

import (
	"os/exec"
	"testing"
	"time"

	"github.com/guseggert/procpool/future"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// A settled runtime whose pid now belongs to an unrelated process must not signal it.
func TestSignalAfterExitSkipsReusedPID(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()
	t.Cleanup(func() {
		cmd.Process.Kill()
		<-exited
	})

	runtimes := map[string]*Runtime{
		"settled": {pid: cmd.Process.Pid, exit: future.Resolved(0)},
		"reaped":  {pid: cmd.Process.Pid, exit: future.New[int](), reaped: true},
	}
	for name, rt := range runtimes {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, rt.Stop(false))
			assert.NoError(t, rt.Kill())
			assert.NoError(t, rt.Signal(unix.SIGTERM))
		})
	}

	select {
	case <-exited:
		t.Fatal("unrelated process was signaled")
	case <-time.After(200 * time.Millisecond):
	}
	assert.NoError(t, unix.Kill(cmd.Process.Pid, 0))
}
