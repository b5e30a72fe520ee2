//go:build unix

package process_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os/exec"
	"syscall"
	"testing"

	"github.com/guseggert/procpool/process"
	"github.com/guseggert/procpool/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sup := newSupervisor(t)

	rt := spawnStoppable(t, sup)
	assert.Equal(t, 1, sup.Len())

	require.NoError(t, rt.Stop(false))
	code, err := rt.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestKill(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sup := newSupervisor(t)

	rt := spawnStoppable(t, sup)

	excepted := make(chan error, 1)
	rt.Except(func(err error) { excepted <- err })

	require.NoError(t, rt.Stop(true))
	_, err := rt.Await(ctx)
	var abnormal *process.AbnormalExitError
	require.True(t, errors.As(err, &abnormal))
	assert.Equal(t, rt.PID(), abnormal.PID)
	assert.Equal(t, syscall.SIGKILL, abnormal.Signal)
	assert.Equal(t, process.AbnormalExitCode, process.ExitCode(rt.Await(ctx)))
	assert.Equal(t, err, <-excepted)

	// signaling a reaped child is a no-op
	assert.NoError(t, rt.Signal(syscall.SIGTERM))
	assert.NoError(t, rt.Stop(false))
	assert.NoError(t, rt.Kill())
}

func TestForgottenBeforeContinuations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sup := newSupervisor(t)

	rt, err := sup.Spawn("exit-code", process.SpawnOptions{})
	require.NoError(t, err)

	lens := make(chan int, 1)
	rt.Finally(func(int, error) { lens <- sup.Len() })

	_, err = rt.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, <-lens)
	assert.Empty(t, sup.Children())
}

func TestInheritedConn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sup := newSupervisor(t)

	ours, theirs, err := socket.Pair()
	require.NoError(t, err)
	defer ours.Close()

	rt, err := sup.Spawn("upper", process.SpawnOptions{Conns: []net.Conn{theirs}})
	require.NoError(t, err)

	_, err = ours.Write([]byte("hello\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(ours).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HELLO\n", line)

	code, err := rt.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestUntrackedChildrenAreLeftAlone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sup := newSupervisor(t)

	cmd := exec.Command("sh", "-c", "sleep 0.2; exit 5")
	require.NoError(t, cmd.Start())

	// generate SIGCHLDs while the untracked child is running
	for i := 0; i < 3; i++ {
		rt, err := sup.Spawn("exit-code", process.SpawnOptions{})
		require.NoError(t, err)
		_, err = rt.Await(ctx)
		require.NoError(t, err)
	}

	err := cmd.Wait()
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "os/exec should still collect its own child, got %v", err)
	assert.Equal(t, 5, exitErr.ExitCode())
}
