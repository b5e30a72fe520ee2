//go:build unix

package process

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/guseggert/procpool/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestShutdownForwardsSignal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exited := make(chan int, 1)
	sup := NewSupervisor(WithShutdownSignals(), WithExitFunc(func(code int) { exited <- code }))
	t.Cleanup(sup.Close)

	var children []*Runtime
	for i := 0; i < 2; i++ {
		ours, theirs, err := socket.Pair()
		require.NoError(t, err)
		defer ours.Close()
		// registered by TestMain
		rt, err := sup.Spawn("wait-for-stop", SpawnOptions{Conns: []net.Conn{theirs}})
		require.NoError(t, err)
		_, err = io.ReadFull(ours, make([]byte, 1))
		require.NoError(t, err)
		children = append(children, rt)
	}

	sup.shutdown(unix.SIGTERM)
	assert.Equal(t, 0, <-exited)

	for _, rt := range children {
		code, err := rt.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, code)
	}
}
