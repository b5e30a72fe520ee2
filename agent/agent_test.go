package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	inet "github.com/guseggert/procpool/internal/net"
	"github.com/guseggert/procpool/worker"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.Logger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l
}

type sentCommand struct {
	cmd     worker.Command
	name    string
	indices []int
}

type fakePools struct {
	mut        sync.Mutex
	reloaded   []string
	terminated []string
	guarded    []string
	sent       []sentCommand
	events     chan worker.Event
	subscribed chan struct{}
}

func newFakePools() *fakePools {
	return &fakePools{events: make(chan worker.Event, 16), subscribed: make(chan struct{}, 1)}
}

func (f *fakePools) check(name string) error {
	if name != "web" {
		return fmt.Errorf("%q: %w", name, worker.ErrUnknownWorker)
	}
	return nil
}

func (f *fakePools) Status() []worker.PoolStatus {
	return []worker.PoolStatus{{
		Name:    "web",
		Count:   2,
		Running: true,
		Slots: []worker.SlotStatus{
			{Index: 1, PID: os.Getpid(), State: worker.StateRunning},
			{Index: 2, State: worker.StateRestarting, Attempts: 3, ExitCode: 1},
		},
	}}
}

func (f *fakePools) Reload(name string) error {
	if err := f.check(name); err != nil {
		return err
	}
	f.mut.Lock()
	defer f.mut.Unlock()
	f.reloaded = append(f.reloaded, name)
	return nil
}

func (f *fakePools) Terminate(name string) error {
	if err := f.check(name); err != nil {
		return err
	}
	f.mut.Lock()
	defer f.mut.Unlock()
	f.terminated = append(f.terminated, name)
	return nil
}

func (f *fakePools) Guard(name string, index int) error {
	if err := f.check(name); err != nil {
		return err
	}
	f.mut.Lock()
	defer f.mut.Unlock()
	f.guarded = append(f.guarded, fmt.Sprintf("%s/%d", name, index))
	return nil
}

func (f *fakePools) SendCommand(cmd worker.Command, name string, indices ...int) error {
	if err := f.check(name); err != nil {
		return err
	}
	f.mut.Lock()
	defer f.mut.Unlock()
	f.sent = append(f.sent, sentCommand{cmd: cmd, name: name, indices: indices})
	return nil
}

func (f *fakePools) Events() (<-chan worker.Event, func()) {
	f.subscribed <- struct{}{}
	return f.events, func() {}
}

func startAgent(t *testing.T, addr string, pools Pools, opts ...Option) *Client {
	l, err := Listen(addr)
	require.NoError(t, err)

	a := NewAgent(pools, append([]Option{WithLogger(log)}, opts...)...)
	done := make(chan error, 1)
	go func() { done <- a.Serve(l) }()
	t.Cleanup(func() {
		require.NoError(t, a.Stop())
		require.NoError(t, <-done)
	})

	client, err := NewClient(addr, WithClientLogger(log))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
	return client
}

func unixAddr(t *testing.T) string {
	return "unix://" + filepath.Join(t.TempDir(), DefaultSocketName)
}

func TestListenUnixSocketMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	// stale socket files from a previous run are replaced
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	l, err := Listen("unix://" + path)
	require.NoError(t, err)
	defer l.Close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, fi.Mode().Type())
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	client := startAgent(t, unixAddr(t), newFakePools())

	status, err := client.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 1)

	web := status[0]
	assert.Equal(t, "web", web.Name)
	assert.True(t, web.Running)
	require.Len(t, web.Slots, 2)
	assert.Equal(t, worker.StateRunning, web.Slots[0].State)
	assert.Equal(t, worker.StateRestarting, web.Slots[1].State)
	assert.Equal(t, 3, web.Slots[1].Attempts)

	// only the slot with a live pid gets resource stats
	require.Contains(t, web.Stats, 1)
	assert.NotContains(t, web.Stats, 2)
	assert.Greater(t, web.Stats[1].RSS, uint64(0))
}

func TestControlOperations(t *testing.T) {
	ctx := context.Background()
	pools := newFakePools()
	client := startAgent(t, unixAddr(t), pools)

	require.NoError(t, client.Reload(ctx, "web"))
	require.NoError(t, client.Terminate(ctx, "web"))
	require.NoError(t, client.Guard(ctx, "web", 2))
	require.NoError(t, client.Send(ctx, worker.NewCommand("flush", "deep", true), "web", 1, 2))
	require.NoError(t, client.Send(ctx, worker.NewCommand("ping"), "web"))

	pools.mut.Lock()
	defer pools.mut.Unlock()
	assert.Equal(t, []string{"web"}, pools.reloaded)
	assert.Equal(t, []string{"web"}, pools.terminated)
	assert.Equal(t, []string{"web/2"}, pools.guarded)
	require.Len(t, pools.sent, 2)
	assert.Equal(t, "flush", pools.sent[0].cmd.Name)
	assert.Equal(t, true, pools.sent[0].cmd.Arg("deep"))
	assert.Equal(t, []int{1, 2}, pools.sent[0].indices)
	assert.Equal(t, "ping", pools.sent[1].cmd.Name)
	assert.Empty(t, pools.sent[1].indices)
}

func TestUnknownWorker(t *testing.T) {
	ctx := context.Background()
	client := startAgent(t, unixAddr(t), newFakePools())

	assert.ErrorIs(t, client.Reload(ctx, "nope"), worker.ErrUnknownWorker)
	assert.ErrorIs(t, client.Terminate(ctx, "nope"), worker.ErrUnknownWorker)
	assert.ErrorIs(t, client.Send(ctx, worker.NewCommand("ping"), "nope"), worker.ErrUnknownWorker)
}

func TestBadRequests(t *testing.T) {
	ctx := context.Background()
	client := startAgent(t, unixAddr(t), newFakePools(), WithLogLevel(zap.InfoLevel))

	err := client.Send(ctx, worker.Command{}, "web")
	assert.ErrorContains(t, err, "status code 400")
	assert.ErrorContains(t, err, "no command name")

	_, err = client.do(ctx, "POST", "/workers/web/guard/first", nil)
	assert.ErrorContains(t, err, "invalid index")
}

func TestEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pools := newFakePools()
	client := startAgent(t, unixAddr(t), pools)

	events, err := client.Events(ctx)
	require.NoError(t, err)

	select {
	case <-pools.subscribed:
	case <-ctx.Done():
		t.Fatal("agent never subscribed to events")
	}

	sent := []worker.Event{
		{Replica: worker.Replica{Worker: "web", Index: 1}, State: worker.StateStarting},
		{Replica: worker.Replica{Worker: "web", Index: 1}, State: worker.StateExited, ExitCode: 2, PID: 42},
		{Replica: worker.Replica{Worker: "web", Index: 1}, State: worker.StateRestarting, Attempts: 1, Delay: 100 * time.Millisecond},
	}
	for _, e := range sent {
		pools.events <- e
	}
	for _, exp := range sent {
		select {
		case got := <-events:
			assert.Equal(t, exp.Replica, got.Replica)
			assert.Equal(t, exp.State, got.State)
			assert.Equal(t, exp.ExitCode, got.ExitCode)
			assert.Equal(t, exp.Delay, got.Delay)
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
	}

	close(pools.events)
	select {
	case _, ok := <-events:
		assert.False(t, ok, "event stream should end when the subscription closes")
	case <-ctx.Done():
		t.Fatal("event stream never ended")
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "procpool_test_total"})
	reg.MustRegister(c)
	c.Add(3)

	client := startAgent(t, unixAddr(t), newFakePools(), WithGatherer(reg))
	b, err := client.do(context.Background(), "GET", "/metrics", nil)
	require.NoError(t, err)
	assert.Contains(t, string(b), "procpool_test_total 3")
}

func TestTCP(t *testing.T) {
	port, err := inet.GetEphemeralTCPPort()
	require.NoError(t, err)

	client := startAgent(t, fmt.Sprintf("tcp://localhost:%d", port), newFakePools())
	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Len(t, status, 1)
}

func TestHeartbeatTimeout(t *testing.T) {
	failed := make(chan struct{})
	var once sync.Once
	addr := unixAddr(t)
	client := startAgent(t, addr, newFakePools(),
		WithHeartbeatTimeout(200*time.Millisecond),
		WithHeartbeatFailureHandler(func() { once.Do(func() { close(failed) }) }),
	)

	// heartbeats keep the handler from running
	client.StartHeartbeat(20 * time.Millisecond)
	select {
	case <-failed:
		t.Fatal("heartbeat failure handler ran while heartbeats were arriving")
	case <-time.After(500 * time.Millisecond):
	}

	client.StopHeartbeat()
	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat failure handler never ran")
	}
}

func TestClientGivesUp(t *testing.T) {
	client, err := NewClient(unixAddr(t), WithClientLogger(log), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)
	_, err = client.Status(context.Background())
	assert.Error(t, err)
}
