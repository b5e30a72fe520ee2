//go:build unix

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/procpool/process"
	"github.com/guseggert/procpool/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	spec, ok, err := execSpecFromEnv()
	if err != nil {
		panic(err)
	}
	if ok {
		worker.RegisterChild(newExecWorker(spec))
	}
	if process.Init() {
		return
	}
	os.Exit(m.Run())
}

func setSpec(t *testing.T, spec execSpec) {
	b, err := json.Marshal(spec)
	require.NoError(t, err)
	t.Setenv(envExec, string(b))
}

func TestParseArguments(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		exp  map[string]any
		err  bool
	}{
		{name: "none", in: nil, exp: map[string]any{}},
		{name: "string", in: []string{"path=/tmp/x"}, exp: map[string]any{"path": "/tmp/x"}},
		{name: "json values", in: []string{"n=3", "deep=true", `tags=["a"]`}, exp: map[string]any{"n": float64(3), "deep": true, "tags": []any{"a"}}},
		{name: "value with equals", in: []string{"q=a=b"}, exp: map[string]any{"q": "a=b"}},
		{name: "missing equals", in: []string{"flag"}, err: true},
		{name: "empty key", in: []string{"=1"}, err: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			args, err := parseArguments(c.in)
			if c.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, args)
		})
	}
}

func TestExecSpecFromEnv(t *testing.T) {
	t.Setenv(envExec, "")
	os.Unsetenv(envExec)
	_, ok, err := execSpecFromEnv()
	require.NoError(t, err)
	assert.False(t, ok)

	spec := execSpec{Name: "web", Count: 3, Command: []string{"sleep", "1"}, StopTimeout: time.Second}
	require.NoError(t, spec.export())
	got, ok, err := execSpecFromEnv()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, spec, got)

	t.Setenv(envExec, `{"name":"web"}`)
	_, _, err = execSpecFromEnv()
	assert.ErrorContains(t, err, "no command")

	t.Setenv(envExec, `{`)
	_, _, err = execSpecFromEnv()
	assert.Error(t, err)
}

func TestExitStatus(t *testing.T) {
	cases := []struct {
		name string
		args []string
		exp  int
	}{
		{name: "success", args: []string{"-c", "exit 0"}, exp: 0},
		{name: "failure", args: []string{"-c", "exit 7"}, exp: 7},
		{name: "signaled", args: []string{"-c", "kill -TERM $$"}, exp: 143},
		{name: "boot failure status", args: []string{"-c", "exit 128"}, exp: 255},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, err := os.StartProcess("/bin/sh", append([]string{"sh"}, c.args...), &os.ProcAttr{})
			require.NoError(t, err)
			ps, err := p.Wait()
			require.NoError(t, err)
			assert.Equal(t, c.exp, exitStatus(ps))
		})
	}
}

// waitForState returns the first event of the replica reaching state.
func waitForState(t *testing.T, events <-chan worker.Event, state worker.State) worker.Event {
	timeout := time.After(30 * time.Second)
	for {
		select {
		case e := <-events:
			if e.State == state {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", state)
		}
	}
}

func newManager(t *testing.T, opts ...worker.Option) *worker.Manager {
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	sup := process.NewSupervisor(process.WithLogger(log))
	m := worker.NewManager(sup, append([]worker.Option{worker.WithLogger(log)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, m.Stop(ctx))
		sup.Close()
	})
	return m
}

func TestExecWorkerExitStatus(t *testing.T) {
	spec := execSpec{Name: "exits", Count: 1, Command: []string{"sh", "-c", "exit 3"}}
	setSpec(t, spec)

	m := newManager(t, worker.WithMaxRestarts(0))
	events, unsubscribe := m.Events()
	defer unsubscribe()
	require.NoError(t, m.Add(newExecWorker(spec)))
	require.NoError(t, m.Start())

	e := waitForState(t, events, worker.StateExited)
	assert.Equal(t, 3, e.ExitCode)
	waitForState(t, events, worker.StateAbandoned)
}

func TestExecWorkerRestartsOnStatus128(t *testing.T) {
	spec := execSpec{Name: "exits-128", Count: 1, Command: []string{"sh", "-c", "exit 128"}}
	setSpec(t, spec)

	m := newManager(t, worker.WithMaxRestarts(1), worker.WithBackoff(10*time.Millisecond, 10*time.Millisecond))
	events, unsubscribe := m.Events()
	defer unsubscribe()
	require.NoError(t, m.Add(newExecWorker(spec)))
	require.NoError(t, m.Start())

	e := waitForState(t, events, worker.StateExited)
	assert.Equal(t, 255, e.ExitCode)
	waitForState(t, events, worker.StateRestarting)
}

func TestExecWorkerTerminate(t *testing.T) {
	spec := execSpec{Name: "sleeps", Count: 2, Command: []string{"sleep", "60"}, StopTimeout: 5 * time.Second}
	setSpec(t, spec)

	m := newManager(t)
	events, unsubscribe := m.Events()
	defer unsubscribe()
	require.NoError(t, m.Add(newExecWorker(spec)))
	require.NoError(t, m.Start())
	waitForState(t, events, worker.StateRunning)
	waitForState(t, events, worker.StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, m.Stop(ctx))
	// sleep dies on SIGTERM, the kill timeout never comes into play
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Eventually(t, func() bool {
		for _, p := range m.Status() {
			for _, s := range p.Slots {
				if s.State != worker.StateStoppedClean {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReloadWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "config.toml")
	other := filepath.Join(dir, "other")
	require.NoError(t, os.WriteFile(watched, []byte("a"), 0o644))

	var reloads atomic.Int32
	w, err := newReloadWatcher(zaptest.NewLogger(t), []string{watched}, func() error {
		reloads.Add(1)
		return nil
	})
	require.NoError(t, err)
	w.debounce = 100 * time.Millisecond
	defer w.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(watched, []byte{byte('a' + i)}, 0o644))
	}
	assert.Eventually(t, func() bool { return reloads.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load())

	// files replaced by rename still count
	tmp := filepath.Join(dir, "config.toml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("new"), 0o644))
	require.NoError(t, os.Rename(tmp, watched))
	assert.Eventually(t, func() bool { return reloads.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
}
