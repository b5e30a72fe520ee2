package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guseggert/procpool/frame"
	"github.com/guseggert/procpool/future"
	"github.com/guseggert/procpool/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEndpoints(t *testing.T) (*endpoint, *endpoint) {
	t.Helper()
	ca, cb, err := socket.Pair()
	require.NoError(t, err)
	log := zap.NewNop().Sugar()
	a, err := newEndpoint(log, ca, t.TempDir())
	require.NoError(t, err)
	b, err := newEndpoint(log, cb, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		a.close()
		b.close()
	})
	return a, b
}

func TestResolveMatchesPendingByID(t *testing.T) {
	c := &Child{
		log:     zap.NewNop().Sugar(),
		pending: map[string]pendingRequest{},
	}
	x := future.New[any]()
	y := future.New[any]()
	c.pending["x"] = pendingRequest{name: "lookup", f: x}
	c.pending["y"] = pendingRequest{name: "lookup", f: y}

	c.resolve(syncReply("x", "found", nil))
	v, err, ok := x.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "found", v)
	_, _, ok = y.Result()
	assert.False(t, ok, "other pending requests must not be settled")

	// unmatched and repeated ids are ignored
	c.resolve(syncReply("z", "nothing", nil))
	c.resolve(syncReply("x", "again", nil))
	_, _, ok = y.Result()
	assert.False(t, ok)
	assert.Len(t, c.pending, 1)

	c.resolve(syncReply("y", nil, errors.New("denied")))
	_, err, ok = y.Result()
	require.True(t, ok)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "lookup", remote.Command)
	assert.Equal(t, "denied", remote.Message)
	assert.Empty(t, c.pending)
}

func TestRequestForgetsCanceledRequests(t *testing.T) {
	a, _ := newTestEndpoints(t)
	c := &Child{
		log:     zap.NewNop().Sugar(),
		ep:      a,
		pending: map[string]pendingRequest{},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, NewCommand("slow"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, c.pending)
}

func TestEndpointRoundTrip(t *testing.T) {
	a, b := newTestEndpoints(t)
	got := make(chan Command, 3)
	b.listen(func(cmd Command) { got <- cmd })

	// noise between frames is dropped by the decoder
	_, err := a.stream.Write([]byte("garbage")).Await(context.Background())
	require.NoError(t, err)
	a.send(NewCommand("one", "n", 1))
	raw, err := encodeCommand(NewCommand("two"))
	require.NoError(t, err)
	a.stream.Write(raw[:3])
	a.stream.Write(raw[3:])
	require.NoError(t, a.flush(context.Background()))

	for _, want := range []string{"one", "two"} {
		select {
		case cmd := <-got:
			assert.Equal(t, want, cmd.Name)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	require.NoError(t, a.close())
	select {
	case <-b.done():
	case <-time.After(10 * time.Second):
		t.Fatal("peer endpoint was not closed")
	}
}

func TestCommandArguments(t *testing.T) {
	cmd := NewCommand("x", "s", "str", "i", 3, "dangling")
	assert.Equal(t, map[string]any{"s": "str", "i": 3}, cmd.Arguments)

	b, err := encodeCommand(cmd)
	require.NoError(t, err)
	msgs, err := frame.NewDecoder().Decode(b)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	decoded, err := decodeCommand(msgs[0])
	require.NoError(t, err)

	s, ok := decoded.String("s")
	assert.True(t, ok)
	assert.Equal(t, "str", s)
	i, ok := decoded.Int("i")
	assert.True(t, ok)
	assert.Equal(t, 3, i)
	_, ok = decoded.Int("s")
	assert.False(t, ok)
	assert.Nil(t, decoded.Arg("missing"))

	_, err = decodeCommand([]byte(`{"arguments":{}}`))
	assert.Error(t, err)
}
