package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlesOnce(t *testing.T) {
	f := New[int]()
	require.True(t, f.Resolve(1))
	require.False(t, f.Resolve(2))
	require.False(t, f.Reject(errors.New("late")))

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestContinuationOrder(t *testing.T) {
	f := New[int]()
	var order []string
	f.Then(func(v int) { order = append(order, "then") })
	f.Except(func(err error) { order = append(order, "except") })
	f.Finally(func(v int, err error) { order = append(order, "finally") })

	f.Resolve(7)
	f.Resolve(8)

	f.Then(func(v int) {
		assert.Equal(t, 7, v)
		order = append(order, "late")
	})

	assert.Equal(t, []string{"then", "finally", "late"}, order)
}

func TestRejectedContinuations(t *testing.T) {
	boom := errors.New("boom")
	f := New[string]()

	var got []error
	f.Except(func(err error) { got = append(got, err) })
	f.Finally(func(_ string, err error) { got = append(got, err) })
	f.Then(func(string) { t.Fatal("then must not run on rejection") })

	f.Reject(boom)

	require.Len(t, got, 2)
	assert.ErrorIs(t, got[0], boom)
	assert.ErrorIs(t, got[1], boom)

	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestAwaitContextCanceled(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, _, settled := f.Result()
	assert.False(t, settled)
}

func TestResolvedRejected(t *testing.T) {
	v, err, ok := Resolved(3).Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err, ok = Rejected[int](errors.New("x")).Result()
	assert.True(t, ok)
	assert.EqualError(t, err, "x")
}
