package deferred

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveThenWait(t *testing.T) {
	d := New[int]()
	assert.True(t, d.IsPending())
	d.Resolve(42)
	assert.False(t, d.IsPending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := d.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRejectThenWait(t *testing.T) {
	d := New[int]()
	sentinel := errors.New("boom")
	d.Reject(sentinel)

	v, err := d.Wait(context.Background())
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 0, v)
}

func TestSettleIsIdempotent(t *testing.T) {
	d := New[string]()
	d.Resolve("first")
	d.Resolve("second")
	d.Reject(errors.New("ignored"))

	v, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v, "only the first settle call takes effect")
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	d := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, d.IsPending(), "cancellation does not settle the Deferred")
}
