package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	token, err := p.Acquire(ctx, "t--0000-0000-0000-0001--0000", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = p.Acquire(ctx, "t--0000-0000-0000-0001--0000", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	// Other keys are independent.
	_, err = p.Acquire(ctx, "t--0000-0000-0000-0002--0000", time.Minute)
	require.NoError(t, err)

	require.NoError(t, p.Release(ctx, "t--0000-0000-0000-0001--0000", token))

	again, err := p.Acquire(ctx, "t--0000-0000-0000-0001--0000", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, token, again)
}

func TestReleaseStaleToken(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	token, err := p.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Release(ctx, "k", "bogus"), ErrNotOwner)
	assert.ErrorIs(t, p.Release(ctx, "other", token), ErrNotOwner)
	assert.NoError(t, p.Release(ctx, "k", token))
}

func TestExpiryAllowsTakeover(t *testing.T) {
	p := NewMemoryProvider()
	now := time.Date(2016, 9, 28, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := p.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	now = now.Add(61 * time.Second)

	token, err := p.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestFailedCount(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	n, err := p.FailedCount(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)

	token, err := p.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = p.Acquire(ctx, "k", time.Minute)
		assert.ErrorIs(t, err, ErrHeld)
	}

	n, err = p.FailedCount(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Release resets the counter.
	require.NoError(t, p.Release(ctx, "k", token))
	n, err = p.FailedCount(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)
}
