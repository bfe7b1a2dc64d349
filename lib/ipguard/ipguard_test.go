package ipguard

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardBlocksAfterMaxAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(3, time.Minute, clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, g.RecordFailure(ctx, "1.2.3.4"))
		blocked, err := g.IsBlocked(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, blocked)
	}

	require.NoError(t, g.RecordFailure(ctx, "1.2.3.4"))
	blocked, err := g.IsBlocked(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestGuardUnblocksAfterWindowElapses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(1, time.Minute, clock)
	ctx := context.Background()

	require.NoError(t, g.RecordFailure(ctx, "5.6.7.8"))
	blocked, err := g.IsBlocked(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, blocked)

	clock.Advance(time.Minute + time.Second)
	blocked, err = g.IsBlocked(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestGuardResetClearsCounter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(1, time.Minute, clock)
	ctx := context.Background()

	require.NoError(t, g.RecordFailure(ctx, "9.9.9.9"))
	blocked, err := g.IsBlocked(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.True(t, blocked)

	require.NoError(t, g.Reset(ctx, "9.9.9.9"))
	blocked, err = g.IsBlocked(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestGuardIPsAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(1, time.Minute, clock)
	ctx := context.Background()

	require.NoError(t, g.RecordFailure(ctx, "1.1.1.1"))
	blocked, err := g.IsBlocked(ctx, "2.2.2.2")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestNewDefaultsInvalidPolicy(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(0, 0, clock)
	assert.Equal(t, DefaultMaxAttempts, g.maxAttempts)
	assert.Equal(t, DefaultWindow, g.window)
}
