package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewGovernorRejectsNonPositiveLimit(t *testing.T) {
	t.Parallel()

	_, err := NewGovernor(0)
	require.ErrorIs(t, err, ErrInvalidLimit)
	_, err = NewGovernor(-3)
	require.ErrorIs(t, err, ErrInvalidLimit)
}

func TestGovernorTryAcquireRespectsLimit(t *testing.T) {
	t.Parallel()

	g, err := NewGovernor(2)
	require.NoError(t, err)
	require.Equal(t, 2, g.Limit())

	require.True(t, g.TryAcquire())
	require.True(t, g.TryAcquire())
	require.False(t, g.TryAcquire())
	require.Equal(t, 2, g.InFlight())

	g.Release()
	require.Equal(t, 1, g.InFlight())
	require.True(t, g.TryAcquire())
}

func TestGovernorAcquireBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	g, err := NewGovernor(1)
	require.NoError(t, err)
	require.True(t, g.TryAcquire())

	acquired := make(chan error, 1)
	go func() {
		acquired <- g.Acquire(context.Background())
	}()

	select {
	case <-acquired:
		t.Fatal("acquire returned while the only slot was held")
	case <-time.After(30 * time.Millisecond):
	}

	g.Release()
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after release")
	}
	require.Equal(t, 1, g.InFlight())
}

func TestGovernorAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	g, err := NewGovernor(1)
	require.NoError(t, err)
	require.True(t, g.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Acquire(ctx), context.DeadlineExceeded)
	require.Equal(t, 1, g.InFlight())
}

func TestGovernorReleaseCallsHook(t *testing.T) {
	t.Parallel()

	g, err := NewGovernor(1)
	require.NoError(t, err)
	calls := 0
	g.onRelease = func() { calls++ }

	require.True(t, g.TryAcquire())
	g.Release()
	require.Equal(t, 1, calls)
}

func TestGovernorReleaseWithoutAcquirePanics(t *testing.T) {
	t.Parallel()

	g, err := NewGovernor(1)
	require.NoError(t, err)
	require.Panics(t, g.Release)
}
