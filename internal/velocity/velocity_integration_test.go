//go:build integration

package velocity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"freight-guard/internal/rules"
	"freight-guard/internal/testutil/containers"

	"github.com/stretchr/testify/require"
)

func TestCounter_SlidingWindow(t *testing.T) {
	rdb := containers.Redis(t)
	ctx := context.Background()

	now := time.UnixMilli(1_700_000_000_000)
	c := NewCounter(rdb, time.Minute)
	c.Now = func() time.Time { return now }

	for i := 1; i <= 3; i++ {
		n, err := c.Hit(ctx, rules.EntityUser, "u1")
		require.NoError(t, err)
		require.EqualValues(t, i, n)
	}

	other, err := c.Hit(ctx, rules.EntityUser, "u2")
	require.NoError(t, err)
	require.EqualValues(t, 1, other, "counters are per entity")

	now = now.Add(61 * time.Second)
	n, err := c.Peek(ctx, rules.EntityUser, "u1")
	require.NoError(t, err)
	require.Zero(t, n, "old hits fall out of the window")

	n, err = c.Hit(ctx, rules.EntityUser, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestCounter_ConcurrentHitsAreCounted(t *testing.T) {
	rdb := containers.Redis(t)
	ctx := context.Background()
	c := NewCounter(rdb, time.Minute)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Hit(ctx, rules.EntityDevice, "d1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := c.Peek(ctx, rules.EntityDevice, "d1")
	require.NoError(t, err)
	require.EqualValues(t, n, got)
}

func TestSlots_CapAndRelease(t *testing.T) {
	rdb := containers.Redis(t)
	ctx := context.Background()
	s := NewSlots(rdb, 2, time.Minute)

	r1, err := s.Acquire(ctx, "bulk")
	require.NoError(t, err)
	_, err = s.Acquire(ctx, "bulk")
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "bulk")
	require.True(t, errors.Is(err, ErrNoSlot))

	require.NoError(t, r1(ctx))
	_, err = s.Acquire(ctx, "bulk")
	require.NoError(t, err)
}
