package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTxManager_UndoOnError(t *testing.T) {
	m := NewMemoryTxManager()
	var mu sync.Mutex
	rows := []string{"a"}

	boom := errors.New("boom")
	err := m.WithinTx(context.Background(), func(ctx context.Context) error {
		mu.Lock()
		rows = append(rows, "b")
		mu.Unlock()
		OnRollback(ctx, func() {
			mu.Lock()
			rows = rows[:len(rows)-1]
			mu.Unlock()
		})
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, rows)
}

func TestMemoryTxManager_AfterCommitRunsOnlyOnSuccess(t *testing.T) {
	m := NewMemoryTxManager()
	var ran []string

	require.NoError(t, m.WithinTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { ran = append(ran, "ok") })
		assert.Empty(t, ran)
		return nil
	}))
	_ = m.WithinTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { ran = append(ran, "failed") })
		return errors.New("nope")
	})
	assert.Equal(t, []string{"ok"}, ran)
}

func TestMemoryTxManager_NestedJoinsOuter(t *testing.T) {
	m := NewMemoryTxManager()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.WithinTx(context.Background(), func(ctx context.Context) error {
			return m.WithinTx(ctx, func(ctx context.Context) error {
				assert.True(t, InTx(ctx))
				return nil
			})
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested WithinTx deadlocked")
	}
}

func TestMemoryTxManager_ExpiredContextRollsBack(t *testing.T) {
	m := NewMemoryTxManager()
	ctx, cancel := context.WithCancel(context.Background())
	undone := false
	err := m.WithinTx(ctx, func(ctx context.Context) error {
		OnRollback(ctx, func() { undone = true })
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, undone)
}

func TestAfterCommit_OutsideTxRunsImmediately(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func(context.Context) { ran = true })
	assert.True(t, ran)
	assert.False(t, InTx(context.Background()))
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	retryable := errors.New("retry")
	fatal := errors.New("fatal")
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func(err error) bool { return errors.Is(err, retryable) }, func(context.Context) error {
		calls++
		if calls < 3 {
			return retryable
		}
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 3, calls)
}

func TestRetry_GivesUpAfterAttempts(t *testing.T) {
	retryable := errors.New("retry")
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(error) bool { return true }, func(context.Context) error {
		calls++
		return retryable
	})
	require.ErrorIs(t, err, retryable)
	assert.Equal(t, 3, calls)
}
