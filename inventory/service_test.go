package inventory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cellarsync/cellarsync/document"
	"github.com/cellarsync/cellarsync/store"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "cellar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestService_IncrementAndQuantity(t *testing.T) {
	svc := NewService(openTestStore(t), "node1", nil)
	ctx := context.Background()

	qty, err := svc.Quantity("wine-cellar", "bottles")
	require.NoError(t, err)
	require.Equal(t, int64(0), qty, "missing document should read as 0")

	value, err := svc.Increment(ctx, "wine-cellar", "bottles", 12)
	require.NoError(t, err)
	require.Equal(t, int64(12), value)

	value, err = svc.Decrement(ctx, "wine-cellar", "bottles", 2)
	require.NoError(t, err)
	require.Equal(t, int64(10), value)

	qty, err = svc.Quantity("wine-cellar", "bottles")
	require.NoError(t, err)
	require.Equal(t, int64(10), qty)
}

func TestService_DecrementClampsAtZero(t *testing.T) {
	svc := NewService(openTestStore(t), "node1", nil)

	value, err := svc.Decrement(context.Background(), "wine-cellar", "bottles", 5)
	require.NoError(t, err)
	require.Equal(t, int64(0), value, "visible quantity must never go negative")
}

func TestService_ConcurrentMutationsAllLand(t *testing.T) {
	svc := NewService(openTestStore(t), "node1", nil)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = svc.Increment(context.Background(), "wine-cellar", "bottles", 1)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err, "retry loop should absorb local contention")
	}

	qty, err := svc.Quantity("wine-cellar", "bottles")
	require.NoError(t, err)
	require.Equal(t, int64(writers), qty, "every increment must be reflected")
}

func TestService_EmptyActorPanics(t *testing.T) {
	require.Panics(t, func() { NewService(openTestStore(t), "", nil) },
		"missing actor ID is a programming error and must fail fast")
}

// conflictingStore rejects every Put with ErrConflict and counts attempts.
type conflictingStore struct {
	mu       sync.Mutex
	attempts int
	snap     store.Snapshot
}

func (c *conflictingStore) Get(id string) (store.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap, nil
}

func (c *conflictingStore) Put(id string, fields document.Fields, baseRev string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return "", fmt.Errorf("%w: simulated contention", store.ErrConflict)
}

func TestService_RetryExhaustion(t *testing.T) {
	contended := &conflictingStore{
		snap: store.Snapshot{
			ID:     "wine-cellar",
			Rev:    "1-aaaa",
			Fields: document.ApplyIncrement(document.Fields{}, "bottles", "node2", 3),
		},
	}
	svc := NewService(contended, "node1", nil)

	_, err := svc.Increment(context.Background(), "wine-cellar", "bottles", 1)
	require.ErrorIs(t, err, ErrWriteAbandoned)
	require.Equal(t, maxWriteAttempts, contended.attempts, "must stop after the attempt bound")

	// The store snapshot was never touched: each attempt is a clean
	// read-modify-write over a copy.
	require.Equal(t, int64(3), document.ReadCounter(contended.snap.Fields, "bottles"))
}

func TestService_CancelledContextStopsRetrying(t *testing.T) {
	contended := &conflictingStore{snap: store.Snapshot{ID: "wine-cellar", Rev: "1-aaaa", Fields: document.Fields{}}}
	svc := NewService(contended, "node1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Increment(ctx, "wine-cellar", "bottles", 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, contended.attempts, "no write should be attempted after cancellation")
}

func TestRetry_StopsWhenDone(t *testing.T) {
	retry := Retry[int]{MaxAttempts: 5, Delay: 1}

	calls := 0
	value, ok := retry.Do(func() RetryResult[int] {
		calls++
		if calls == 3 {
			return RetryResult[int]{Value: 42, Done: true}
		}
		return RetryResult[int]{}
	})

	require.True(t, ok)
	require.Equal(t, 42, value)
	require.Equal(t, 3, calls)
}

func TestRetry_ReportsExhaustion(t *testing.T) {
	retry := Retry[int]{MaxAttempts: 4, Delay: 1}

	calls := 0
	_, ok := retry.Do(func() RetryResult[int] {
		calls++
		return RetryResult[int]{}
	})

	require.False(t, ok)
	require.Equal(t, 4, calls)
}
