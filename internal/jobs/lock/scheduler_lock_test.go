package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	badgerstore "github.com/ternarybob/corpus/internal/storage/badger"
)

func newTestStorage(t *testing.T) interfaces.LockStorage {
	t.Helper()
	storage, err := badgerstore.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	return storage.LockStorage()
}

func TestService_QueueIsServedLastInFirst(t *testing.T) {
	svc := NewService(newTestStorage(t), 5*time.Millisecond, time.Hour, nil, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, svc.RequestLock(ctx, "src", "a"))
	require.NoError(t, svc.RequestLock(ctx, "src", "b"))
	require.NoError(t, svc.RequestLock(ctx, "src", "c"))
	require.NoError(t, svc.RequestLock(ctx, "src", "b"), "re-requesting is a no-op")

	view, err := svc.QueryLock(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, "a", view.Current)
	assert.Equal(t, []string{"c", "b"}, view.Queue)

	require.NoError(t, svc.ReleaseLock(ctx, "src", "a"))
	view, err = svc.QueryLock(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, "c", view.Current)

	// A queued caller leaving does not disturb the holder
	require.NoError(t, svc.ReleaseLock(ctx, "src", "b"))
	view, err = svc.QueryLock(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, "c", view.Current)
	assert.Empty(t, view.Queue)

	require.NoError(t, svc.ReleaseLock(ctx, "src", "c"))
	view, err = svc.QueryLock(ctx, "src")
	require.NoError(t, err)
	assert.Empty(t, view.Current)
}

func TestService_MutualExclusion(t *testing.T) {
	svc := NewService(newTestStorage(t), 2*time.Millisecond, time.Hour, nil, arbor.NewLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var holders, maxHolders int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if !assert.NoError(t, svc.Acquire(ctx, "src", id)) {
				return
			}
			defer svc.Release(ctx, "src", id)

			n := atomic.AddInt32(&holders, 1)
			for {
				max := atomic.LoadInt32(&maxHolders)
				if n <= max || atomic.CompareAndSwapInt32(&maxHolders, max, n) {
					break
				}
			}
			time.Sleep(3 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
		}(fmt.Sprintf("job-%d", i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxHolders))
	view, err := svc.QueryLock(ctx, "src")
	require.NoError(t, err)
	assert.Empty(t, view.Current)
	assert.Empty(t, view.Queue)
}

func TestService_ReapsClosedHolder(t *testing.T) {
	closed := map[string]bool{"crashed": true}
	check := func(ctx context.Context, id string) (bool, error) { return !closed[id], nil }
	svc := NewService(newTestStorage(t), 2*time.Millisecond, time.Hour, check, arbor.NewLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, svc.RequestLock(ctx, "src", "crashed"))
	require.NoError(t, svc.Acquire(ctx, "src", "next"))

	view, err := svc.QueryLock(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, "next", view.Current)
}

func TestService_CompactsHistory(t *testing.T) {
	storage := newTestStorage(t)
	svc := NewService(storage, time.Millisecond, time.Nanosecond, nil, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, svc.RequestLock(ctx, "src", "a"))
	require.NoError(t, svc.RequestLock(ctx, "src", "b"))

	lock, err := storage.GetLock(ctx, "src")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lock.Generation, 1)
	assert.LessOrEqual(t, lock.Signals, 1)
	assert.Equal(t, "a", lock.Current)
}
