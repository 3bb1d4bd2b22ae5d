package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

func newMemoryClient(t *testing.T, now *time.Time) *Client {
	t.Helper()
	api := NewMemoryAPI(map[string]string{"test-table": "id"})
	c, err := New(api, WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return c
}

func TestMemory_PutGetDelete(t *testing.T) {
	now := fixedNow
	c := newMemoryClient(t, &now)
	ctx := context.Background()
	key := Key{Name: "id", Value: "a"}

	require.NoError(t, c.Put(ctx, "test-table", record{ID: "a", Value: "v1", ExpireAt: now.Add(time.Hour).Unix()}))
	require.NoError(t, c.Put(ctx, "test-table", record{ID: "a", Value: "v2", ExpireAt: now.Add(time.Hour).Unix()}))

	var out record
	found, err := c.Get(ctx, "test-table", key, &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", out.Value)

	require.NoError(t, c.Delete(ctx, "test-table", key))
	require.NoError(t, c.Delete(ctx, "test-table", key))

	found, err = c.Get(ctx, "test-table", key, &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemory_ExpiryWithoutSweep(t *testing.T) {
	now := fixedNow
	c := newMemoryClient(t, &now)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "test-table", record{ID: "a", Value: "v", ExpireAt: now.Add(time.Minute).Unix()}))
	now = now.Add(2 * time.Minute)

	var out record
	found, err := c.Get(ctx, "test-table", Key{Name: "id", Value: "a"}, &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemory_UnknownTable(t *testing.T) {
	now := fixedNow
	c := newMemoryClient(t, &now)

	err := c.Put(context.Background(), "missing", record{ID: "a", ExpireAt: 1})
	require.Error(t, err)
	var notFound *types.ResourceNotFoundException
	require.True(t, errors.As(err, &notFound))
}

func TestMemory_TakeIsSingleUse(t *testing.T) {
	now := fixedNow
	c := newMemoryClient(t, &now)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "test-table", record{ID: "a", Value: "v", ExpireAt: now.Add(time.Hour).Unix()}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out record
			found, err := c.Take(ctx, "test-table", Key{Name: "id", Value: "a"}, &out)
			if err == nil && found {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}
