package convq_test

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/convq"
	ikeys "github.com/UniQw/convq/internal/keys"
	"github.com/UniQw/convq/internal/storetest"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, s
}

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) convq.Store { return convq.NewMemoryStore() })
}

func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) convq.Store {
		rdb, _ := newMiniClient(t)
		return convq.NewRedisStore(rdb, "test")
	})
}

func TestRedisStore_Indexes(t *testing.T) {
	rdb, _ := newMiniClient(t)
	s := convq.NewRedisStore(rdb, "")
	keys := ikeys.For(convq.DefaultNamespace)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, storetest.NewTask("a", 0)))
	live, err := rdb.SMembers(ctx, keys.Live).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, live)

	_, err = s.Update(ctx, "a", func(task *convq.Task) error {
		task.Status = convq.StatusCompleted
		task.ExpiresAt = task.CreatedAt.Add(time.Hour)
		return nil
	})
	require.NoError(t, err)
	n, err := rdb.SCard(ctx, keys.Live).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = rdb.ZCard(ctx, keys.Expiry).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Delete(ctx, "a"))
	n, err = rdb.ZCard(ctx, keys.Expiry).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_ListExpiredDropsStaleIndex(t *testing.T) {
	rdb, _ := newMiniClient(t)
	s := convq.NewRedisStore(rdb, "ns")
	keys := ikeys.For("ns")
	ctx := context.Background()

	require.NoError(t, rdb.ZAdd(ctx, keys.Expiry, redis.Z{Score: 1, Member: "ghost"}).Err())
	got, err := s.ListExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
	n, err := rdb.ZCard(ctx, keys.Expiry).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_NamespacesAreIsolated(t *testing.T) {
	rdb, _ := newMiniClient(t)
	a := convq.NewRedisStore(rdb, "a")
	b := convq.NewRedisStore(rdb, "b")
	ctx := context.Background()

	require.NoError(t, a.Create(ctx, storetest.NewTask("x", 0)))
	_, err := b.Get(ctx, "x")
	assert.ErrorIs(t, err, convq.ErrNotFound)
	require.NoError(t, b.Create(ctx, storetest.NewTask("x", 0)))
}
