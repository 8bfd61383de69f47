package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRedisWrapper(t *testing.T) (*RedisWrapper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWrapper(client, Settings{}, zaptest.NewLogger(t)), mr
}

func TestRedisWrapperOperations(t *testing.T) {
	wrapper, _ := newRedisWrapper(t)
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx).Err())
	require.NoError(t, wrapper.Set(ctx, "tasks:s1", `{"daily_tasks":[]}`, time.Minute).Err())

	val, err := wrapper.Get(ctx, "tasks:s1").Result()
	require.NoError(t, err)
	assert.Equal(t, `{"daily_tasks":[]}`, val)

	n, err := wrapper.Del(ctx, "tasks:s1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisWrapperMissingKeyDoesNotTrip(t *testing.T) {
	wrapper, _ := newRedisWrapper(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, wrapper.Get(ctx, "tasks:missing").Err(), redis.Nil)
	}
	assert.False(t, wrapper.IsOpen())
}

func TestRedisWrapperTripsWhenServerGone(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	wrapper := NewRedisWrapper(client, Settings{}, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < int(StoreSettings().FailureThreshold); i++ {
		assert.Error(t, wrapper.Ping(ctx).Err())
	}
	require.True(t, wrapper.IsOpen())

	// Rejected calls still return a usable command
	cmd := wrapper.Get(ctx, "tasks:s1")
	assert.ErrorIs(t, cmd.Err(), ErrOpen)
	assert.Empty(t, cmd.Val())
	assert.ErrorIs(t, wrapper.Del(ctx, "a", "b").Err(), ErrOpen)
}

func TestRedisWrapperExpiryAndMultiDelete(t *testing.T) {
	wrapper, mr := newRedisWrapper(t)
	ctx := context.Background()

	require.NoError(t, wrapper.Set(ctx, "tasks:s1", "{}", time.Hour).Err())
	require.NoError(t, wrapper.Set(ctx, "hearing:s1", "notes", 0).Err())
	assert.Equal(t, time.Hour, mr.TTL("tasks:s1"))

	mr.FastForward(2 * time.Hour)
	assert.ErrorIs(t, wrapper.Get(ctx, "tasks:s1").Err(), redis.Nil)

	n, err := wrapper.Del(ctx, "tasks:s1", "hearing:s1", "task_schemas:s1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
