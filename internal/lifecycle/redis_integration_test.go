//go:build integration

package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisLocker(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	a := NewRedisLocker(rdb, 5*time.Second, 10*time.Millisecond)
	b := NewRedisLocker(rdb, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Ping(ctx))

	unlock, err := a.Lock(ctx, "alice")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = b.Lock(short, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	unlockB, err := b.Lock(ctx, "alice")
	require.NoError(t, err)
	unlockB()
}

func TestRedisLocker_LeaseExpires(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	l := NewRedisLocker(rdb, 100*time.Millisecond, 10*time.Millisecond)

	stale, err := l.Lock(ctx, "bob")
	require.NoError(t, err)

	// the lease lapses and a second holder gets in
	next, err := l.Lock(ctx, "bob")
	require.NoError(t, err)

	// the stale holder must not release the new holder's lease
	stale()
	val, err := rdb.Get(ctx, "lab:admission:bob").Result()
	require.NoError(t, err)
	assert.NotEmpty(t, val)
	next()
}
