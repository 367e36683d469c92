package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "id-1", []byte("mapping"), time.Minute))

	got, err := s.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("mapping"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "short", []byte("x"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreNotDurable(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	assert.False(t, s.Durable())
	assert.Equal(t, "memory", s.Backend())
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := OpenRedis(ctx, RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.Durable())
	assert.Equal(t, "redis", s.Backend())

	require.NoError(t, s.Put(ctx, "id-9", []byte("payload"), time.Minute))

	got, err := s.Get(ctx, "id-9")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, "id-9"))
	_, err = s.Get(ctx, "id-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := OpenRedis(ctx, RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "fleeting", []byte("x"), time.Second))

	mr.FastForward(2 * time.Second)
	_, err = s.Get(ctx, "fleeting")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenFallsBackWhenRedisDown(t *testing.T) {
	s := Open(context.Background(), RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer s.Close()
	assert.Equal(t, "memory", s.Backend())
}
