package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]KV {
	t.Helper()

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cart.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]KV{
		"memory": NewMemory(),
		"sqlite": s,
		"redis":  NewRedis(client, 0),
	}
}

func TestKV_Contract(t *testing.T) {
	ctx := context.Background()

	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Set(ctx, "cart.items", `{"items":[]}`))
			v, err := kv.Get(ctx, "cart.items")
			require.NoError(t, err)
			assert.Equal(t, `{"items":[]}`, v)

			// Last writer wins
			require.NoError(t, kv.Set(ctx, "cart.items", `{"items":[1]}`))
			v, err = kv.Get(ctx, "cart.items")
			require.NoError(t, err)
			assert.Equal(t, `{"items":[1]}`, v)

			require.NoError(t, kv.Remove(ctx, "cart.items"))
			_, err = kv.Get(ctx, "cart.items")
			assert.ErrorIs(t, err, ErrNotFound)

			// Removing an absent key is not an error
			assert.NoError(t, kv.Remove(ctx, "cart.items"))
		})
	}
}

func TestNamespace_IsolatesSessions(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	a := Namespace(mem, SessionPrefix("a"))
	b := Namespace(mem, SessionPrefix("b"))

	require.NoError(t, a.Set(ctx, "cart.items", "A"))
	require.NoError(t, b.Set(ctx, "cart.items", "B"))

	va, err := a.Get(ctx, "cart.items")
	require.NoError(t, err)
	assert.Equal(t, "A", va)

	require.NoError(t, b.Remove(ctx, "cart.items"))
	_, err = b.Get(ctx, "cart.items")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"sess:a:cart.items"}, mem.Keys())
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cart.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestRedis_TTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRedis(client, time.Minute)
	require.NoError(t, r.Set(ctx, "k", "v"))

	mr.FastForward(2 * time.Minute)

	_, err := r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	kv, closeFn, err := Open(ctx, Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, kv)
	assert.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	kv, closeFn, err = Open(ctx, Config{Driver: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, kv)
	assert.NoError(t, closeFn())

	_, _, err = Open(ctx, Config{Driver: "sqlite"})
	assert.Error(t, err)

	_, _, err = Open(ctx, Config{Driver: "etcd"})
	assert.ErrorContains(t, err, "unsupported storage driver")
}
