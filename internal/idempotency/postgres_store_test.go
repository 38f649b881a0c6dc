package idempotency

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	body := []byte(`{"tokenIn":"0xd1"}`)
	rec := Record{
		StatusCode:  201,
		Response:    []byte("payload"),
		Fingerprint: Fingerprint(body),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}
	key := fmt.Sprintf("route:test-%d", time.Now().UnixNano())
	existing, err := store.Reserve(ctx, key, Reservation(body, time.Now(), time.Minute))
	require.NoError(t, err)
	require.Nil(t, existing)

	existing, err = store.Reserve(ctx, key, Reservation(body, time.Now(), time.Minute))
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.True(t, existing.Pending())

	require.NoError(t, store.Save(ctx, key, rec))
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.StatusCode, got.StatusCode)
	assert.True(t, got.Matches(body))
	assert.Equal(t, "payload", string(got.Response))

	require.NoError(t, store.Release(ctx, key))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = store.Prune(ctx)
	require.NoError(t, err)
}

func TestRedisStoreLifecycle(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, addr, os.Getenv("REDIS_TEST_PASSWORD"), 0)
	require.NoError(t, err)
	defer store.Close()

	rec := Record{StatusCode: 200, Response: []byte("ok"), CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	key := fmt.Sprintf("delivery:0x%x", time.Now().UnixNano())
	existing, err := store.Reserve(ctx, key, Reservation([]byte("msg"), time.Now(), time.Minute))
	require.NoError(t, err)
	require.Nil(t, existing)
	existing, err = store.Reserve(ctx, key, Reservation([]byte("msg"), time.Now(), time.Minute))
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.True(t, existing.Pending())

	require.NoError(t, store.Save(ctx, key, rec))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ok", string(got.Response))

	require.NoError(t, store.Save(ctx, "expired", Record{ExpiresAt: time.Now().Add(-time.Second)}))
	got, err = store.Get(ctx, "expired")
	require.NoError(t, err)
	assert.Nil(t, got)
}
