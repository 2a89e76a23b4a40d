package syncqueue

import (
	"testing"
	"time"

	"dishpatch/pkg/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func mutation(id, name string) *models.QueuedMutation {
	return &models.QueuedMutation{
		ID:         id,
		Kind:       models.MutationInsert,
		Collection: "orders",
		Payload:    map[string]any{"name": name},
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)

	require.NoError(t, store.Append(mutation("1", "a")))
	require.NoError(t, store.Append(mutation("2", "b")))
	require.NoError(t, store.Append(mutation("3", "c")))

	pending, dead, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, dead)
	require.Len(t, pending, 3)
	assert.Equal(t, "a", pending[0].Payload["name"])
	assert.Equal(t, "c", pending[2].Payload["name"])
}

func TestRedisStoreRemovePreservesOrder(t *testing.T) {
	store := newTestRedisStore(t)

	require.NoError(t, store.Append(mutation("1", "a")))
	require.NoError(t, store.Append(mutation("2", "b")))
	require.NoError(t, store.Append(mutation("3", "c")))

	require.NoError(t, store.Remove("2"))

	pending, _, err := store.Load()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Payload["name"])
	assert.Equal(t, "c", pending[1].Payload["name"])
}

func TestRedisStoreUpdate(t *testing.T) {
	store := newTestRedisStore(t)

	m := mutation("1", "a")
	require.NoError(t, store.Append(m))

	m.RetryCount = 3
	m.LastError = "connection refused"
	require.NoError(t, store.Update(m))

	pending, _, err := store.Load()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].RetryCount)
	assert.Equal(t, "connection refused", pending[0].LastError)
}

func TestRedisStoreDeadLetters(t *testing.T) {
	store := newTestRedisStore(t)

	m := mutation("1", "a")
	require.NoError(t, store.Append(m))
	require.NoError(t, store.MoveToDead(m))

	pending, dead, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.Len(t, dead, 1)
	assert.Equal(t, "1", dead[0].ID)

	require.NoError(t, store.RemoveDead("1"))
	_, dead, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRedisStoreClearKeepsDeadLetters(t *testing.T) {
	store := newTestRedisStore(t)

	dead := mutation("1", "poisoned")
	require.NoError(t, store.Append(dead))
	require.NoError(t, store.MoveToDead(dead))
	require.NoError(t, store.Append(mutation("2", "b")))

	require.NoError(t, store.Clear())

	pending, deadLetters, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Len(t, deadLetters, 1)
}
