package agent

import (
	"context"
	"sync"
	"testing"

	"dishpatch/internal/syncqueue"
	"dishpatch/pkg/config"
	"dishpatch/pkg/logger"
	"dishpatch/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []models.OrderEvent
	scopes []string
}

func (p *fakePublisher) Publish(scopeKind string, event models.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scopes = append(p.scopes, scopeKind)
	p.events = append(p.events, event)
	return nil
}

func TestProbeEdgeTriggersDrain(t *testing.T) {
	store := &fakeRemote{offline: true}
	a := newTestAgent(t, store)

	_, err := a.Queue().Enqueue(models.MutationInsert, "notifications",
		map[string]any{"id": "n-1", "user_id": "u-1", "type": "order_updated"}, nil)
	require.NoError(t, err)

	ctx := context.Background()

	// Offline: probe records the state, nothing is sent.
	a.probe(ctx)
	assert.False(t, a.Online())
	assert.Equal(t, 1, a.Queue().PendingCount())

	// The offline-to-online edge drains immediately.
	store.mu.Lock()
	store.offline = false
	store.mu.Unlock()

	a.probe(ctx)
	assert.True(t, a.Online())
	assert.Zero(t, a.Queue().PendingCount())
	assert.Len(t, store.applied, 1)

	// Staying online does not re-drain an empty queue into errors.
	a.probe(ctx)
	assert.True(t, a.Online())
}

func TestAppliedOrderMutationPublishesEvent(t *testing.T) {
	store := &fakeRemote{}
	publisher := &fakePublisher{}

	a, err := New(config.AgentConfig{}, store, syncqueue.NewMemoryStore(),
		&fakeChannelOpener{}, publisher, logger.NewLogger("test"))
	require.NoError(t, err)

	_, err = a.Queue().Enqueue(models.MutationUpdate, "orders",
		map[string]any{"status": "preparing"},
		map[string]any{"id": "ord-1", "current_status": "restaurant_accepted"})
	require.NoError(t, err)

	_, err = a.SyncNow(context.Background())
	require.NoError(t, err)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "order", publisher.scopes[0])
	assert.Equal(t, "ord-1", publisher.events[0].ScopeID)
	assert.Equal(t, "order_updated", publisher.events[0].Type)
}

func TestNonOrderMutationsDoNotPublish(t *testing.T) {
	store := &fakeRemote{}
	publisher := &fakePublisher{}

	a, err := New(config.AgentConfig{}, store, syncqueue.NewMemoryStore(),
		&fakeChannelOpener{}, publisher, logger.NewLogger("test"))
	require.NoError(t, err)

	_, err = a.Queue().Enqueue(models.MutationInsert, "notifications",
		map[string]any{"id": "n-1", "user_id": "u-1", "type": "order_updated"}, nil)
	require.NoError(t, err)

	_, err = a.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, publisher.events)
}

func TestLastDrainIsRecorded(t *testing.T) {
	store := &fakeRemote{}
	a := newTestAgent(t, store)

	last, _ := a.lastDrainInfo()
	assert.Nil(t, last)

	_, err := a.SyncNow(context.Background())
	require.NoError(t, err)

	last, at := a.lastDrainInfo()
	require.NotNil(t, last)
	assert.False(t, at.IsZero())
}
