package bridge

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dishpatch/pkg/logger"
	"dishpatch/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpener struct {
	mu       sync.Mutex
	channels []*fakeChannel
	openErr  error
}

type fakeChannel struct {
	mu        sync.Mutex
	scopeID   string
	onMessage func(models.OrderEvent)
	onError   func(error)
	closes    int
}

func (o *fakeOpener) OpenChannel(scopeID string, onMessage func(models.OrderEvent), onError func(error)) (ChannelHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	ch := &fakeChannel{scopeID: scopeID, onMessage: onMessage, onError: onError}
	o.channels = append(o.channels, ch)
	return ch, nil
}

func (o *fakeOpener) last() *fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channels[len(o.channels)-1]
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.channels)
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeChannel) push(event models.OrderEvent) {
	c.onMessage(event)
}

func event(id, scope, kind string) models.OrderEvent {
	return models.OrderEvent{ID: id, ScopeID: scope, Type: kind, CreatedAt: time.Now().UTC()}
}

func newTestBridge(opener ChannelOpener, opts Options) *Bridge {
	return New(opener, logger.NewLogger("test"), opts)
}

func TestSubscribeDeliversEvents(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{})

	var got []models.OrderEvent
	unsubscribe, err := b.Subscribe("order-1", func(e models.OrderEvent) {
		got = append(got, e)
	}, nil)
	require.NoError(t, err)
	defer unsubscribe()

	opener.last().push(event("e1", "order-1", "order_updated"))
	opener.last().push(event("e2", "order-1", "order_updated"))

	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.True(t, b.Connected())
}

func TestEventsAreNewestFirst(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{})

	unsubscribe, err := b.Subscribe("order-1", nil, nil)
	require.NoError(t, err)
	defer unsubscribe()

	opener.last().push(event("e1", "order-1", "order_updated"))
	opener.last().push(event("e2", "order-1", "order_updated"))
	opener.last().push(event("e3", "order-1", "order_updated"))

	events := b.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "e3", events[0].ID)
	assert.Equal(t, "e1", events[2].ID)
}

func TestRedeliveredEventsAreDropped(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{})

	var delivered int
	unsubscribe, err := b.Subscribe("order-1", func(models.OrderEvent) {
		delivered++
	}, nil)
	require.NoError(t, err)
	defer unsubscribe()

	e := event("e1", "order-1", "order_updated")
	opener.last().push(e)
	opener.last().push(e)
	opener.last().push(e)

	assert.Equal(t, 1, delivered)
	assert.Len(t, b.Events(), 1)
}

func TestUnsubscribeReleasesChannelExactlyOnce(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{})

	var delivered int
	unsubscribe, err := b.Subscribe("order-1", func(models.OrderEvent) {
		delivered++
	}, nil)
	require.NoError(t, err)

	// Unsubscribe immediately, several times: the channel is closed once.
	unsubscribe()
	unsubscribe()
	unsubscribe()

	assert.Equal(t, 1, opener.last().closeCount())
	assert.Zero(t, delivered)
	assert.Empty(t, b.Events())
}

func TestRepeatedSubscribeCyclesDoNotLeak(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{})

	for i := 0; i < 5; i++ {
		unsubscribe, err := b.Subscribe("order-1", nil, nil)
		require.NoError(t, err)
		unsubscribe()
	}

	assert.Equal(t, 5, opener.count())
	for _, ch := range opener.channels {
		assert.Equal(t, 1, ch.closeCount())
	}
}

func TestTransportErrorReconnects(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{MaxReconnects: 2, ReconnectDelay: time.Millisecond})

	unsubscribe, err := b.Subscribe("order-1", nil, nil)
	require.NoError(t, err)
	defer unsubscribe()

	first := opener.last()
	first.onError(errors.New("connection reset"))

	// A replacement channel was opened and the bridge is connected again.
	assert.Equal(t, 2, opener.count())
	assert.True(t, b.Connected())
	assert.Equal(t, 1, first.closeCount())

	// Events keep flowing through the new channel.
	opener.last().push(event("e1", "order-1", "order_updated"))
	assert.Len(t, b.Events(), 1)
}

func TestReconnectCeilingReportsError(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{MaxReconnects: 0, ReconnectDelay: time.Millisecond})

	var reported error
	unsubscribe, err := b.Subscribe("order-1", nil, func(e error) {
		reported = e
	})
	require.NoError(t, err)
	defer unsubscribe()

	transportErr := errors.New("connection reset")
	opener.last().onError(transportErr)

	assert.Equal(t, transportErr, reported)
	assert.False(t, b.Connected())
	assert.Equal(t, 1, opener.count())
}

func TestErrorAfterDisposeDoesNotReconnect(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{MaxReconnects: 3, ReconnectDelay: time.Millisecond})

	unsubscribe, err := b.Subscribe("order-1", nil, nil)
	require.NoError(t, err)

	ch := opener.last()
	unsubscribe()
	ch.onError(errors.New("late transport error"))

	assert.Equal(t, 1, opener.count())
}

func TestSubscribeFailure(t *testing.T) {
	opener := &fakeOpener{openErr: errors.New("broker unavailable")}
	b := newTestBridge(opener, Options{})

	_, err := b.Subscribe("order-1", nil, nil)
	assert.Error(t, err)
}

func TestClosedBridgeRejectsSubscribe(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{})

	b.Close()
	_, err := b.Subscribe("order-1", nil, nil)
	assert.ErrorIs(t, err, ErrBridgeClosed)
}

func TestMarkRead(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{})

	unsubscribe, err := b.Subscribe("user-1", nil, nil)
	require.NoError(t, err)
	defer unsubscribe()

	opener.last().push(event("n1", "user-1", "notification"))

	require.False(t, b.Events()[0].Read)
	assert.True(t, b.MarkRead("n1"))
	assert.True(t, b.Events()[0].Read)

	// Read stays read until explicitly flipped back.
	assert.True(t, b.MarkRead("n1"))
	assert.True(t, b.Events()[0].Read)
	assert.True(t, b.MarkUnread("n1"))
	assert.False(t, b.Events()[0].Read)

	assert.False(t, b.MarkRead("missing"))
}

func TestSeenSetIsBounded(t *testing.T) {
	opener := &fakeOpener{}
	b := newTestBridge(opener, Options{})

	unsubscribe, err := b.Subscribe("order-1", nil, nil)
	require.NoError(t, err)
	defer unsubscribe()

	for i := 0; i < seenLimit+10; i++ {
		opener.last().push(event(fmt.Sprintf("e%d", i), "order-1", "order_updated"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.LessOrEqual(t, len(b.seen), seenLimit)
	assert.LessOrEqual(t, len(b.seenOrder), seenLimit)
}
