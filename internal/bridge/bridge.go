// Package bridge fans server-pushed order and notification events out to
// local observers. A subscription is scoped to one entity (an order id or
// a user id), delivers each event once, and cleans the underlying channel
// up when disposed.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"dishpatch/pkg/logger"
	"dishpatch/pkg/models"
)

var ErrBridgeClosed = errors.New("bridge is closed")

// ChannelOpener is the realtime transport collaborator. OpenChannel keeps
// calling onMessage until the returned handle is closed; transport errors
// go to onError.
type ChannelOpener interface {
	OpenChannel(scopeID string, onMessage func(models.OrderEvent), onError func(error)) (ChannelHandle, error)
}

type ChannelHandle interface {
	Close() error
}

// seenLimit bounds the recently-seen event id set used for dedup; push
// transports commonly redeliver.
const seenLimit = 256

type Options struct {
	// MaxReconnects bounds automatic resubscription after a transport
	// error. Zero disables reconnection.
	MaxReconnects  int
	ReconnectDelay time.Duration
}

type Bridge struct {
	opener ChannelOpener
	log    *logger.Logger
	opts   Options

	mu        sync.Mutex
	events    []models.Notification
	seen      map[string]bool
	seenOrder []string
	connected bool
	closed    bool
}

func New(opener ChannelOpener, log *logger.Logger, opts Options) *Bridge {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	return &Bridge{
		opener: opener,
		log:    log,
		opts:   opts,
		seen:   make(map[string]bool),
	}
}

// Subscribe opens a channel scoped to scopeID and returns a disposer. The
// disposer is idempotent and releases the underlying channel exactly once.
// Each delivered event is also prepended to the bridge's local event list.
func (b *Bridge) Subscribe(scopeID string, onEvent func(models.OrderEvent), onError func(error)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	b.mu.Unlock()

	sub := &subscription{
		bridge:  b,
		scopeID: scopeID,
		onEvent: onEvent,
		onError: onError,
	}
	if err := sub.open(); err != nil {
		return nil, err
	}

	b.setConnected(true)
	var once sync.Once
	return func() {
		once.Do(sub.dispose)
	}, nil
}

// Events returns the locally mirrored event list, newest first.
func (b *Bridge) Events() []models.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Notification, len(b.events))
	copy(out, b.events)
	return out
}

func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// MarkRead flags the event with the given id as read. Read flags never
// revert except through MarkUnread.
func (b *Bridge) MarkRead(eventID string) bool {
	return b.setRead(eventID, true)
}

func (b *Bridge) MarkUnread(eventID string) bool {
	return b.setRead(eventID, false)
}

// Close tears the bridge down; subsequent Subscribe calls fail.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.connected = false
	b.mu.Unlock()
}

func (b *Bridge) setRead(eventID string, read bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.events {
		if b.events[i].ID == eventID {
			b.events[i].Read = read
			return true
		}
	}
	return false
}

func (b *Bridge) setConnected(connected bool) {
	b.mu.Lock()
	b.connected = connected
	b.mu.Unlock()
}

// record mirrors an event into the local list, dropping redeliveries.
// Returns false when the event id was already seen.
func (b *Bridge) record(event models.OrderEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seen[event.ID] {
		return false
	}
	b.seen[event.ID] = true
	b.seenOrder = append(b.seenOrder, event.ID)
	if len(b.seenOrder) > seenLimit {
		delete(b.seen, b.seenOrder[0])
		b.seenOrder = b.seenOrder[1:]
	}

	b.events = append([]models.Notification{{OrderEvent: event}}, b.events...)
	return true
}

type subscription struct {
	bridge  *Bridge
	scopeID string
	onEvent func(models.OrderEvent)
	onError func(error)

	mu         sync.Mutex
	handle     ChannelHandle
	disposed   bool
	reconnects int
}

func (s *subscription) open() error {
	handle, err := s.bridge.opener.OpenChannel(s.scopeID, s.handleMessage, s.handleError)
	if err != nil {
		return fmt.Errorf("failed to open channel for scope %s: %w", s.scopeID, err)
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	return nil
}

func (s *subscription) handleMessage(event models.OrderEvent) {
	if !s.bridge.record(event) {
		s.bridge.log.Debug("", "event_deduplicated",
			fmt.Sprintf("Dropped redelivered event %s for scope %s", event.ID, s.scopeID))
		return
	}
	if s.onEvent != nil {
		s.onEvent(event)
	}
}

// handleError marks the bridge disconnected and attempts a bounded number
// of reconnects before giving up and reporting through onError.
func (s *subscription) handleError(err error) {
	s.bridge.setConnected(false)
	s.bridge.log.Error("", "channel_error",
		fmt.Sprintf("Transport error on scope %s", s.scopeID), err)

	s.mu.Lock()
	if s.disposed || s.reconnects >= s.bridge.opts.MaxReconnects {
		s.mu.Unlock()
		if s.onError != nil {
			s.onError(err)
		}
		return
	}
	s.reconnects++
	attempt := s.reconnects
	s.mu.Unlock()

	time.Sleep(s.bridge.opts.ReconnectDelay * time.Duration(attempt))

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	s.mu.Unlock()

	if openErr := s.open(); openErr != nil {
		s.bridge.log.Error("", "channel_reconnect_failed",
			fmt.Sprintf("Reconnect attempt %d for scope %s failed", attempt, s.scopeID), openErr)
		s.handleError(openErr)
		return
	}
	s.bridge.setConnected(true)
	s.bridge.log.Info("", "channel_reconnected",
		fmt.Sprintf("Reconnected scope %s after %d attempt(s)", s.scopeID, attempt))
}

func (s *subscription) dispose() {
	s.mu.Lock()
	s.disposed = true
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			s.bridge.log.Error("", "channel_close_failed",
				fmt.Sprintf("Failed to close channel for scope %s", s.scopeID), err)
		}
	}
}
