// Package agent composes the sync core: the offline queue, the realtime
// bridge, the remote collaborators, and the drain policy that ties them
// together. It also hosts the HTTP control surface the UI layer talks to.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"dishpatch/internal/bridge"
	"dishpatch/internal/syncqueue"
	"dishpatch/pkg/config"
	"dishpatch/pkg/logger"
	"dishpatch/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadySubscribed = errors.New("scope already subscribed")

// RemoteStore is the persistence collaborator as the agent sees it.
type RemoteStore interface {
	syncqueue.Applier
	FetchOrder(ctx context.Context, id string) (*models.Order, error)
	Ping(ctx context.Context) error
}

// Publisher pushes events for applied mutations so other surfaces
// observe them.
type Publisher interface {
	Publish(scopeKind string, event models.OrderEvent) error
}

type Agent struct {
	cfg       config.AgentConfig
	queue     *syncqueue.Queue
	store     RemoteStore
	bridge    *bridge.Bridge
	publisher Publisher
	log       *logger.Logger

	mu          sync.Mutex
	online      bool
	lastDrain   *syncqueue.DrainResult
	lastDrainAt time.Time
	subs        map[string]func()
}

// New wires the queue, bridge and collaborators together. The queue gets
// the per-collection validators and an on-applied hook that publishes
// order events; publisher may be nil when no broker is available.
func New(cfg config.AgentConfig, store RemoteStore, queueStore syncqueue.Store,
	opener bridge.ChannelOpener, publisher Publisher, log *logger.Logger) (*Agent, error) {

	a := &Agent{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		log:       log,
		subs:      make(map[string]func()),
	}

	queue, err := syncqueue.New(store, queueStore, log, syncqueue.Options{
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay(),
		RetryMaxDelay:  cfg.RetryMaxDelay(),
		ApplyTimeout:   cfg.ApplyTimeout(),
		OnApplied:      a.publishApplied,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build sync queue: %w", err)
	}
	registerValidators(queue)
	a.queue = queue

	a.bridge = bridge.New(opener, log, bridge.Options{
		MaxReconnects:  3,
		ReconnectDelay: 2 * time.Second,
	})
	return a, nil
}

// Run starts the connectivity probe, the periodic drain and the HTTP
// control API, and blocks until the context ends or one of them fails.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.probeLoop(ctx) })
	g.Go(func() error { return a.drainLoop(ctx) })
	g.Go(func() error { return a.serveHTTP(ctx) })

	err := g.Wait()

	a.mu.Lock()
	disposers := make([]func(), 0, len(a.subs))
	for _, dispose := range a.subs {
		disposers = append(disposers, dispose)
	}
	a.subs = make(map[string]func())
	a.mu.Unlock()
	for _, dispose := range disposers {
		dispose()
	}
	a.bridge.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// probeLoop pings the remote store on an interval. An offline-to-online
// edge triggers an immediate drain.
func (a *Agent) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.ProbeInterval())
	defer ticker.Stop()

	a.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.probe(ctx)
		}
	}
}

func (a *Agent) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := a.store.Ping(pingCtx)
	cancel()

	nowOnline := err == nil

	a.mu.Lock()
	wasOnline := a.online
	a.online = nowOnline
	a.mu.Unlock()

	switch {
	case nowOnline && !wasOnline:
		a.log.Info("", "connectivity_restored", "Remote store reachable again, draining queue")
		if _, err := a.SyncNow(ctx); err != nil && !errors.Is(err, syncqueue.ErrDrainInProgress) {
			a.log.Error("", "drain_failed", "Drain after reconnect failed", err)
		}
	case !nowOnline && wasOnline:
		a.log.Warn("", "connectivity_lost", "Remote store unreachable, buffering writes")
	}
}

func (a *Agent) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.DrainInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !a.Online() || a.queue.PendingCount() == 0 {
				continue
			}
			if _, err := a.SyncNow(ctx); err != nil && !errors.Is(err, syncqueue.ErrDrainInProgress) {
				a.log.Error("", "drain_failed", "Periodic drain failed", err)
			}
		}
	}
}

// SyncNow drains the queue once and records the result for the control
// API. Concurrent calls surface ErrDrainInProgress.
func (a *Agent) SyncNow(ctx context.Context) (syncqueue.DrainResult, error) {
	result, err := a.queue.Drain(ctx)
	if err != nil {
		return result, err
	}
	a.mu.Lock()
	a.lastDrain = &result
	a.lastDrainAt = time.Now().UTC()
	a.mu.Unlock()
	return result, nil
}

func (a *Agent) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

func (a *Agent) Queue() *syncqueue.Queue {
	return a.queue
}

func (a *Agent) Bridge() *bridge.Bridge {
	return a.bridge
}

// Subscribe opens a realtime subscription for the scope and remembers its
// disposer so Unsubscribe and shutdown can release it.
func (a *Agent) Subscribe(scopeID string) error {
	a.mu.Lock()
	if _, ok := a.subs[scopeID]; ok {
		a.mu.Unlock()
		return ErrAlreadySubscribed
	}
	a.mu.Unlock()

	dispose, err := a.bridge.Subscribe(scopeID,
		func(event models.OrderEvent) {
			a.log.Debug("", "event_received",
				fmt.Sprintf("Event %s (%s) for scope %s", event.ID, event.Type, scopeID))
		},
		func(err error) {
			a.log.Error("", "subscription_failed",
				fmt.Sprintf("Subscription for scope %s went down", scopeID), err)
		},
	)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.subs[scopeID] = dispose
	a.mu.Unlock()
	return nil
}

func (a *Agent) Unsubscribe(scopeID string) bool {
	a.mu.Lock()
	dispose, ok := a.subs[scopeID]
	delete(a.subs, scopeID)
	a.mu.Unlock()

	if ok {
		dispose()
	}
	return ok
}

func (a *Agent) lastDrainInfo() (*syncqueue.DrainResult, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastDrain, a.lastDrainAt
}

// publishApplied pushes an event for every successfully replayed order
// mutation. Failures only log; the mutation itself already landed.
func (a *Agent) publishApplied(m *models.QueuedMutation) {
	if a.publisher == nil || m.Collection != "orders" {
		return
	}

	orderID, _ := m.Payload["id"].(string)
	if orderID == "" {
		orderID, _ = m.Filter["id"].(string)
	}
	if orderID == "" {
		return
	}

	eventType := "order_updated"
	switch m.Kind {
	case models.MutationInsert:
		eventType = "order_created"
	case models.MutationDelete:
		eventType = "order_deleted"
	}

	event := models.OrderEvent{
		ID:        uuid.New().String(),
		ScopeID:   orderID,
		Type:      eventType,
		Payload:   m.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.publisher.Publish("order", event); err != nil {
		a.log.Error("", "event_publish_failed", "Failed to publish applied-mutation event", err)
	}
}

func (a *Agent) serveHTTP(ctx context.Context) error {
	handler := newAPIHandler(a, a.log)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Port),
		Handler: cors.Default().Handler(handler.routes()),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		} else {
			errCh <- nil
		}
	}()

	a.log.Info("startup", "api_listening", fmt.Sprintf("Control API listening on :%d", a.cfg.Port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
