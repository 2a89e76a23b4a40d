// Package watcher is a standalone realtime consumer: it subscribes to the
// event feed for a set of scopes and prints each change as a human-readable
// notification line. Useful for watching an order from a terminal while the
// sync agent does the writing.
package watcher

import (
	"context"
	"fmt"
	"time"

	"dishpatch/internal/bridge"
	"dishpatch/internal/status"
	"dishpatch/pkg/logger"
	"dishpatch/pkg/models"
)

type Watcher struct {
	bridge   *bridge.Bridge
	log      *logger.Logger
	scopes   []string
	disposer []func()
}

func New(opener bridge.ChannelOpener, log *logger.Logger, scopes []string) *Watcher {
	return &Watcher{
		bridge: bridge.New(opener, log, bridge.Options{
			MaxReconnects:  5,
			ReconnectDelay: 2 * time.Second,
		}),
		log:    log,
		scopes: scopes,
	}
}

// Start subscribes to every configured scope and blocks until the context
// ends.
func (w *Watcher) Start(ctx context.Context) error {
	for _, scope := range w.scopes {
		scope := scope
		dispose, err := w.bridge.Subscribe(scope,
			func(event models.OrderEvent) { w.display(scope, event) },
			func(err error) {
				w.log.Error("", "watch_failed",
					fmt.Sprintf("Subscription for scope %s went down", scope), err)
			},
		)
		if err != nil {
			w.Stop()
			return fmt.Errorf("failed to watch scope %s: %w", scope, err)
		}
		w.disposer = append(w.disposer, dispose)
		w.log.Info("startup", "watching_scope", "Watching scope "+scope)
	}

	<-ctx.Done()
	return nil
}

func (w *Watcher) Stop() {
	for _, dispose := range w.disposer {
		dispose()
	}
	w.disposer = nil
	w.bridge.Close()
}

func (w *Watcher) display(scope string, event models.OrderEvent) {
	switch event.Type {
	case "order_updated":
		if raw, ok := event.Payload["status"].(string); ok {
			fmt.Printf("=== Order %s is now %s (%s)\n",
				event.ScopeID, status.Canonicalize(raw), event.CreatedAt.Format(time.Kitchen))
			return
		}
		fmt.Printf("=== Order %s updated (%s)\n", event.ScopeID, event.CreatedAt.Format(time.Kitchen))
	case "order_created":
		fmt.Printf("=== New order %s (%s)\n", event.ScopeID, event.CreatedAt.Format(time.Kitchen))
	case "order_deleted":
		fmt.Printf("=== Order %s removed (%s)\n", event.ScopeID, event.CreatedAt.Format(time.Kitchen))
	default:
		fmt.Printf("=== %s event for scope %s (%s)\n", event.Type, scope, event.CreatedAt.Format(time.Kitchen))
	}
}
