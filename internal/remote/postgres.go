// Package remote implements the collaborators the sync core depends on:
// a Postgres-backed mutation applier and an AMQP-backed realtime channel.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dishpatch/internal/status"
	"dishpatch/internal/syncqueue"
	"dishpatch/pkg/logger"
	"dishpatch/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Column whitelists per collection. Payload keys outside these never reach
// the SQL layer.
var collectionColumns = map[string]map[string]bool{
	"orders": {
		"id": true, "customer_id": true, "restaurant_id": true,
		"status": true, "subtotal": true, "delivery_fee": true,
		"total": true, "delivery_lat": true, "delivery_lng": true,
	},
	"order_items": {
		"id": true, "order_id": true, "meal_id": true,
		"name": true, "unit_price": true, "quantity": true,
	},
	"notifications": {
		"id": true, "user_id": true, "order_id": true,
		"type": true, "payload": true, "read": true,
	},
}

// PostgresStore is the remote persistence collaborator. It holds the
// authoritative copy of every order; the client-side transition check is
// advisory, this one is enforced inside the transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, log *logger.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, log: log}
}

// ApplyMutation replays one queued mutation. Errors that retrying cannot
// fix (unknown collection, missing row, illegal status transition) come
// back wrapped as permanent so the queue dead-letters them.
func (s *PostgresStore) ApplyMutation(ctx context.Context, m *models.QueuedMutation) error {
	columns, ok := collectionColumns[m.Collection]
	if !ok {
		return syncqueue.Permanent(fmt.Errorf("%w: %s", ErrUnknownCollection, m.Collection))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	switch m.Kind {
	case models.MutationInsert:
		err = s.applyInsert(ctx, tx, m, columns)
	case models.MutationUpdate:
		err = s.applyUpdate(ctx, tx, m, columns)
	case models.MutationDelete:
		err = s.applyDelete(ctx, tx, m)
	default:
		return syncqueue.Permanent(fmt.Errorf("unknown mutation kind %q", m.Kind))
	}
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) applyInsert(ctx context.Context, tx pgx.Tx, m *models.QueuedMutation, columns map[string]bool) error {
	cols := make([]string, 0, len(m.Payload))
	placeholders := make([]string, 0, len(m.Payload))
	args := make([]any, 0, len(m.Payload))
	for col, val := range m.Payload {
		if !columns[col] {
			continue
		}
		cols = append(cols, col)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, val)
	}
	if len(cols) == 0 {
		return syncqueue.Permanent(errors.New("insert payload has no known columns"))
	}

	// ON CONFLICT DO NOTHING keeps replay idempotent: a retried insert
	// whose first attempt actually landed must not fail the drain.
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING",
		m.Collection, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", m.Collection, err)
	}
	return nil
}

func (s *PostgresStore) applyUpdate(ctx context.Context, tx pgx.Tx, m *models.QueuedMutation, columns map[string]bool) error {
	id, ok := m.Filter["id"].(string)
	if !ok || id == "" {
		return syncqueue.Permanent(errors.New("update filter must carry an id"))
	}

	if m.Collection == "orders" {
		if newStatus, ok := m.Payload["status"].(string); ok {
			if err := s.checkTransition(ctx, tx, id, newStatus); err != nil {
				return err
			}
		}
	}

	sets := make([]string, 0, len(m.Payload))
	args := make([]any, 0, len(m.Payload)+1)
	for col, val := range m.Payload {
		if !columns[col] || col == "id" {
			continue
		}
		// Rows always hold the canonical vocabulary, whatever the client sent.
		if m.Collection == "orders" && col == "status" {
			if raw, ok := val.(string); ok {
				val = string(status.Canonicalize(raw))
			}
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)+1))
		args = append(args, val)
	}
	if len(sets) == 0 {
		return syncqueue.Permanent(errors.New("update payload has no known columns"))
	}
	if m.Collection == "orders" {
		sets = append(sets, "updated_at = now()")
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		m.Collection, strings.Join(sets, ", "), len(args))
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", m.Collection, err)
	}
	if tag.RowsAffected() == 0 {
		return syncqueue.Permanent(fmt.Errorf("no %s row with id %s", m.Collection, id))
	}
	return nil
}

func (s *PostgresStore) applyDelete(ctx context.Context, tx pgx.Tx, m *models.QueuedMutation) error {
	id, ok := m.Filter["id"].(string)
	if !ok || id == "" {
		return syncqueue.Permanent(errors.New("delete filter must carry an id"))
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", m.Collection), id); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", m.Collection, err)
	}
	return nil
}

// checkTransition is the authoritative status guard. The row is locked so
// a racing update through another path cannot slip an illegal transition
// past the check.
func (s *PostgresStore) checkTransition(ctx context.Context, tx pgx.Tx, orderID, newStatus string) error {
	var current string
	err := tx.QueryRow(ctx, "SELECT status FROM orders WHERE id = $1 FOR UPDATE", orderID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return syncqueue.Permanent(fmt.Errorf("%w: %s", ErrOrderNotFound, orderID))
	}
	if err != nil {
		return fmt.Errorf("failed to read current order status: %w", err)
	}

	if !status.IsValidTransition(current, newStatus) {
		return syncqueue.Permanent(
			fmt.Errorf("illegal status transition %s -> %s for order %s", current, newStatus, orderID))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_status_log (order_id, old_status, new_status, changed_at)
		VALUES ($1, $2, $3, now())
	`, orderID, current, string(status.Canonicalize(newStatus)))
	if err != nil {
		return fmt.Errorf("failed to log status change: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchOrder(ctx context.Context, id string) (*models.Order, error) {
	order := &models.Order{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, restaurant_id, status, subtotal, delivery_fee,
		       total, delivery_lat, delivery_lng, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id).Scan(
		&order.ID, &order.CustomerID, &order.RestaurantID, &order.Status,
		&order.Subtotal, &order.DeliveryFee, &order.Total,
		&order.DeliveryLat, &order.DeliveryLng, &order.CreatedAt, &order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, meal_id, name, unit_price, quantity
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch items for order %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.MealID,
			&item.Name, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read order items: %w", err)
	}

	return order, nil
}

// Ping reports whether the remote store is reachable; the agent's
// connectivity probe uses it.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
