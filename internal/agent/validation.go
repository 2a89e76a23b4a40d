package agent

import (
	"errors"
	"fmt"

	"dishpatch/internal/status"
	"dishpatch/internal/syncqueue"
	"dishpatch/pkg/models"

	"github.com/shopspring/decimal"
)

// Enqueue-time validators, one per collection. They catch malformed
// offline writes before they are ever buffered; the remote store stays
// the authority on what finally lands.

func ordersValidator(kind models.MutationKind, payload, filter map[string]any) error {
	switch kind {
	case models.MutationInsert:
		for _, field := range []string{"id", "customer_id", "status"} {
			if _, ok := payload[field].(string); !ok {
				return fmt.Errorf("orders insert requires string field %q", field)
			}
		}
		parsed, err := status.Parse(payload["status"].(string))
		if err != nil {
			return err
		}
		if parsed != status.Pending {
			return fmt.Errorf("new orders must start in %q, got %q", status.Pending, parsed)
		}
		return validateTotals(payload)

	case models.MutationUpdate:
		if err := requireFilterID(filter); err != nil {
			return err
		}
		rawStatus, ok := payload["status"].(string)
		if !ok {
			return nil
		}
		if _, err := status.Parse(rawStatus); err != nil {
			return err
		}
		// A status update must name the status it moves away from so the
		// transition can be rejected before anything is queued.
		current, ok := filter["current_status"].(string)
		if !ok {
			return errors.New("orders status update requires current_status in filter")
		}
		if !status.IsValidTransition(current, rawStatus) {
			return fmt.Errorf("invalid status transition %s -> %s", current, rawStatus)
		}
		return nil

	case models.MutationDelete:
		return requireFilterID(filter)
	}
	return fmt.Errorf("unsupported mutation kind %q for orders", kind)
}

func orderItemsValidator(kind models.MutationKind, payload, filter map[string]any) error {
	switch kind {
	case models.MutationInsert:
		for _, field := range []string{"id", "order_id", "meal_id", "name"} {
			if _, ok := payload[field].(string); !ok {
				return fmt.Errorf("order_items insert requires string field %q", field)
			}
		}
		qty, ok := asDecimal(payload["quantity"])
		if !ok || qty.LessThan(decimal.NewFromInt(1)) {
			return errors.New("order_items quantity must be at least 1")
		}
		price, ok := asDecimal(payload["unit_price"])
		if !ok || price.IsNegative() {
			return errors.New("order_items unit_price must be non-negative")
		}
		return nil
	case models.MutationUpdate, models.MutationDelete:
		return requireFilterID(filter)
	}
	return fmt.Errorf("unsupported mutation kind %q for order_items", kind)
}

func notificationsValidator(kind models.MutationKind, payload, filter map[string]any) error {
	switch kind {
	case models.MutationInsert:
		for _, field := range []string{"id", "user_id", "type"} {
			if _, ok := payload[field].(string); !ok {
				return fmt.Errorf("notifications insert requires string field %q", field)
			}
		}
		return nil
	case models.MutationUpdate:
		if err := requireFilterID(filter); err != nil {
			return err
		}
		if raw, present := payload["read"]; present {
			if _, ok := raw.(bool); !ok {
				return errors.New("notifications read flag must be a boolean")
			}
		}
		return nil
	case models.MutationDelete:
		return requireFilterID(filter)
	}
	return fmt.Errorf("unsupported mutation kind %q for notifications", kind)
}

func registerValidators(q *syncqueue.Queue) {
	q.RegisterValidator("orders", ordersValidator)
	q.RegisterValidator("order_items", orderItemsValidator)
	q.RegisterValidator("notifications", notificationsValidator)
}

// validateTotals enforces total = subtotal + delivery_fee within a cent.
func validateTotals(payload map[string]any) error {
	subtotal, ok := asDecimal(payload["subtotal"])
	if !ok || subtotal.IsNegative() {
		return errors.New("orders insert requires a non-negative subtotal")
	}
	fee, ok := asDecimal(payload["delivery_fee"])
	if !ok || fee.IsNegative() {
		return errors.New("orders insert requires a non-negative delivery_fee")
	}
	total, ok := asDecimal(payload["total"])
	if !ok || total.IsNegative() {
		return errors.New("orders insert requires a non-negative total")
	}
	if total.Sub(subtotal.Add(fee)).Abs().GreaterThan(decimal.New(1, -2)) {
		return errors.New("orders total must equal subtotal plus delivery_fee")
	}
	return nil
}

func requireFilterID(filter map[string]any) error {
	if id, ok := filter["id"].(string); !ok || id == "" {
		return errors.New("filter must carry a non-empty id")
	}
	return nil
}

// asDecimal accepts the numeric shapes a JSON payload can carry.
func asDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	case decimal.Decimal:
		return n, true
	}
	return decimal.Decimal{}, false
}
