package agent

import (
	"testing"

	"dishpatch/pkg/models"

	"github.com/stretchr/testify/assert"
)

func TestOrdersValidatorInsert(t *testing.T) {
	valid := map[string]any{
		"id":           "ord-1",
		"customer_id":  "cust-1",
		"status":       "pending",
		"subtotal":     20.50,
		"delivery_fee": 4.50,
		"total":        25.00,
	}

	tests := []struct {
		name    string
		mutate  func(p map[string]any)
		wantErr bool
	}{
		{"valid", func(p map[string]any) {}, false},
		{"missing_id", func(p map[string]any) { delete(p, "id") }, true},
		{"missing_customer", func(p map[string]any) { delete(p, "customer_id") }, true},
		{"typo_status", func(p map[string]any) { p["status"] = "pendng" }, true},
		{"not_pending", func(p map[string]any) { p["status"] = "preparing" }, true},
		{"negative_subtotal", func(p map[string]any) { p["subtotal"] = -1.0 }, true},
		{"total_mismatch", func(p map[string]any) { p["total"] = 99.0 }, true},
		{"string_amounts", func(p map[string]any) {
			p["subtotal"], p["delivery_fee"], p["total"] = "20.50", "4.50", "25.00"
		}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := make(map[string]any, len(valid))
			for k, v := range valid {
				payload[k] = v
			}
			tc.mutate(payload)

			err := ordersValidator(models.MutationInsert, payload, nil)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrdersValidatorStatusUpdate(t *testing.T) {
	filter := map[string]any{"id": "ord-1", "current_status": "preparing"}

	err := ordersValidator(models.MutationUpdate, map[string]any{"status": "ready_for_pickup"}, filter)
	assert.NoError(t, err)

	// Simplified vocabulary works too.
	err = ordersValidator(models.MutationUpdate, map[string]any{"status": "ready"}, filter)
	assert.NoError(t, err)

	// Illegal transition is rejected before anything is queued.
	err = ordersValidator(models.MutationUpdate, map[string]any{"status": "delivered"}, filter)
	assert.Error(t, err)

	// Unrecognized status fails loudly rather than passing through.
	err = ordersValidator(models.MutationUpdate, map[string]any{"status": "redy"}, filter)
	assert.Error(t, err)

	// A status update without the current status cannot be checked.
	err = ordersValidator(models.MutationUpdate, map[string]any{"status": "ready"},
		map[string]any{"id": "ord-1"})
	assert.Error(t, err)

	// Non-status updates need only the id.
	err = ordersValidator(models.MutationUpdate, map[string]any{"delivery_fee": 5.0},
		map[string]any{"id": "ord-1"})
	assert.NoError(t, err)

	// Missing id.
	err = ordersValidator(models.MutationUpdate, map[string]any{"delivery_fee": 5.0}, map[string]any{})
	assert.Error(t, err)
}

func TestOrderItemsValidator(t *testing.T) {
	valid := map[string]any{
		"id":         "item-1",
		"order_id":   "ord-1",
		"meal_id":    "meal-1",
		"name":       "Margherita",
		"unit_price": 12.90,
		"quantity":   2.0,
	}

	assert.NoError(t, orderItemsValidator(models.MutationInsert, valid, nil))

	bad := map[string]any{}
	for k, v := range valid {
		bad[k] = v
	}
	bad["quantity"] = 0.0
	assert.Error(t, orderItemsValidator(models.MutationInsert, bad, nil))

	bad["quantity"] = 2.0
	bad["unit_price"] = -1.0
	assert.Error(t, orderItemsValidator(models.MutationInsert, bad, nil))

	assert.NoError(t, orderItemsValidator(models.MutationDelete, nil, map[string]any{"id": "item-1"}))
	assert.Error(t, orderItemsValidator(models.MutationDelete, nil, nil))
}

func TestNotificationsValidator(t *testing.T) {
	assert.NoError(t, notificationsValidator(models.MutationInsert, map[string]any{
		"id": "n-1", "user_id": "u-1", "type": "order_updated",
	}, nil))

	assert.Error(t, notificationsValidator(models.MutationInsert, map[string]any{
		"id": "n-1", "user_id": "u-1",
	}, nil))

	filter := map[string]any{"id": "n-1"}
	assert.NoError(t, notificationsValidator(models.MutationUpdate, map[string]any{"read": true}, filter))
	assert.Error(t, notificationsValidator(models.MutationUpdate, map[string]any{"read": "yes"}, filter))
}
