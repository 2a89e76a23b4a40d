package models

import (
	"errors"
	"time"

	"dishpatch/internal/status"

	"github.com/shopspring/decimal"
)

var (
	ErrTotalMismatch       = errors.New("total must equal subtotal plus delivery fee")
	ErrNegativeAmount      = errors.New("monetary amounts must be non-negative")
	ErrUnknownStatus       = errors.New("status is not a canonical order status")
	ErrPrematureRestaurant = errors.New("restaurant must not be set before assignment")
	ErrEmptyItems          = errors.New("order must contain at least one item")
	ErrBadQuantity         = errors.New("item quantity must be at least 1")
)

type Order struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customer_id"`
	RestaurantID *string         `json:"restaurant_id,omitempty"`
	Status       string          `json:"status"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	DeliveryFee  decimal.Decimal `json:"delivery_fee"`
	Total        decimal.Decimal `json:"total"`
	DeliveryLat  *float64        `json:"delivery_lat,omitempty"`
	DeliveryLng  *float64        `json:"delivery_lng,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Items        []OrderItem     `json:"items"`
}

type OrderItem struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	MealID    string          `json:"meal_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// centTolerance absorbs rounding differences between a client-computed
// total and the stored subtotal + fee.
var centTolerance = decimal.New(1, -2)

// Validate enforces the order invariants: the monetary identity, canonical
// status membership, item sanity, and no restaurant assignment before the
// order reaches restaurant_assigned.
func (o *Order) Validate() error {
	if o.Subtotal.IsNegative() || o.DeliveryFee.IsNegative() || o.Total.IsNegative() {
		return ErrNegativeAmount
	}
	if o.Total.Sub(o.Subtotal.Add(o.DeliveryFee)).Abs().GreaterThan(centTolerance) {
		return ErrTotalMismatch
	}
	if !status.IsCanonical(status.Status(o.Status)) {
		return ErrUnknownStatus
	}
	if o.RestaurantID != nil && status.IsPreAssignment(status.Status(o.Status)) {
		return ErrPrematureRestaurant
	}
	if len(o.Items) == 0 {
		return ErrEmptyItems
	}
	for _, item := range o.Items {
		if item.Quantity < 1 {
			return ErrBadQuantity
		}
		if item.UnitPrice.IsNegative() {
			return ErrNegativeAmount
		}
	}
	return nil
}

type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// QueuedMutation is a locally buffered write awaiting replay against the
// remote store. It has no server-side representation until applied.
type QueuedMutation struct {
	ID          string         `json:"id"`
	Kind        MutationKind   `json:"kind"`
	Collection  string         `json:"collection"`
	Payload     map[string]any `json:"payload"`
	Filter      map[string]any `json:"filter,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	RetryCount  int            `json:"retry_count"`
	LastError   string         `json:"last_error,omitempty"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
}

type OrderEvent struct {
	ID        string         `json:"id"`
	ScopeID   string         `json:"scope_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notification is an order event addressed to a user, carrying a read
// flag. Once read it stays read unless the user flips it back.
type Notification struct {
	OrderEvent
	Read bool `json:"read"`
}
