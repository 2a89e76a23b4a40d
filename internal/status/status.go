// Package status holds the order lifecycle state machine: the canonical
// status vocabulary, the simplified vocabulary some restaurant-facing
// surfaces use, and the transition table that decides which status changes
// are legal. Everything here is pure; the authoritative check lives in the
// database, this copy rejects bad transitions before they are queued.
package status

import "fmt"

type Status string

const (
	Pending              Status = "pending"
	AwaitingRestaurant   Status = "awaiting_restaurant"
	RestaurantAssigned   Status = "restaurant_assigned"
	RestaurantAccepted   Status = "restaurant_accepted"
	RestaurantRejected   Status = "restaurant_rejected"
	Preparing            Status = "preparing"
	ReadyForPickup       Status = "ready_for_pickup"
	OnTheWay             Status = "on_the_way"
	Delivered            Status = "delivered"
	Cancelled            Status = "cancelled"
	Refunded             Status = "refunded"
	NoRestaurantAccepted Status = "no_restaurant_accepted"
	ExpiredAssignment    Status = "expired_assignment"
)

// simplifiedToCanonical maps the short restaurant-facing vocabulary onto
// canonical statuses. canonicalToSimplified is its exact inverse.
var simplifiedToCanonical = map[string]Status{
	"accepted":   RestaurantAccepted,
	"rejected":   RestaurantRejected,
	"preparing":  Preparing,
	"ready":      ReadyForPickup,
	"delivering": OnTheWay,
	"completed":  Delivered,
}

var canonicalToSimplified = map[Status]string{
	RestaurantAccepted: "accepted",
	RestaurantRejected: "rejected",
	Preparing:          "preparing",
	ReadyForPickup:     "ready",
	OnTheWay:           "delivering",
	Delivered:          "completed",
}

// transitions is the adjacency table. Statuses absent as keys are terminal.
var transitions = map[Status][]Status{
	Pending:            {AwaitingRestaurant, Cancelled},
	AwaitingRestaurant: {RestaurantAssigned, Cancelled, NoRestaurantAccepted},
	RestaurantAssigned: {RestaurantAccepted, RestaurantRejected, ExpiredAssignment},
	RestaurantAccepted: {Preparing},
	Preparing:          {ReadyForPickup},
	ReadyForPickup:     {OnTheWay},
	OnTheWay:           {Delivered},
}

var canonical = map[Status]bool{
	Pending:              true,
	AwaitingRestaurant:   true,
	RestaurantAssigned:   true,
	RestaurantAccepted:   true,
	RestaurantRejected:   true,
	Preparing:            true,
	ReadyForPickup:       true,
	OnTheWay:             true,
	Delivered:            true,
	Cancelled:            true,
	Refunded:             true,
	NoRestaurantAccepted: true,
	ExpiredAssignment:    true,
}

// Canonicalize maps a simplified status string to its canonical equivalent.
// Unrecognized strings are returned unchanged; use Parse where a typo must
// be rejected instead of passed along.
func Canonicalize(raw string) Status {
	if s, ok := simplifiedToCanonical[raw]; ok {
		return s
	}
	return Status(raw)
}

// Simplify maps a canonical status to the simplified vocabulary. Statuses
// without a simplified counterpart are returned unchanged.
func Simplify(s Status) string {
	if simplified, ok := canonicalToSimplified[s]; ok {
		return simplified
	}
	return string(s)
}

// Parse resolves a string from either vocabulary into a canonical status,
// rejecting anything it does not recognize.
func Parse(raw string) (Status, error) {
	if s, ok := simplifiedToCanonical[raw]; ok {
		return s, nil
	}
	if canonical[Status(raw)] {
		return Status(raw), nil
	}
	return "", fmt.Errorf("unrecognized order status %q", raw)
}

// IsValidTransition reports whether an order may move from oldStatus to
// newStatus. Both inputs may be in either vocabulary. Terminal statuses
// and unrecognized inputs permit no transitions.
func IsValidTransition(oldStatus, newStatus string) bool {
	from := Canonicalize(oldStatus)
	to := Canonicalize(newStatus)
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func IsCanonical(s Status) bool {
	return canonical[s]
}

// IsTerminal reports whether no further transition is permitted from s.
// Unrecognized statuses count as terminal since the table allows them
// nothing.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// IsPreAssignment reports whether s precedes restaurant assignment; an
// order in such a status must not carry a restaurant id.
func IsPreAssignment(s Status) bool {
	return s == Pending || s == AwaitingRestaurant
}
