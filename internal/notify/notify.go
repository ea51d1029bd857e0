// Package notify delivers offers and status events to drivers and riders.
// Delivery is best-effort: a failed send is logged by callers and never
// rolls back dispatch state; the offer TTL covers unreachable drivers.
package notify

import "context"

// Event types pushed over the notification channel.
const (
	EventRideOffer      = "ride_offer"
	EventRideConfirmed  = "ride_confirmed"
	EventDriverAssigned = "driver_assigned"
	EventRideCancelled  = "ride_cancelled"
	EventNoDrivers      = "no_drivers_available"
	EventLocationUpdate = "location_update"
)

// Message is the envelope sent to a connected client.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Notifier is the delivery collaborator used by dispatch.
type Notifier interface {
	Notify(ctx context.Context, targetID, event string, payload any) error
}
