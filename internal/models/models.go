package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Ride status values for the slice of the lifecycle dispatch touches.
const (
	RideRequested   = "requested"
	RideDispatching = "dispatching"
	RideAccepted    = "accepted"
	RideOngoing     = "ongoing"
	RideCompleted   = "completed"
	RideCancelled   = "cancelled"
)

type Ride struct {
	ID          string    `json:"id"`
	RiderID     string    `json:"rider_id"`
	DriverID    string    `json:"driver_id,omitempty"`
	Pickup      Coord     `json:"pickup"`
	Destination Coord     `json:"destination"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DriverPresence is the registry's view of one driver. Claim state lives in
// the lock coordinator, not here.
type DriverPresence struct {
	ID              string    `json:"id"`
	Loc             Coord     `json:"loc"`
	Heading         float64   `json:"heading"`
	Speed           float64   `json:"speed"`
	Available       bool      `json:"available"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Offer outcome states.
const (
	OfferPending  = "pending"
	OfferAccepted = "accepted"
	OfferDeclined = "declined"
	OfferExpired  = "expired"
)

// RideOffer is the payload delivered to a candidate driver.
type RideOffer struct {
	RideID      string    `json:"ride_id"`
	DriverID    string    `json:"driver_id"`
	Pickup      Coord     `json:"pickup"`
	Destination Coord     `json:"destination"`
	EtaMinutes  float64   `json:"eta_minutes"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type LocationSample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Altitude  float64   `json:"altitude,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// TrackingSnapshot is the read model returned by the tracking status endpoint.
type TrackingSnapshot struct {
	SessionID       string          `json:"session_id"`
	RideID          string          `json:"ride_id"`
	DriverID        string          `json:"driver_id,omitempty"`
	CustomerID      string          `json:"customer_id,omitempty"`
	IsActive        bool            `json:"is_active"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	LastLocation    *LocationSample `json:"last_location,omitempty"`
	LastUpdateAt    *time.Time      `json:"last_update_at,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	SampleCount     int             `json:"sample_count"`
	EtaMinutes      *float64        `json:"eta_minutes,omitempty"`
}
