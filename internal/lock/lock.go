// Package lock provides the two atomic, TTL-bearing primitives dispatch
// coordination relies on: the per-driver claim and the per-ride pending
// offer. Both are conditional writes; neither may ever be updated through a
// read-then-write sequence, or two dispatches could hold the same driver.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOfferExists is returned when a pending offer is set for a ride that
// already has an unexpired one.
var ErrOfferExists = errors.New("pending offer already exists")

type Coordinator interface {
	// Claim grants an exclusive hold on the driver for rideID, expiring after
	// ttl unless released. Returns false if the driver is already claimed.
	Claim(ctx context.Context, driverID, rideID string, ttl time.Duration) (bool, error)
	// Release clears the driver's claim only if it is held for rideID.
	Release(ctx context.Context, driverID, rideID string) error
	// SetPendingOffer records the single offer currently addressed to a
	// driver for rideID, expiring after ttl.
	SetPendingOffer(ctx context.Context, rideID, driverID string, ttl time.Duration) error
	// GetPendingOffer returns the currently addressed driver, or "" if none.
	GetPendingOffer(ctx context.Context, rideID string) (string, error)
	// ClearPendingOfferIf clears the pending offer only if it still names
	// driverID. The timer path and the response path both funnel through
	// this; whichever clears first wins and the other becomes a no-op.
	ClearPendingOfferIf(ctx context.Context, rideID, driverID string) (bool, error)
}

type entry struct {
	val     string
	expires time.Time
}

func (e entry) live(now time.Time) bool { return now.Before(e.expires) }

// Memory implements Coordinator in-process for single-instance runs and
// tests. Semantics mirror the Redis implementation exactly.
type Memory struct {
	mu     sync.Mutex
	claims map[string]entry
	offers map[string]entry
}

func NewMemory() *Memory {
	return &Memory{claims: make(map[string]entry), offers: make(map[string]entry)}
}

func (m *Memory) Claim(_ context.Context, driverID, rideID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if e, ok := m.claims[driverID]; ok && e.live(now) {
		return false, nil
	}
	m.claims[driverID] = entry{val: rideID, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, driverID, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.claims[driverID]; ok && e.live(time.Now()) && e.val == rideID {
		delete(m.claims, driverID)
	}
	return nil
}

func (m *Memory) SetPendingOffer(_ context.Context, rideID, driverID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if e, ok := m.offers[rideID]; ok && e.live(now) {
		return ErrOfferExists
	}
	m.offers[rideID] = entry{val: driverID, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) GetPendingOffer(_ context.Context, rideID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.offers[rideID]; ok && e.live(time.Now()) {
		return e.val, nil
	}
	return "", nil
}

func (m *Memory) ClearPendingOfferIf(_ context.Context, rideID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.offers[rideID]
	if !ok || !e.live(time.Now()) || e.val != driverID {
		return false, nil
	}
	delete(m.offers, rideID)
	return true, nil
}
