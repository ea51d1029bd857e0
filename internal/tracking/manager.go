// Package tracking maintains one live location session per assigned ride:
// bounded recent history, ETA to destination, and latest-position broadcast
// to ride subscribers. Ingest also feeds the presence registry so later
// dispatches see fresh driver positions.
package tracking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNoActiveSession = errors.New("no active tracking session")
	ErrNotAuthorized   = errors.New("not authorized for this ride")
)

// MaxBatchSize bounds one batch ingest call.
const MaxBatchSize = 50

// Broadcaster pushes the latest sample to subscribers of a ride.
type Broadcaster interface {
	Notify(ctx context.Context, targetID, event string, payload any) error
}

// SamplePublisher forwards samples to the ingest pipeline (Kafka).
type SamplePublisher interface {
	PublishSample(driverID string, s models.LocationSample) error
}

type session struct {
	id         string
	rideID     string
	driverID   string
	customerID string
	active     bool
	startedAt  time.Time
	endedAt    time.Time
	last       *models.LocationSample
	lastUpdate time.Time
	history    []models.LocationSample
	total      int
}

type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*session // by ride id
	byDriver  map[string]string   // driver id -> ride id, active sessions only
	limit     int
	rides     storage.RideStore
	presence  presence.Registry
	hub       Broadcaster
	publisher SamplePublisher // optional
	est       *eta.Estimator
	operators map[string]bool
	logger    *slog.Logger
}

func NewManager(rides storage.RideStore, reg presence.Registry, hub Broadcaster, publisher SamplePublisher, est *eta.Estimator, historyLimit int, operators []string, logger *slog.Logger) *Manager {
	ops := make(map[string]bool, len(operators))
	for _, o := range operators {
		ops[o] = true
	}
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Manager{
		sessions:  make(map[string]*session),
		byDriver:  make(map[string]string),
		limit:     historyLimit,
		rides:     rides,
		presence:  reg,
		hub:       hub,
		publisher: publisher,
		est:       est,
		operators: ops,
		logger:    logger,
	}
}

// Start opens a tracking session for the ride. Idempotent: an existing
// active session for the same ride is reused. The caller must be the ride's
// customer, its driver, or an operator.
func (m *Manager) Start(ctx context.Context, rideID, actorID string) (string, error) {
	ride, err := m.rides.Get(ctx, rideID)
	if err != nil {
		return "", err
	}
	if !m.authorized(actorID, ride) {
		return "", ErrNotAuthorized
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[rideID]; ok && s.active {
		return s.id, nil
	}
	s := &session{
		id:         newSessionID(),
		rideID:     rideID,
		driverID:   ride.DriverID,
		customerID: ride.RiderID,
		active:     true,
		startedAt:  time.Now(),
	}
	m.sessions[rideID] = s
	if s.driverID != "" {
		m.byDriver[s.driverID] = rideID
	}
	observability.TrackingSessionsActive.Inc()
	m.logger.Info("tracking session started", "ride_id", rideID, "session_id", s.id)
	return s.id, nil
}

// Stop closes the session and reports its duration and total sample count.
func (m *Manager) Stop(ctx context.Context, rideID, actorID, reason string) (time.Duration, int, error) {
	ride, err := m.rides.Get(ctx, rideID)
	if err != nil {
		return 0, 0, err
	}
	if !m.authorized(actorID, ride) {
		return 0, 0, ErrNotAuthorized
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[rideID]
	if !ok || !s.active {
		return 0, 0, ErrNoActiveSession
	}
	s.active = false
	s.endedAt = time.Now()
	delete(m.byDriver, s.driverID)
	observability.TrackingSessionsActive.Dec()
	m.logger.Info("tracking session stopped", "ride_id", rideID, "session_id", s.id, "reason", reason, "samples", s.total)
	return s.endedAt.Sub(s.startedAt), s.total, nil
}

// CloseForRide closes any active session for the ride without an actor
// check. Used internally when a ride completes or is cancelled.
func (m *Manager) CloseForRide(rideID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[rideID]
	if !ok || !s.active {
		return
	}
	s.active = false
	s.endedAt = time.Now()
	delete(m.byDriver, s.driverID)
	observability.TrackingSessionsActive.Dec()
	m.logger.Info("tracking session closed", "ride_id", rideID, "session_id", s.id, "reason", reason)
}

// Ingest appends one sample to the driver's active session.
func (m *Manager) Ingest(ctx context.Context, driverID string, sample models.LocationSample) error {
	return m.ingest(ctx, driverID, []models.LocationSample{sample})
}

// IngestBatch appends up to MaxBatchSize samples. All samples land in the
// bounded history but only the most recent one is broadcast, to avoid
// flooding subscribers.
func (m *Manager) IngestBatch(ctx context.Context, driverID string, samples []models.LocationSample) error {
	if len(samples) == 0 || len(samples) > MaxBatchSize {
		return errors.New("batch size must be 1..50")
	}
	return m.ingest(ctx, driverID, samples)
}

func (m *Manager) ingest(ctx context.Context, driverID string, samples []models.LocationSample) error {
	m.mu.Lock()
	rideID, ok := m.byDriver[driverID]
	if !ok {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	s := m.sessions[rideID]
	if s == nil || !s.active {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	now := time.Now()
	for i := range samples {
		if samples[i].Timestamp.IsZero() {
			samples[i].Timestamp = now
		}
		s.history = append(s.history, samples[i])
	}
	if over := len(s.history) - m.limit; over > 0 {
		s.history = s.history[over:]
	}
	last := samples[len(samples)-1]
	s.last = &last
	s.lastUpdate = now
	s.total += len(samples)
	m.mu.Unlock()

	observability.SamplesIngested.Add(float64(len(samples)))

	// keep the presence registry fresh for future dispatches
	if err := m.presence.Heartbeat(ctx, driverID, models.Coord{Lat: last.Lat, Lng: last.Lng}, last.Heading, last.Speed); err != nil {
		m.logger.Warn("presence heartbeat failed", "driver_id", driverID, "error", err)
	}
	if m.publisher != nil {
		if err := m.publisher.PublishSample(driverID, last); err != nil {
			m.logger.Warn("sample publish failed", "driver_id", driverID, "error", err)
		}
	}
	if m.hub != nil {
		if err := m.hub.Notify(ctx, rideID, notify.EventLocationUpdate, last); err != nil && !errors.Is(err, notify.ErrNoSession) {
			m.logger.Warn("location broadcast failed", "ride_id", rideID, "error", err)
		}
	}
	return nil
}

// Status returns a snapshot of the ride's session, including the running
// duration and an ETA to the ride destination when a position is known.
func (m *Manager) Status(ctx context.Context, rideID string) (models.TrackingSnapshot, error) {
	m.mu.RLock()
	s, ok := m.sessions[rideID]
	if !ok {
		m.mu.RUnlock()
		return models.TrackingSnapshot{}, ErrNoActiveSession
	}
	snap := models.TrackingSnapshot{
		SessionID:   s.id,
		RideID:      s.rideID,
		DriverID:    s.driverID,
		CustomerID:  s.customerID,
		IsActive:    s.active,
		StartedAt:   s.startedAt,
		SampleCount: s.total,
	}
	if s.active {
		snap.DurationSeconds = time.Since(s.startedAt).Seconds()
	} else {
		ended := s.endedAt
		snap.EndedAt = &ended
		snap.DurationSeconds = s.endedAt.Sub(s.startedAt).Seconds()
	}
	if s.last != nil {
		last := *s.last
		snap.LastLocation = &last
		upd := s.lastUpdate
		snap.LastUpdateAt = &upd
	}
	m.mu.RUnlock()

	if snap.LastLocation != nil {
		if ride, err := m.rides.Get(ctx, rideID); err == nil {
			min := m.est.Minutes(models.Coord{Lat: snap.LastLocation.Lat, Lng: snap.LastLocation.Lng}, ride.Destination)
			snap.EtaMinutes = &min
		}
	}
	return snap, nil
}

func (m *Manager) authorized(actorID string, ride *models.Ride) bool {
	if actorID == "" {
		return false
	}
	return actorID == ride.RiderID || actorID == ride.DriverID || m.operators[actorID]
}

func newSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
