// Package dispatch drives the end-to-end matching protocol for one ride:
// build the nearest-first candidate queue, claim and offer to the head,
// wait for accept/decline/timeout, and fall back to the next candidate
// until success or exhaustion.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrNoDrivers is the terminal "queue exhausted" outcome.
	ErrNoDrivers = errors.New("no drivers available")
	// ErrStaleResponse marks a response from a driver other than the one the
	// pending offer names, or one arriving after expiry. It is a no-op.
	ErrStaleResponse = errors.New("stale offer response")
	// ErrAlreadyAssigned marks a dispatch request for a ride that already has
	// a driver. The existing assignment is reported, never replaced.
	ErrAlreadyAssigned = errors.New("ride already assigned")
	// ErrRideClosed marks a dispatch request for a completed or cancelled ride.
	ErrRideClosed = errors.New("ride is not dispatchable")
)

// offerGrace keeps the claim and pending offer alive past the response
// deadline. The expiry timer fires at the deadline while the records are
// still live, so the timer path wins the conditional clear and any response
// arriving after it reads as stale.
const offerGrace = 5 * time.Second

type Config struct {
	OfferTTL      time.Duration
	RadiusKm      float64
	MaxCandidates int
}

// Result reports the state of a dispatch after an entry point returns.
type Result struct {
	Assigned  bool   `json:"assigned"`
	DriverID  string `json:"driver_id,omitempty"` // assigned, or currently pending
	Exhausted bool   `json:"exhausted,omitempty"`
}

type Orchestrator struct {
	presence presence.Registry
	locks    lock.Coordinator
	rides    storage.RideStore
	notifier notify.Notifier
	est      *eta.Estimator
	cfg      Config
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run is the per-ride dispatch state. The candidate queue and timer are
// process-local; only the claim and pending offer live in the shared
// coordination store.
type run struct {
	mu       sync.Mutex
	rideID   string
	riderID  string
	pickup   models.Coord
	dest     models.Coord
	queue    []string
	tried    map[string]bool
	timer    *time.Timer
	issuedAt time.Time
	done     bool
}

func NewOrchestrator(reg presence.Registry, locks lock.Coordinator, rides storage.RideStore, n notify.Notifier, est *eta.Estimator, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		presence: reg,
		locks:    locks,
		rides:    rides,
		notifier: n,
		est:      est,
		cfg:      cfg,
		logger:   logger,
		runs:     make(map[string]*run),
	}
}

// Probe returns the nearby candidate list without starting a dispatch.
func (o *Orchestrator) Probe(ctx context.Context, lat, lng, radiusKm float64) ([]string, error) {
	if radiusKm <= 0 {
		radiusKm = o.cfg.RadiusKm
	}
	return o.presence.Nearby(ctx, lat, lng, radiusKm, o.cfg.MaxCandidates)
}

// Dispatch begins (or continues) matching for the ride and returns the
// driver currently holding the offer. ErrNoDrivers means the candidate
// queue was empty or exhausted before anyone accepted.
func (o *Orchestrator) Dispatch(ctx context.Context, ride *models.Ride, radiusKm float64) (string, error) {
	if radiusKm <= 0 {
		radiusKm = o.cfg.RadiusKm
	}

	// a retried request for a settled ride must never re-match
	switch ride.Status {
	case models.RideAccepted, models.RideOngoing:
		return ride.DriverID, ErrAlreadyAssigned
	case models.RideCompleted, models.RideCancelled:
		return "", ErrRideClosed
	}

	o.mu.Lock()
	if _, exists := o.runs[ride.ID]; exists {
		o.mu.Unlock()
		// dispatch already in flight; report the current pending driver
		return o.locks.GetPendingOffer(ctx, ride.ID)
	}
	o.mu.Unlock()

	cands, err := o.presence.Nearby(ctx, ride.Pickup.Lat, ride.Pickup.Lng, radiusKm, o.cfg.MaxCandidates)
	if err != nil {
		return "", err
	}
	if len(cands) == 0 {
		observability.DispatchFailed.Inc()
		o.notifyBestEffort(ctx, ride.RiderID, notify.EventNoDrivers, map[string]any{"ride_id": ride.ID})
		return "", ErrNoDrivers
	}

	r := &run{
		rideID:  ride.ID,
		riderID: ride.RiderID,
		pickup:  ride.Pickup,
		dest:    ride.Destination,
		queue:   cands,
		tried:   make(map[string]bool),
	}

	o.mu.Lock()
	if _, exists := o.runs[ride.ID]; exists {
		// lost the race to a concurrent trigger for the same ride
		o.mu.Unlock()
		return o.locks.GetPendingOffer(ctx, ride.ID)
	}
	o.runs[ride.ID] = r
	o.mu.Unlock()

	if err := o.rides.SetStatus(ctx, ride.ID, models.RideDispatching); err != nil {
		o.logger.Warn("ride status update failed", "ride_id", ride.ID, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return o.offerNextLocked(ctx, r)
}

// offerNextLocked pops candidates until one can be claimed and offered.
// Caller holds r.mu. A candidate that cannot be claimed or fails the
// liveness check is skipped with no offer sent.
func (o *Orchestrator) offerNextLocked(ctx context.Context, r *run) (string, error) {
	for len(r.queue) > 0 {
		d := r.queue[0]
		r.queue = r.queue[1:]
		if r.tried[d] {
			continue
		}
		r.tried[d] = true

		if !o.presence.IsAlive(ctx, d) {
			o.logger.Debug("candidate skipped, not alive", "ride_id", r.rideID, "driver_id", d)
			continue
		}
		granted, err := o.locks.Claim(ctx, d, r.rideID, o.cfg.OfferTTL+offerGrace)
		if err != nil {
			o.logger.Warn("claim attempt failed", "ride_id", r.rideID, "driver_id", d, "error", err)
			continue
		}
		if !granted {
			observability.ClaimsDenied.Inc()
			o.logger.Debug("candidate skipped, claimed elsewhere", "ride_id", r.rideID, "driver_id", d)
			continue
		}

		etaMin := 1.0
		if pres, ok := o.presence.Get(ctx, d); ok {
			etaMin = o.est.Minutes(pres.Loc, r.pickup)
		}

		if err := o.locks.SetPendingOffer(ctx, r.rideID, d, o.cfg.OfferTTL+offerGrace); err != nil {
			_ = o.locks.Release(ctx, d, r.rideID)
			return "", err
		}

		now := time.Now()
		offer := models.RideOffer{
			RideID:      r.rideID,
			DriverID:    d,
			Pickup:      r.pickup,
			Destination: r.dest,
			EtaMinutes:  etaMin,
			ExpiresAt:   now.Add(o.cfg.OfferTTL),
		}
		// delivery failure does not roll back the claim/offer; the TTL
		// fallback handles an unreachable driver the same as a silent one
		o.notifyBestEffort(ctx, d, notify.EventRideOffer, offer)

		r.issuedAt = now
		r.timer = time.AfterFunc(o.cfg.OfferTTL, func() { o.expire(r.rideID, d) })
		observability.OffersIssued.Inc()
		o.logger.Info("offer issued", "ride_id", r.rideID, "driver_id", d, "eta_minutes", etaMin)
		return d, nil
	}
	o.finishFailedLocked(ctx, r)
	return "", ErrNoDrivers
}

// expire is the timer path: same conditional clear-and-transition as the
// response path, so whichever fires first wins.
func (o *Orchestrator) expire(rideID, driverID string) {
	ctx := context.Background()
	cleared, err := o.locks.ClearPendingOfferIf(ctx, rideID, driverID)
	if err != nil {
		o.logger.Error("offer expiry clear failed", "ride_id", rideID, "driver_id", driverID, "error", err)
		return
	}
	if !cleared {
		return // a response got there first
	}
	_ = o.locks.Release(ctx, driverID, rideID)
	observability.OffersExpired.Inc()
	o.logger.Info("offer expired", "ride_id", rideID, "driver_id", driverID)

	r := o.getRun(rideID)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	observability.OfferWaitSeconds.Observe(time.Since(r.issuedAt).Seconds())
	_, _ = o.offerNextLocked(ctx, r)
}

// Respond handles a driver's accept/decline. A responder that does not
// match the pending offer is rejected as stale with no state change.
func (o *Orchestrator) Respond(ctx context.Context, rideID, driverID string, accept bool) (Result, error) {
	cleared, err := o.locks.ClearPendingOfferIf(ctx, rideID, driverID)
	if err != nil {
		return Result{}, err
	}
	if !cleared {
		observability.StaleResponses.Inc()
		return Result{}, ErrStaleResponse
	}

	r := o.getRun(rideID)
	if r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.timer != nil {
			r.timer.Stop()
		}
		observability.OfferWaitSeconds.Observe(time.Since(r.issuedAt).Seconds())
	}

	if accept {
		return o.finalizeAccept(ctx, r, rideID, driverID)
	}

	_ = o.locks.Release(ctx, driverID, rideID)
	observability.OffersDeclined.Inc()
	o.logger.Info("offer declined", "ride_id", rideID, "driver_id", driverID)

	if r == nil || r.done {
		return Result{Exhausted: true}, ErrNoDrivers
	}
	next, err := o.offerNextLocked(ctx, r)
	if err != nil {
		return Result{Exhausted: true}, err
	}
	return Result{DriverID: next}, nil
}

// finalizeAccept assigns the driver to the ride. The driver's claim is
// intentionally not released: the driver is now committed to this ride and
// the claim lapses with its TTL while ride.driver_id carries the durable
// assignment.
func (o *Orchestrator) finalizeAccept(ctx context.Context, r *run, rideID, driverID string) (Result, error) {
	if err := o.rides.Assign(ctx, rideID, driverID); err != nil {
		return Result{}, err
	}
	observability.OffersAccepted.Inc()
	observability.DispatchSucceeded.Inc()
	if r != nil {
		r.done = true
	}
	o.removeRun(rideID)

	o.notifyBestEffort(ctx, driverID, notify.EventRideConfirmed, map[string]any{"ride_id": rideID})
	if r != nil {
		o.notifyBestEffort(ctx, r.riderID, notify.EventDriverAssigned, map[string]any{"ride_id": rideID, "driver_id": driverID})
	}
	o.logger.Info("ride assigned", "ride_id", rideID, "driver_id", driverID)
	return Result{Assigned: true, DriverID: driverID}, nil
}

// Cancel tears down an in-flight dispatch proactively instead of letting
// the offer run out its TTL, so the claimed driver is freed at once.
func (o *Orchestrator) Cancel(ctx context.Context, rideID string) error {
	r := o.takeRun(rideID)
	if r != nil {
		r.mu.Lock()
		r.done = true
		if r.timer != nil {
			r.timer.Stop()
		}
		r.mu.Unlock()
	}

	if d, err := o.locks.GetPendingOffer(ctx, rideID); err == nil && d != "" {
		if cleared, _ := o.locks.ClearPendingOfferIf(ctx, rideID, d); cleared {
			_ = o.locks.Release(ctx, d, rideID)
			o.notifyBestEffort(ctx, d, notify.EventRideCancelled, map[string]any{"ride_id": rideID})
		}
	}
	if err := o.rides.SetStatus(ctx, rideID, models.RideCancelled); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	o.logger.Info("dispatch cancelled", "ride_id", rideID)
	return nil
}

// finishFailedLocked ends the dispatch with the terminal no-drivers outcome.
// Caller holds r.mu.
func (o *Orchestrator) finishFailedLocked(ctx context.Context, r *run) {
	r.done = true
	o.removeRun(r.rideID)
	observability.DispatchFailed.Inc()
	if err := o.rides.SetStatus(ctx, r.rideID, models.RideRequested); err != nil {
		o.logger.Warn("ride status reset failed", "ride_id", r.rideID, "error", err)
	}
	o.notifyBestEffort(ctx, r.riderID, notify.EventNoDrivers, map[string]any{"ride_id": r.rideID})
	o.logger.Info("dispatch exhausted", "ride_id", r.rideID)
}

func (o *Orchestrator) notifyBestEffort(ctx context.Context, targetID, event string, payload any) {
	if o.notifier == nil || targetID == "" {
		return
	}
	if err := o.notifier.Notify(ctx, targetID, event, payload); err != nil {
		o.logger.Warn("notification delivery failed", "target_id", targetID, "event", event, "error", err)
	}
}

func (o *Orchestrator) getRun(rideID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[rideID]
}

func (o *Orchestrator) removeRun(rideID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, rideID)
}

func (o *Orchestrator) takeRun(rideID string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.runs[rideID]
	delete(o.runs, rideID)
	return r
}
