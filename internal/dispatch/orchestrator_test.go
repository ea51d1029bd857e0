package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

type sentEvent struct {
	target string
	event  string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) Notify(_ context.Context, targetID, event string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{targetID, event})
	return nil
}

func (n *recordingNotifier) got(target, event string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e.target == target && e.event == event {
			return true
		}
	}
	return false
}

type testEnv struct {
	orch     *Orchestrator
	presence *presence.Memory
	locks    *lock.Memory
	rides    *storage.MemoryStore
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, offerTTL time.Duration) *testEnv {
	t.Helper()
	reg := presence.NewMemory(time.Minute)
	locks := lock.NewMemory()
	rides := storage.NewMemoryStore()
	n := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := NewOrchestrator(reg, locks, rides, n, &eta.Estimator{SpeedMps: 10}, Config{
		OfferTTL:      offerTTL,
		RadiusKm:      5,
		MaxCandidates: 8,
	}, logger)
	return &testEnv{orch: orch, presence: reg, locks: locks, rides: rides, notifier: n}
}

func (e *testEnv) addRide(t *testing.T, id string) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:          id,
		RiderID:     "rider-" + id,
		Pickup:      models.Coord{Lat: 0, Lng: 0},
		Destination: models.Coord{Lat: 0.05, Lng: 0.05},
		Status:      models.RideRequested,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := e.rides.Create(context.Background(), r); err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func TestDispatchNearestFirstDeclineThenAccept(t *testing.T) {
	e := newTestEnv(t, time.Minute)
	ctx := context.Background()
	_ = e.presence.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	_ = e.presence.Heartbeat(ctx, "d2", models.Coord{Lat: 0, Lng: 0.01}, 0, 0)
	ride := e.addRide(t, "r1")

	pending, err := e.orch.Dispatch(ctx, ride, 5)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if pending != "d1" {
		t.Fatalf("nearest driver should be offered first, got %q", pending)
	}
	if !e.notifier.got("d1", "ride_offer") {
		t.Fatal("d1 should have received the offer")
	}

	res, err := e.orch.Respond(ctx, "r1", "d1", false)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if res.DriverID != "d2" {
		t.Fatalf("fallback should offer d2, got %+v", res)
	}
	// d1's claim is released on decline
	if ok, _ := e.locks.Claim(ctx, "d1", "other", time.Minute); !ok {
		t.Fatal("d1 should be claimable after declining")
	}

	res, err = e.orch.Respond(ctx, "r1", "d2", true)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !res.Assigned || res.DriverID != "d2" {
		t.Fatalf("expected assignment to d2, got %+v", res)
	}
	got, _ := e.rides.Get(ctx, "r1")
	if got.DriverID != "d2" || got.Status != models.RideAccepted {
		t.Fatalf("ride not assigned: %+v", got)
	}
	// d2's claim is consumed by the assignment, not released
	if ok, _ := e.locks.Claim(ctx, "d2", "other", time.Minute); ok {
		t.Fatal("d2 should still be claimed while the offer TTL runs")
	}
	if !e.notifier.got("d2", "ride_confirmed") || !e.notifier.got("rider-r1", "driver_assigned") {
		t.Fatal("both parties should be notified on accept")
	}
}

func TestDispatchRetryAfterAcceptKeepsAssignment(t *testing.T) {
	e := newTestEnv(t, time.Minute)
	ctx := context.Background()
	_ = e.presence.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	_ = e.presence.Heartbeat(ctx, "d2", models.Coord{Lat: 0, Lng: 0.01}, 0, 0)
	ride := e.addRide(t, "r1")

	if _, err := e.orch.Dispatch(ctx, ride, 5); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := e.orch.Respond(ctx, "r1", "d1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// client retry of the dispatch request must not re-match
	settled, _ := e.rides.Get(ctx, "r1")
	d, err := e.orch.Dispatch(ctx, settled, 5)
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if d != "d1" {
		t.Fatalf("retry should report the standing assignment, got %q", d)
	}
	if e.notifier.got("d2", "ride_offer") {
		t.Fatal("no new offer may be issued for a settled ride")
	}
	got, _ := e.rides.Get(ctx, "r1")
	if got.DriverID != "d1" {
		t.Fatalf("assignment must never be replaced, got %q", got.DriverID)
	}
}

func TestDispatchClosedRideRejected(t *testing.T) {
	e := newTestEnv(t, time.Minute)
	ctx := context.Background()
	_ = e.presence.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	ride := e.addRide(t, "r1")
	_ = e.rides.SetStatus(ctx, "r1", models.RideCancelled)
	ride.Status = models.RideCancelled

	if _, err := e.orch.Dispatch(ctx, ride, 5); !errors.Is(err, ErrRideClosed) {
		t.Fatalf("expected ErrRideClosed, got %v", err)
	}
	if e.notifier.got("d1", "ride_offer") {
		t.Fatal("no offer may be issued for a cancelled ride")
	}
}

func TestDispatchEmptyQueueFailsDeterministically(t *testing.T) {
	e := newTestEnv(t, time.Minute)
	ctx := context.Background()
	ride := e.addRide(t, "r1")

	_, err := e.orch.Dispatch(ctx, ride, 5)
	if !errors.Is(err, ErrNoDrivers) {
		t.Fatalf("expected ErrNoDrivers, got %v", err)
	}
	if !e.notifier.got("rider-r1", "no_drivers_available") {
		t.Fatal("requester should be told no drivers are available")
	}
	if d, _ := e.locks.GetPendingOffer(ctx, "r1"); d != "" {
		t.Fatalf("no offer should exist, got %q", d)
	}
}

func TestDispatchSkipsClaimedDriver(t *testing.T) {
	e := newTestEnv(t, time.Minute)
	ctx := context.Background()
	_ = e.presence.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	ride := e.addRide(t, "r1")

	// a concurrent ride's dispatch already holds d1
	if ok, _ := e.locks.Claim(ctx, "d1", "other-ride", time.Minute); !ok {
		t.Fatal("setup claim failed")
	}

	_, err := e.orch.Dispatch(ctx, ride, 5)
	if !errors.Is(err, ErrNoDrivers) {
		t.Fatalf("expected ErrNoDrivers when only candidate is claimed, got %v", err)
	}
	// d1's existing claim is unaffected
	if ok, _ := e.locks.Claim(ctx, "d1", "r1", time.Minute); ok {
		t.Fatal("d1's claim should still be held by the other ride")
	}
	if e.notifier.got("d1", "ride_offer") {
		t.Fatal("no offer may be sent to an unclaimable driver")
	}
}

func TestRespondFromWrongDriverIsNoOp(t *testing.T) {
	e := newTestEnv(t, time.Minute)
	ctx := context.Background()
	_ = e.presence.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	_ = e.presence.Heartbeat(ctx, "d2", models.Coord{Lat: 0, Lng: 0.01}, 0, 0)
	ride := e.addRide(t, "r1")

	if _, err := e.orch.Dispatch(ctx, ride, 5); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	_, err := e.orch.Respond(ctx, "r1", "d2", true)
	if !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("expected ErrStaleResponse, got %v", err)
	}
	// state unchanged: d1 still pending, ride unassigned
	if d, _ := e.locks.GetPendingOffer(ctx, "r1"); d != "d1" {
		t.Fatalf("pending offer should still name d1, got %q", d)
	}
	got, _ := e.rides.Get(ctx, "r1")
	if got.DriverID != "" {
		t.Fatalf("ride must stay unassigned, got %+v", got)
	}
}

func TestOfferExpiryAdvancesToNextCandidate(t *testing.T) {
	e := newTestEnv(t, 50*time.Millisecond)
	ctx := context.Background()
	_ = e.presence.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	_ = e.presence.Heartbeat(ctx, "d2", models.Coord{Lat: 0, Lng: 0.01}, 0, 0)
	ride := e.addRide(t, "r1")

	pending, err := e.orch.Dispatch(ctx, ride, 5)
	if err != nil || pending != "d1" {
		t.Fatalf("dispatch: pending=%q err=%v", pending, err)
	}

	// no client action; after the TTL the offer moves to d2 on its own
	deadline := time.Now().Add(2 * time.Second)
	for {
		d, _ := e.locks.GetPendingOffer(ctx, "r1")
		if d == "d2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offer never advanced to d2, pending=%q", d)
		}
		time.Sleep(10 * time.Millisecond)
	}
	// d1 ends up exactly as if it had declined
	if ok, _ := e.locks.Claim(ctx, "d1", "other", time.Minute); !ok {
		t.Fatal("d1's claim should be released after expiry")
	}
	if !e.notifier.got("d2", "ride_offer") {
		t.Fatal("d2 should have received the fallback offer")
	}
}

func TestLateResponseAfterExpiryIsStale(t *testing.T) {
	e := newTestEnv(t, 50*time.Millisecond)
	ctx := context.Background()
	_ = e.presence.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	_ = e.presence.Heartbeat(ctx, "d2", models.Coord{Lat: 0, Lng: 0.01}, 0, 0)
	ride := e.addRide(t, "r1")

	if _, err := e.orch.Dispatch(ctx, ride, 5); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		d, _ := e.locks.GetPendingOffer(ctx, "r1")
		if d == "d2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offer never advanced to d2, pending=%q", d)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// d1 answers after its deadline passed; the expiry already won
	_, err := e.orch.Respond(ctx, "r1", "d1", true)
	if !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("expected ErrStaleResponse, got %v", err)
	}
	got, _ := e.rides.Get(ctx, "r1")
	if got.DriverID != "" {
		t.Fatalf("late accept must not assign, got %q", got.DriverID)
	}
	if d, _ := e.locks.GetPendingOffer(ctx, "r1"); d != "d2" {
		t.Fatalf("pending offer should still name d2, got %q", d)
	}
}

func TestOfferExpiryExhaustionFails(t *testing.T) {
	e := newTestEnv(t, 50*time.Millisecond)
	ctx := context.Background()
	_ = e.presence.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	ride := e.addRide(t, "r1")

	if _, err := e.orch.Dispatch(ctx, ride, 5); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !e.notifier.got("rider-r1", "no_drivers_available") {
		if time.Now().After(deadline) {
			t.Fatal("requester never notified of exhaustion")
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := e.rides.Get(ctx, "r1")
	if got.Status != models.RideRequested {
		t.Fatalf("ride should return to requested on exhaustion, got %q", got.Status)
	}
}

func TestCancelTearsDownClaimAndOffer(t *testing.T) {
	e := newTestEnv(t, time.Minute)
	ctx := context.Background()
	_ = e.presence.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	ride := e.addRide(t, "r1")

	if _, err := e.orch.Dispatch(ctx, ride, 5); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := e.orch.Cancel(ctx, "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if d, _ := e.locks.GetPendingOffer(ctx, "r1"); d != "" {
		t.Fatalf("pending offer should be cleared, got %q", d)
	}
	// the driver is freed immediately, not after the TTL
	if ok, _ := e.locks.Claim(ctx, "d1", "other", time.Minute); !ok {
		t.Fatal("d1 should be claimable right after cancel")
	}
	got, _ := e.rides.Get(ctx, "r1")
	if got.Status != models.RideCancelled {
		t.Fatalf("ride should be cancelled, got %q", got.Status)
	}
	if !e.notifier.got("d1", "ride_cancelled") {
		t.Fatal("claimed driver should learn about the cancellation")
	}
}

func TestDispatchSkipsStaleDriver(t *testing.T) {
	e := newTestEnv(t, time.Minute)
	ctx := context.Background()
	// d1 looks available but went silent past the liveness window
	reg := presence.NewMemory(20 * time.Millisecond)
	e.orch.presence = reg
	_ = reg.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	_ = reg.Heartbeat(ctx, "d2", models.Coord{Lat: 0, Lng: 0.01}, 0, 0)
	ride := e.addRide(t, "r1")

	time.Sleep(40 * time.Millisecond)
	_ = reg.Heartbeat(ctx, "d2", models.Coord{Lat: 0, Lng: 0.01}, 0, 0)

	pending, err := e.orch.Dispatch(ctx, ride, 5)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if pending != "d2" {
		t.Fatalf("stale d1 should be skipped, got %q", pending)
	}
	if e.notifier.got("d1", "ride_offer") {
		t.Fatal("no offer may be sent to a stale driver")
	}
}
