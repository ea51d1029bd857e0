package presence

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryNearbyOrdering(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	_ = m.Heartbeat(ctx, "far", models.Coord{Lat: 0, Lng: 0.02}, 0, 0)
	_ = m.Heartbeat(ctx, "near", models.Coord{Lat: 0, Lng: 0.001}, 0, 0)
	_ = m.Heartbeat(ctx, "mid", models.Coord{Lat: 0, Lng: 0.01}, 0, 0)

	got, err := m.Nearby(ctx, 0, 0, 5, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	want := []string{"near", "mid", "far"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestMemoryNearbyFiltersUnavailable(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	_ = m.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	_ = m.Heartbeat(ctx, "d2", models.Coord{Lat: 0, Lng: 0.001}, 0, 0)
	_ = m.SetAvailability(ctx, "d1", false)

	got, _ := m.Nearby(ctx, 0, 0, 5, 10)
	if len(got) != 1 || got[0] != "d2" {
		t.Fatalf("expected [d2], got %v", got)
	}
}

func TestMemoryNearbyFiltersStale(t *testing.T) {
	m := NewMemory(20 * time.Millisecond)
	ctx := context.Background()

	_ = m.Heartbeat(ctx, "d1", models.Coord{Lat: 0, Lng: 0}, 0, 0)
	time.Sleep(40 * time.Millisecond)
	_ = m.Heartbeat(ctx, "d2", models.Coord{Lat: 0, Lng: 0.001}, 0, 0)

	if m.IsAlive(ctx, "d1") {
		t.Fatal("d1 should be stale")
	}
	if !m.IsAlive(ctx, "d2") {
		t.Fatal("d2 should be alive")
	}
	got, _ := m.Nearby(ctx, 0, 0, 5, 10)
	if len(got) != 1 || got[0] != "d2" {
		t.Fatalf("expected [d2], got %v", got)
	}
}

func TestMemoryNearbyRadiusAndLimit(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	_ = m.Heartbeat(ctx, "in1", models.Coord{Lat: 0, Lng: 0.001}, 0, 0)
	_ = m.Heartbeat(ctx, "in2", models.Coord{Lat: 0, Lng: 0.002}, 0, 0)
	// ~11km away, outside a 5km radius
	_ = m.Heartbeat(ctx, "out", models.Coord{Lat: 0, Lng: 0.1}, 0, 0)

	got, _ := m.Nearby(ctx, 0, 0, 5, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 in-radius drivers, got %v", got)
	}
	got, _ = m.Nearby(ctx, 0, 0, 5, 1)
	if len(got) != 1 || got[0] != "in1" {
		t.Fatalf("expected [in1] with limit 1, got %v", got)
	}
}

func TestMemoryFirstHeartbeatRegistersAvailable(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	_ = m.Heartbeat(ctx, "new", models.Coord{Lat: 1, Lng: 1}, 90, 12)
	d, ok := m.Get(ctx, "new")
	if !ok {
		t.Fatal("driver should exist after first heartbeat")
	}
	if !d.Available {
		t.Fatal("first heartbeat should register the driver as available")
	}
	if d.Heading != 90 || d.Speed != 12 {
		t.Fatalf("heading/speed not stored: %+v", d)
	}

	// toggle survives subsequent heartbeats
	_ = m.SetAvailability(ctx, "new", false)
	_ = m.Heartbeat(ctx, "new", models.Coord{Lat: 1, Lng: 1.001}, 0, 0)
	d, _ = m.Get(ctx, "new")
	if d.Available {
		t.Fatal("availability toggle must survive heartbeats")
	}
}
