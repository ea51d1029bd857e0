package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastMeta map[string]interface{}
	fields   map[string]interface{} // HSetNX writes, first value wins
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastMeta = values
	return nil
}

func (f *fakeUpdater) HSetNX(ctx context.Context, key, field string, value interface{}) error {
	if f.fields == nil {
		f.fields = make(map[string]interface{})
	}
	if _, ok := f.fields[field]; !ok {
		f.fields[field] = value
	}
	return nil
}

func testEnvelope() *ingest.SampleEnvelope {
	return &ingest.SampleEnvelope{
		DriverID: "d1",
		Sample:   models.LocationSample{Lat: 1, Lng: 2, Heading: 45, Speed: 8, Timestamp: time.Now()},
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	ctx := context.Background()
	start := time.Now()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", testEnvelope(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if _, ok := f.lastMeta["last_heartbeat"]; !ok {
		t.Fatalf("heartbeat timestamp missing from meta: %v", f.lastMeta)
	}
}

func TestUpdateRedisRegistersFirstContactAsAvailable(t *testing.T) {
	f := &fakeUpdater{}
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", testEnvelope(), 3, time.Millisecond); err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.fields["available"] != "true" {
		t.Fatalf("driver seen only via the pipeline must become dispatchable, got %v", f.fields)
	}
	// a later sample must not overwrite an explicit availability toggle
	f.fields["available"] = "false"
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", testEnvelope(), 3, time.Millisecond); err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.fields["available"] != "false" {
		t.Fatal("availability toggle must survive pipeline samples")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", testEnvelope(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}
