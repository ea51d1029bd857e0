package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Registry is the driver presence store consulted by dispatch and fed by
// heartbeats and tracking ingest.
type Registry interface {
	Heartbeat(ctx context.Context, driverID string, loc models.Coord, heading, speed float64) error
	SetAvailability(ctx context.Context, driverID string, available bool) error
	IsAlive(ctx context.Context, driverID string) bool
	// Nearby returns available, alive drivers within radiusKm of the point,
	// ascending by distance, capped at limit.
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]string, error)
	Get(ctx context.Context, driverID string) (models.DriverPresence, bool)
}

// Memory is an in-process registry for single-instance runs and tests.
type Memory struct {
	mu       sync.RWMutex
	drivers  map[string]models.DriverPresence
	liveness time.Duration
}

func NewMemory(liveness time.Duration) *Memory {
	return &Memory{drivers: make(map[string]models.DriverPresence), liveness: liveness}
}

func (m *Memory) Heartbeat(_ context.Context, driverID string, loc models.Coord, heading, speed float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		// first heartbeat registers the driver as available
		d = models.DriverPresence{ID: driverID, Available: true}
	}
	d.Loc = loc
	d.Heading = heading
	d.Speed = speed
	d.LastHeartbeatAt = time.Now()
	m.drivers[driverID] = d
	return nil
}

func (m *Memory) SetAvailability(_ context.Context, driverID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		d = models.DriverPresence{ID: driverID}
	}
	d.Available = available
	m.drivers[driverID] = d
	return nil
}

func (m *Memory) IsAlive(_ context.Context, driverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return false
	}
	return time.Since(d.LastHeartbeatAt) <= m.liveness
}

func (m *Memory) Get(_ context.Context, driverID string) (models.DriverPresence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	return d, ok
}

// naive scan; the Redis registry uses GEORADIUS for the same query
func (m *Memory) Nearby(_ context.Context, lat, lng, radiusKm float64, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(m.drivers))
	for _, d := range m.drivers {
		if !d.Available || time.Since(d.LastHeartbeatAt) > m.liveness {
			continue
		}
		dist := geo.Haversine(lat, lng, d.Loc.Lat, d.Loc.Lng)
		if dist > radiusKm*1000 {
			continue
		}
		arr = append(arr, pair{d.ID, dist})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]string, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.id)
	}
	return out, nil
}
