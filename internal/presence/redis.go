package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Redis implements Registry on Redis GEO commands so multiple service
// instances see the same presence state.
type Redis struct {
	client   *redis.Client
	geoKey   string
	liveness time.Duration
}

func NewRedis(client *redis.Client, geoKey string, liveness time.Duration) *Redis {
	return &Redis{client: client, geoKey: geoKey, liveness: liveness}
}

func (r *Redis) Heartbeat(ctx context.Context, driverID string, loc models.Coord, heading, speed float64) error {
	pipe := r.client.Pipeline()
	pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: driverID})
	pipe.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"heading":        heading,
		"speed":          speed,
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339Nano),
	})
	// first heartbeat registers as available; later toggles win
	pipe.HSetNX(ctx, metaKey(driverID), "available", "true")
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) SetAvailability(ctx context.Context, driverID string, available bool) error {
	return r.client.HSet(ctx, metaKey(driverID), "available", strconv.FormatBool(available)).Err()
}

func (r *Redis) IsAlive(ctx context.Context, driverID string) bool {
	v, err := r.client.HGet(ctx, metaKey(driverID), "last_heartbeat").Result()
	if err != nil {
		return false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return false
	}
	return time.Since(t) <= r.liveness
}

func (r *Redis) Get(ctx context.Context, driverID string) (models.DriverPresence, bool) {
	pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.DriverPresence{}, false
	}
	d := models.DriverPresence{
		ID:  driverID,
		Loc: models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude},
	}
	if meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result(); err == nil {
		if v, ok := meta["available"]; ok {
			d.Available = v == "true"
		}
		if v, ok := meta["heading"]; ok {
			d.Heading, _ = strconv.ParseFloat(v, 64)
		}
		if v, ok := meta["speed"]; ok {
			d.Speed, _ = strconv.ParseFloat(v, 64)
		}
		if v, ok := meta["last_heartbeat"]; ok {
			d.LastHeartbeatAt, _ = time.Parse(time.RFC3339Nano, v)
		}
	}
	return d, true
}

func (r *Redis) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]string, error) {
	res, err := r.client.GeoRadius(ctx, r.geoKey, lng, lat, &redis.GeoRadiusQuery{
		Radius: radiusKm,
		Unit:   "km",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		if !r.availableAndAlive(ctx, g.Name) {
			continue
		}
		out = append(out, g.Name)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *Redis) availableAndAlive(ctx context.Context, driverID string) bool {
	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return false
	}
	if meta["available"] != "true" {
		return false
	}
	t, err := time.Parse(time.RFC3339Nano, meta["last_heartbeat"])
	if err != nil {
		return false
	}
	return time.Since(t) <= r.liveness
}

func metaKey(id string) string { return "driver:meta:" + id }
