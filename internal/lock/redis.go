package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// compare-and-delete: del the key only if it still holds the expected value
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// Redis implements Coordinator on SET NX PX plus a compare-and-delete
// script, so the primitives stay atomic across service instances.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Claim(ctx context.Context, driverID, rideID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, claimKey(driverID), rideID, ttl).Result()
}

func (r *Redis) Release(ctx context.Context, driverID, rideID string) error {
	return releaseScript.Run(ctx, r.client, []string{claimKey(driverID)}, rideID).Err()
}

func (r *Redis) SetPendingOffer(ctx context.Context, rideID, driverID string, ttl time.Duration) error {
	ok, err := r.client.SetNX(ctx, offerKey(rideID), driverID, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrOfferExists
	}
	return nil
}

func (r *Redis) GetPendingOffer(ctx context.Context, rideID string) (string, error) {
	v, err := r.client.Get(ctx, offerKey(rideID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (r *Redis) ClearPendingOfferIf(ctx context.Context, rideID, driverID string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{offerKey(rideID)}, driverID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func claimKey(driverID string) string { return "dispatch:claim:" + driverID }
func offerKey(rideID string) string   { return "dispatch:offer:" + rideID }
