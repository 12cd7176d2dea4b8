package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// EnginePool is the part of the resource pool health cares about.
type EnginePool interface {
	Healthy() bool
	WorkerCount() int
}

// AddEngineCheck fails liveness once the pool has lost its workers.
func (h *HealthChecker) AddEngineCheck(pool EnginePool) {
	h.AddCheck(HealthCheck{
		Name: "engine",
		Check: func(ctx context.Context) error {
			if !pool.Healthy() {
				return errors.New("media engine is down")
			}
			if pool.WorkerCount() == 0 {
				return errors.New("no engine workers")
			}
			return nil
		},
	})
}

// AddRedisCheck gates readiness on the presence bus.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:      "redis",
		Timeout:   timeout,
		Readiness: true,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	})
}
