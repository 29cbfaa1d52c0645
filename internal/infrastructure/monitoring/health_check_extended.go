package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anonstream/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddDetectorCheck fails while the detector circuit breaker is open.
func (h *HealthChecker) AddDetectorCheck(state func() circuitbreaker.State) {
	h.AddCheck("detector", func(context.Context) (bool, error) {
		if s := state(); s == circuitbreaker.StateOpen {
			return false, fmt.Errorf("circuit breaker %s", s)
		}
		return true, nil
	}, 0)
}

// AddWorkerCheck fails when the encoding worker is not running.
func (h *HealthChecker) AddWorkerCheck(running func() bool) {
	h.AddCheck("encoder", func(context.Context) (bool, error) {
		if !running() {
			return false, errors.New("encoding worker stopped")
		}
		return true, nil
	}, 0)
}
