package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lease not held by this instance")

// Only the holder may renew or release.
var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// Lease is a renewable Redis lock marking one instance as the publisher of
// a stream.
type Lease struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration

	mu     sync.Mutex
	stop   chan struct{}
	onLost func(error)
}

// NewLease creates a lease on key. onLost is called from the renewal
// goroutine if the lease expires or is taken over; it may be nil.
func NewLease(client *redis.Client, key string, ttl time.Duration, onLost func(error)) *Lease {
	return &Lease{
		client: client,
		key:    key,
		holder: generateHolderID(),
		ttl:    ttl,
		onLost: onLost,
	}
}

func generateHolderID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// TryAcquire takes the lease without blocking and starts renewing it at
// half the TTL.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !acquired {
		return false, nil
	}

	l.mu.Lock()
	l.stop = make(chan struct{})
	stop := l.stop
	l.mu.Unlock()

	go l.renew(stop)
	return true, nil
}

func (l *Lease) renew(stop chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && n == 0 {
				err = ErrNotHeld
			}
			if err != nil {
				if l.onLost != nil {
					l.onLost(err)
				}
				return
			}
		case <-stop:
			return
		}
	}
}

// Release stops renewal and deletes the key if this instance still holds it.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.mu.Unlock()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Holder returns the current holder id of the key, or "" when it is free.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
