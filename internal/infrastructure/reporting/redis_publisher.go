package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"anonstream/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", address,
			"db", db,
			"pool_size", poolSize,
		)
	}
	return client, nil
}

// Message is the envelope published on the stats channel.
type Message struct {
	Type   string              `json:"type"` // report, totals
	Stream string              `json:"stream"`
	Report *domain.StatsReport `json:"report,omitempty"`
	Totals *domain.StatsTotals `json:"totals,omitempty"`
}

// RedisPublisher publishes statistics to a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	stream  string
}

func NewRedisPublisher(client *redis.Client, channel, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, stream: stream}
}

func (p *RedisPublisher) Report(ctx context.Context, report domain.StatsReport) error {
	return p.publish(ctx, Message{Type: "report", Stream: p.stream, Report: &report})
}

// PublishTotals publishes the end-of-session summary.
func (p *RedisPublisher) PublishTotals(ctx context.Context, totals domain.StatsTotals) error {
	return p.publish(ctx, Message{Type: "totals", Stream: p.stream, Totals: &totals})
}

func (p *RedisPublisher) publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
