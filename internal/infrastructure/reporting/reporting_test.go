package reporting

import (
	"context"
	"testing"
	"time"

	"anonstream/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogReporter(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewLogReporter(zap.New(core).Sugar())

	err := r.Report(context.Background(), domain.StatsReport{
		Window:      time.Second,
		Frames:      30,
		BitrateMbps: 2.5,
		Clients:     3,
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("Encoding stats").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, uint64(30), fields["frames"])
	assert.Equal(t, int64(3), fields["clients"])
	assert.Equal(t, 2.5, fields["bitrate_mbps"])
}

func TestRedisPublisher_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	p := NewRedisPublisher(client, "anonstream:stats", "main")
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := p.Report(ctx, domain.StatsReport{Frames: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anonstream:stats")
	assert.Error(t, p.Ping(ctx))
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	_, err := NewRedisClient("127.0.0.1:1", "", 0, 2, zap.NewNop().Sugar())
	assert.Error(t, err)
}
