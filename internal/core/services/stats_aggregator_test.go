package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"anonstream/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureReporter struct {
	mu      sync.Mutex
	reports []domain.StatsReport
	err     error
}

func (c *captureReporter) Report(_ context.Context, r domain.StatsReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return c.err
}

func (c *captureReporter) all() []domain.StatsReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.StatsReport(nil), c.reports...)
}

func batchOf(keyframe bool, sizes ...int) domain.PacketBatch {
	var b domain.PacketBatch
	for _, n := range sizes {
		b.Packets = append(b.Packets, domain.Packet{Data: make([]byte, n), Keyframe: keyframe})
	}
	return b
}

func TestStatsAggregator_Report(t *testing.T) {
	rep := &captureReporter{}
	agg := NewStatsAggregator(10*time.Second, zap.NewNop().Sugar(), rep)
	start := time.Now()
	agg.Restart(start)

	agg.RecordBatch(batchOf(true, 1000, 3000))
	agg.RecordBatch(batchOf(false, 1000))
	agg.RecordBatch(batchOf(false, 3000))
	agg.RecordError()
	agg.RecordDrop()

	report := agg.Report(start.Add(2*time.Second), 3, 5*time.Second)
	agg.Wait()

	assert.Equal(t, uint64(3), report.Frames)
	assert.Equal(t, uint64(8000), report.Bytes)
	assert.Equal(t, uint64(1), report.Keyframes)
	assert.InDelta(t, 1.0/3, report.KeyframeRatio, 1e-9)
	assert.InDelta(t, 1.5, report.FPS, 1e-9)
	assert.InDelta(t, 0.032, report.BitrateMbps, 1e-9)
	assert.InDelta(t, 8000.0/3, report.AvgFrameSize, 1e-9)
	assert.InDelta(t, 2000, report.AvgPacketSize, 1e-9)
	// sample stddev of {1000, 3000, 1000, 3000}
	assert.InDelta(t, 1154.70, report.PacketSizeStdDev, 0.01)
	assert.Equal(t, uint64(1), report.Errors)
	assert.Equal(t, uint64(1), report.Dropped)
	assert.Equal(t, int64(3), report.Clients)

	require.Len(t, rep.all(), 1)
	assert.Equal(t, report, rep.all()[0])
	require.NotNil(t, agg.Last())
	assert.Equal(t, report, *agg.Last())
}

func TestStatsAggregator_ReportResetsWindow(t *testing.T) {
	agg := NewStatsAggregator(time.Second, zap.NewNop().Sugar())
	start := time.Now()
	agg.Restart(start)

	agg.RecordBatch(batchOf(true, 500))
	agg.Report(start.Add(time.Second), 0, 0)

	second := agg.Report(start.Add(2*time.Second), 0, 0)
	assert.Zero(t, second.Frames)
	assert.Zero(t, second.AvgPacketSize)
	assert.Zero(t, second.PacketSizeStdDev)

	totals := agg.Totals(start.Add(2*time.Second), 2_000_000)
	assert.Equal(t, uint64(1), totals.Frames)
	assert.Equal(t, uint64(500), totals.Bytes)
	assert.InDelta(t, 100.0, totals.KeyframePercent, 1e-9)
	assert.InDelta(t, 0.5, totals.AvgFPS, 1e-9)
	assert.InDelta(t, 2.0, totals.TargetBitrateMbps, 1e-9)
	assert.Equal(t, 2*time.Second, totals.Duration)
}

func TestStatsAggregator_MaybeReport(t *testing.T) {
	agg := NewStatsAggregator(10*time.Second, zap.NewNop().Sugar())
	start := time.Now()
	agg.Restart(start)
	assert.Nil(t, agg.Last())

	_, ok := agg.MaybeReport(start.Add(9*time.Second), 0, 0)
	assert.False(t, ok)

	_, ok = agg.MaybeReport(start.Add(10*time.Second), 0, 0)
	assert.True(t, ok)

	_, ok = agg.MaybeReport(start.Add(15*time.Second), 0, 0)
	assert.False(t, ok, "window restarts at the last report")
}

func TestStatsAggregator_ReporterErrorsDoNotPropagate(t *testing.T) {
	failing := &captureReporter{err: errors.New("redis down")}
	ok := &captureReporter{}
	agg := NewStatsAggregator(time.Second, zap.NewNop().Sugar(), failing, ok)

	agg.Report(time.Now(), 0, 0)
	agg.Wait()

	assert.Len(t, failing.all(), 1)
	assert.Len(t, ok.all(), 1)
}
