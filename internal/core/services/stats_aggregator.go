package services

import (
	"context"
	"sync"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/internal/core/ports"
	"anonstream/pkg/utils"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

const reporterTimeout = 2 * time.Second

// StatsAggregator accumulates encoder output over a reporting window and
// fans each window report out to the configured reporters.
type StatsAggregator struct {
	interval  time.Duration
	reporters []ports.StatsReporter
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	started     time.Time
	windowStart time.Time
	window      windowCounters
	packetSizes []float64
	totals      windowCounters
	last        *domain.StatsReport

	pending sync.WaitGroup
}

type windowCounters struct {
	frames    uint64
	bytes     uint64
	keyframes uint64
	errors    uint64
	dropped   uint64
}

func NewStatsAggregator(interval time.Duration, logger *zap.SugaredLogger, reporters ...ports.StatsReporter) *StatsAggregator {
	now := time.Now()
	return &StatsAggregator{
		interval:    interval,
		reporters:   reporters,
		logger:      logger,
		started:     now,
		windowStart: now,
	}
}

// Restart clears every counter and starts a new session at now.
func (s *StatsAggregator) Restart(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started, s.windowStart = now, now
	s.window, s.totals = windowCounters{}, windowCounters{}
	s.packetSizes = s.packetSizes[:0]
	s.last = nil
}

func (s *StatsAggregator) RecordBatch(batch domain.PacketBatch) {
	size := uint64(batch.Size())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.window.frames++
	s.totals.frames++
	s.window.bytes += size
	s.totals.bytes += size
	if batch.HasKeyframe() {
		s.window.keyframes++
		s.totals.keyframes++
	}
	for _, p := range batch.Packets {
		s.packetSizes = append(s.packetSizes, float64(len(p.Data)))
	}
}

func (s *StatsAggregator) RecordError() {
	s.mu.Lock()
	s.window.errors++
	s.totals.errors++
	s.mu.Unlock()
}

func (s *StatsAggregator) RecordDrop() {
	s.mu.Lock()
	s.window.dropped++
	s.totals.dropped++
	s.mu.Unlock()
}

// MaybeReport emits a report if the window has lasted at least the
// configured interval.
func (s *StatsAggregator) MaybeReport(now time.Time, clients int64, keyframeInterval time.Duration) (domain.StatsReport, bool) {
	s.mu.Lock()
	due := now.Sub(s.windowStart) >= s.interval
	s.mu.Unlock()

	if !due {
		return domain.StatsReport{}, false
	}
	return s.Report(now, clients, keyframeInterval), true
}

// Report closes the current window, resets it and dispatches the report
// to every reporter in the background.
func (s *StatsAggregator) Report(now time.Time, clients int64, keyframeInterval time.Duration) domain.StatsReport {
	s.mu.Lock()
	elapsed := now.Sub(s.windowStart)
	w := s.window

	report := domain.StatsReport{
		At:               now,
		Window:           elapsed,
		Frames:           w.frames,
		Bytes:            w.bytes,
		Keyframes:        w.keyframes,
		Errors:           w.errors,
		Dropped:          w.dropped,
		Clients:          clients,
		KeyframeInterval: keyframeInterval,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		report.BitrateMbps = utils.Mbps(float64(w.bytes) * 8 / secs)
		report.FPS = float64(w.frames) / secs
	}
	if w.frames > 0 {
		report.AvgFrameSize = float64(w.bytes) / float64(w.frames)
		report.KeyframeRatio = float64(w.keyframes) / float64(w.frames)
	}
	switch n := len(s.packetSizes); {
	case n == 1:
		report.AvgPacketSize = s.packetSizes[0]
	case n > 1:
		report.AvgPacketSize, report.PacketSizeStdDev = stat.MeanStdDev(s.packetSizes, nil)
	}

	s.window = windowCounters{}
	s.packetSizes = s.packetSizes[:0]
	s.windowStart = now
	last := report
	s.last = &last
	s.mu.Unlock()

	s.dispatch(report)
	return report
}

func (s *StatsAggregator) dispatch(report domain.StatsReport) {
	for _, r := range s.reporters {
		s.pending.Add(1)
		go func(r ports.StatsReporter) {
			defer s.pending.Done()

			ctx, cancel := context.WithTimeout(context.Background(), reporterTimeout)
			defer cancel()
			if err := r.Report(ctx, report); err != nil {
				s.logger.Warnw("Stats reporter failed", "error", err)
			}
		}(r)
	}
}

// Wait blocks until every dispatched report has been delivered.
func (s *StatsAggregator) Wait() {
	s.pending.Wait()
}

// Last returns the most recent window report, or nil if none was emitted.
func (s *StatsAggregator) Last() *domain.StatsReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// Totals summarizes everything recorded since the aggregator started.
// targetBitrate is in bits per second.
func (s *StatsAggregator) Totals(now time.Time, targetBitrate int) domain.StatsTotals {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.totals
	out := domain.StatsTotals{
		Frames:            t.frames,
		Bytes:             t.bytes,
		Keyframes:         t.keyframes,
		Errors:            t.errors,
		Dropped:           t.dropped,
		Duration:          now.Sub(s.started),
		TargetBitrateMbps: utils.Mbps(float64(targetBitrate)),
	}
	if t.frames > 0 {
		out.KeyframePercent = float64(t.keyframes) * 100 / float64(t.frames)
		out.AvgBytesPerFrame = float64(t.bytes) / float64(t.frames)
	}
	if secs := out.Duration.Seconds(); secs > 0 {
		out.AvgBitrateMbps = utils.Mbps(float64(t.bytes) * 8 / secs)
		out.AvgFPS = float64(t.frames) / secs
	}
	return out
}
