package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/internal/core/ports"
	"anonstream/pkg/config"
	"anonstream/pkg/logger"

	"golang.org/x/time/rate"
)

// PipelineService drives capture, anonymization and admission into the
// encoding worker, and exposes the control surface used by the HTTP API.
type PipelineService struct {
	source     ports.FrameSource
	anonymizer *Anonymizer
	worker     *EncodingWorker
	stats      *StatsAggregator
	logger     *logger.ContextLogger

	admission      domain.AdmissionMode
	statusInterval time.Duration

	enabled   atomic.Bool
	captured  atomic.Uint64
	forwarded atomic.Uint64
	started   atomic.Int64

	mu           sync.RWMutex
	lastOriginal *domain.Frame
	lastOutput   *domain.Frame

	errorLog rate.Sometimes
}

// NewPipelineService builds the pipeline. anonymizer may be nil, in which
// case frames pass through unmodified.
func NewPipelineService(
	cfg *config.Config,
	source ports.FrameSource,
	anonymizer *Anonymizer,
	worker *EncodingWorker,
	stats *StatsAggregator,
	log *logger.ContextLogger,
) *PipelineService {
	p := &PipelineService{
		source:         source,
		anonymizer:     anonymizer,
		worker:         worker,
		stats:          stats,
		logger:         log,
		admission:      domain.ParseAdmissionMode(cfg.Queue.Admission),
		statusInterval: cfg.Status.Interval,
		errorLog:       rate.Sometimes{Interval: 5 * time.Second},
	}
	p.enabled.Store(cfg.Anonymizer.Enabled && anonymizer != nil)
	return p
}

// Run reads frames until ctx is done or the source ends. It returns nil
// on a clean end of input and the read error otherwise.
func (p *PipelineService) Run(ctx context.Context) error {
	p.started.Store(time.Now().UnixNano())

	statusCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()
	go p.statusLoop(statusCtx)

	log := p.logger.WithContext(ctx)
	log.Infow("Pipeline started",
		"anonymization", p.enabled.Load(),
		"admission", p.admission.String(),
	)

	for {
		frame, err := p.source.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Infow("Capture ended", "frames", p.captured.Load())
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		seq := p.captured.Add(1)
		if frame.Sequence == 0 {
			frame.Sequence = seq
		}
		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = time.Now()
		}

		out := frame
		if p.enabled.Load() {
			out, err = p.anonymizer.ProcessFrame(ctx, frame)
			if err != nil {
				p.logError(ctx, "Anonymization failed, skipping frame", frame, err)
				continue
			}
		}
		p.remember(frame, out)

		if err := p.worker.SubmitFrame(ctx, out, p.admission); err != nil {
			switch {
			case errors.Is(err, domain.ErrShuttingDown), ctx.Err() != nil:
				return nil
			case errors.Is(err, domain.ErrQueueTimeout):
				// counted by the worker
			default:
				p.logError(ctx, "Frame submission failed", frame, err)
			}
			continue
		}
		p.forwarded.Add(1)
	}
}

func (p *PipelineService) logError(ctx context.Context, msg string, frame *domain.Frame, err error) {
	p.errorLog.Do(func() {
		p.logger.WithContext(logger.WithFrameSeq(ctx, frame.Sequence)).Warnw(msg, "error", err)
	})
}

func (p *PipelineService) remember(original, output *domain.Frame) {
	p.mu.Lock()
	p.lastOriginal = original
	p.lastOutput = output
	p.mu.Unlock()
}

func (p *PipelineService) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(p.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frames := p.forwarded.Load()
			p.logger.Sugar().Infow("Pipeline status",
				"clients", p.worker.ClientCount(),
				"frames", frames,
				"fps", p.fps(frames, time.Now()),
			)
		}
	}
}

func (p *PipelineService) fps(frames uint64, now time.Time) float64 {
	started := p.started.Load()
	if started == 0 {
		return 0
	}
	elapsed := now.Sub(time.Unix(0, started)).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(frames) / elapsed
}

// SetAnonymization toggles the anonymizer. Enabling has no effect when the
// pipeline was built without one.
func (p *PipelineService) SetAnonymization(enabled bool) {
	if enabled && p.anonymizer == nil {
		p.logger.Sugar().Warnw("Anonymizer unavailable, frames stay unmodified")
		return
	}
	p.enabled.Store(enabled)
	p.logger.Sugar().Infow("Anonymization toggled", "enabled", enabled)
}

func (p *PipelineService) AnonymizationEnabled() bool {
	return p.enabled.Load()
}

func (p *PipelineService) ResetBackground() {
	if p.anonymizer != nil {
		p.anonymizer.Reset()
	}
}

func (p *PipelineService) ForceKeyframe() {
	p.worker.ForceKeyframe()
}

// Status returns the pipeline counters.
func (p *PipelineService) Status() domain.PipelineStatus {
	st := domain.PipelineStatus{
		AnonymizationEnabled: p.enabled.Load(),
		AnonymizerState:      StateUninitialized.String(),
		FramesCaptured:       p.captured.Load(),
		Worker:               p.worker.Stats(),
		LastReport:           p.stats.Last(),
	}
	if p.anonymizer != nil {
		st.AnonymizerState = p.anonymizer.State().String()
		st.AnonymizerFrames = p.anonymizer.FrameIndex()
		st.DetectorFailures = p.anonymizer.DetectorFailures()
	}
	return st
}

// Diagnostics returns copies of the most recent frames and anonymizer state.
func (p *PipelineService) Diagnostics() domain.Diagnostics {
	p.mu.RLock()
	d := domain.Diagnostics{
		Original:   p.lastOriginal.Clone(),
		Anonymized: p.lastOutput.Clone(),
	}
	p.mu.RUnlock()

	if p.anonymizer != nil {
		d.Background = p.anonymizer.Background()
		d.Mask = p.anonymizer.DetectionMask()
		d.Detections = p.anonymizer.Detections()
		d.ClassNames = p.anonymizer.ClassNames()
	}
	return d
}

var _ ports.PipelineService = (*PipelineService)(nil)
