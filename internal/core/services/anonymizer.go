package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/internal/core/ports"
	"anonstream/pkg/config"
	"anonstream/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AnonymizationMode selects what replaces foreground pixels.
type AnonymizationMode string

const (
	ModeBackground AnonymizationMode = "background"
	ModeSolid      AnonymizationMode = "solid"
	ModeBlur       AnonymizationMode = "blur"
)

// AnonymizerState tracks the warm-up lifecycle.
type AnonymizerState int

const (
	StateUninitialized AnonymizerState = iota
	StateLearning
	StateSteady
)

func (s AnonymizerState) String() string {
	switch s {
	case StateLearning:
		return "learning"
	case StateSteady:
		return "steady"
	default:
		return "uninitialized"
	}
}

// Anonymizer replaces detected people with a learned background.
//
// ProcessFrame is called from a single goroutine. The introspection methods
// may be called concurrently from other goroutines.
type Anonymizer struct {
	detector ports.Detector
	dilator  ports.MaskDilator
	metrics  ports.PipelineMetrics
	logger   *zap.SugaredLogger

	mode          AnonymizationMode
	learningRate  float64
	minConfidence float64
	iterations    int
	dilation      DilationParams
	fill          [3]byte

	mu         sync.RWMutex
	background *BackgroundModel
	history    *MaskHistory
	mask       *domain.Mask
	detections []domain.Detection
	frameIndex uint64

	failures       atomic.Uint64
	failuresLogged atomic.Uint64
	failureLog     rate.Sometimes
}

// NewAnonymizer builds an anonymizer. The dilation stage is skipped when
// dilator is nil or cfg.Dilation.Enabled is false.
func NewAnonymizer(
	cfg config.AnonymizerConfig,
	detector ports.Detector,
	dilator ports.MaskDilator,
	metrics ports.PipelineMetrics,
	logger *zap.SugaredLogger,
) *Anonymizer {
	if !cfg.Dilation.Enabled {
		dilator = nil
	}

	mode := AnonymizationMode(cfg.Mode)
	switch mode {
	case ModeBackground, ModeSolid, ModeBlur:
	default:
		mode = ModeBackground
	}

	fill := [3]byte{backgroundFill, backgroundFill, backgroundFill}
	if len(cfg.FillColor) == 3 {
		for i, v := range cfg.FillColor {
			fill[i] = clampByte(v)
		}
	}

	return &Anonymizer{
		detector:      detector,
		dilator:       dilator,
		metrics:       metricsOrNoop(metrics),
		logger:        logger,
		mode:          mode,
		learningRate:  cfg.LearningRate,
		minConfidence: cfg.Confidence,
		iterations:    cfg.Dilation.Iterations,
		dilation: DilationParams{
			Factor:       cfg.Dilation.Factor,
			WarmupFactor: cfg.WarmupDilationFactor,
			Min:          cfg.Dilation.Min,
			Max:          cfg.Dilation.Max,
			WarmupFrames: cfg.WarmupFrames,
		},
		fill:       fill,
		background: NewBackgroundModel(),
		history:    NewMaskHistory(cfg.TrackHistory),
		failureLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// ProcessFrame returns frame with every person region replaced. If the
// detector fails the input frame is returned unchanged and no state is
// updated. Empty frames are returned as is; frames whose data does not
// match their dimensions are returned with domain.ErrInvalidFrame.
func (a *Anonymizer) ProcessFrame(ctx context.Context, frame *domain.Frame) (*domain.Frame, error) {
	if frame.Empty() {
		return frame, nil
	}
	if !frame.Valid() {
		return frame, domain.ErrInvalidFrame
	}

	start := time.Now()
	ctx, span := tracing.TraceFrame(ctx, "anonymizer.process_frame", frame.Sequence, frame.Width, frame.Height)
	defer span.End()

	detections, err := a.detector.Detect(ctx, frame)
	if err != nil {
		a.recordDetectorFailure(ctx, frame, err)
		return frame, nil
	}

	mask := BuildForegroundMask(frame.Width, frame.Height, detections, a.detector.PersonClassID(), a.minConfidence)

	a.mu.Lock()
	defer a.mu.Unlock()

	mask = a.history.Apply(mask)
	if a.dilator != nil && mask.Count() > 0 {
		radius := DilationRadius(a.dilation, frame.Width, frame.Height, a.frameIndex)
		mask = a.dilator.Dilate(mask, radius, a.iterations)
	}

	// The first background of a session has nothing to substitute from.
	// One replaced after a size change substitutes its gray fill.
	hadBackground := a.background.Initialized()
	fresh := a.background.Ensure(frame)
	a.background.Update(frame, mask, a.learningRate)

	out := frame
	if !fresh || hadBackground {
		out = a.substitute(frame, mask)
	}

	a.mask = mask
	a.detections = detections
	a.frameIndex++

	tracing.AddSpanAttributes(ctx,
		tracing.DetectionsKey.Int(len(detections)),
		tracing.MaskPixelsKey.Int(mask.Count()),
	)
	a.metrics.ObserveProcessLatency(time.Since(start))
	return out, nil
}

func (a *Anonymizer) recordDetectorFailure(ctx context.Context, frame *domain.Frame, err error) {
	a.failures.Add(1)
	a.metrics.IncDetectorFailures()
	tracing.RecordError(ctx, err)

	a.failureLog.Do(func() {
		total := a.failures.Load()
		a.logger.Warnw("Detection failed, passing frame through",
			"error", err,
			"frame_seq", frame.Sequence,
			"failures_since_last_log", total-a.failuresLogged.Swap(total),
		)
	})
}

// substitute must be called with mu held.
func (a *Anonymizer) substitute(frame *domain.Frame, mask *domain.Mask) *domain.Frame {
	if mask.Count() == 0 {
		return frame
	}

	out := frame.Clone()
	ch := frame.Channels()

	switch a.mode {
	case ModeSolid:
		for p, v := range mask.Pix {
			if v == 0 {
				continue
			}
			for c := 0; c < ch; c++ {
				out.Data[p*ch+c] = a.fill[c]
			}
		}
	case ModeBlur:
		radius := DilationRadius(a.dilation, frame.Width, frame.Height, a.frameIndex)
		if radius < 5 {
			radius = 5
		}
		boxBlurMasked(frame, out, mask, radius)
	default:
		bg := a.background.Frame()
		for p, v := range mask.Pix {
			if v == 0 {
				continue
			}
			copy(out.Data[p*ch:(p+1)*ch], bg.Data[p*ch:(p+1)*ch])
		}
	}
	return out
}

// Reset drops the background and restarts warm-up.
func (a *Anonymizer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.background.Reset()
	a.history.Reset()
	a.mask = nil
	a.detections = nil
	a.frameIndex = 0
	a.logger.Infow("Anonymizer reset")
}

// Background returns a copy of the background, or nil before the first frame.
func (a *Anonymizer) Background() *domain.Frame {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.background.Frame().Clone()
}

// DetectionMask returns a copy of the last foreground mask.
func (a *Anonymizer) DetectionMask() *domain.Mask {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mask.Clone()
}

// Detections returns the detections of the last successful tick.
func (a *Anonymizer) Detections() []domain.Detection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.Detection(nil), a.detections...)
}

func (a *Anonymizer) ClassNames() []string {
	return a.detector.ClassNames()
}

func (a *Anonymizer) FrameIndex() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frameIndex
}

func (a *Anonymizer) DetectorFailures() uint64 {
	return a.failures.Load()
}

func (a *Anonymizer) State() AnonymizerState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	switch {
	case !a.background.Initialized():
		return StateUninitialized
	case a.frameIndex < uint64(a.dilation.WarmupFrames):
		return StateLearning
	default:
		return StateSteady
	}
}

// boxBlurMasked writes into dst the mean of a (2r+1)^2 window of src at
// every pixel set in mask.
func boxBlurMasked(src, dst *domain.Frame, mask *domain.Mask, r int) {
	w, h, ch := src.Width, src.Height, src.Channels()
	iw := w + 1

	// Summed-area table per channel.
	sat := make([]uint32, iw*(h+1)*ch)
	for y := 0; y < h; y++ {
		for c := 0; c < ch; c++ {
			var rowSum uint32
			for x := 0; x < w; x++ {
				rowSum += uint32(src.Data[(y*w+x)*ch+c])
				sat[((y+1)*iw+x+1)*ch+c] = sat[(y*iw+x+1)*ch+c] + rowSum
			}
		}
	}

	for p, v := range mask.Pix {
		if v == 0 {
			continue
		}
		x, y := p%w, p/w
		x0, y0 := max(x-r, 0), max(y-r, 0)
		x1, y1 := min(x+r+1, w), min(y+r+1, h)
		area := uint32((x1 - x0) * (y1 - y0))
		for c := 0; c < ch; c++ {
			sum := sat[(y1*iw+x1)*ch+c] - sat[(y0*iw+x1)*ch+c] - sat[(y1*iw+x0)*ch+c] + sat[(y0*iw+x0)*ch+c]
			dst.Data[p*ch+c] = uint8(sum / area)
		}
	}
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
