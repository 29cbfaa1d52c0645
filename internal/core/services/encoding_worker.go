package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/internal/core/ports"
	"anonstream/pkg/config"
	"anonstream/pkg/retry"
	"anonstream/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EncodingWorker owns the frame queue and the single goroutine that
// converts, encodes and forwards frames to the transport sink.
type EncodingWorker struct {
	encoder ports.Encoder
	sink    ports.TransportSink
	stats   *StatsAggregator
	metrics ports.PipelineMetrics
	logger  *zap.SugaredLogger

	queue     *FrameQueue
	keyframes *KeyframeController
	converter *FrameConverter
	acquire   retry.Config

	submitTimeout   time.Duration
	encodeTimeout   time.Duration
	retrieveTimeout time.Duration
	pollInterval    time.Duration
	targetBitrate   int

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Touched only by the worker goroutine.
	frameNum        uint64
	highWaterLogged int
	inFlight        []inFlightFrame

	submitted atomic.Uint64
	encoded   atomic.Uint64
	bytes     atomic.Uint64
	keyframed atomic.Uint64
	errs      atomic.Uint64
	dropped   atomic.Uint64
	clients   atomic.Int64

	dropsLogged atomic.Uint64
	dropLog     rate.Sometimes
	encodeLog   rate.Sometimes
	sendLog     rate.Sometimes
}

// maxInFlight bounds the frames remembered between Submit and Retrieve.
const maxInFlight = 64

// inFlightFrame is a frame handed to the encoder whose output has not been
// retrieved yet.
type inFlightFrame struct {
	sequence    uint64
	capturedAt  time.Time
	submittedAt time.Time
}

// NewEncodingWorker wires a worker to its encoder and sink and registers
// itself as the sink's session listener. A nil sink discards output.
func NewEncodingWorker(
	cfg *config.Config,
	encoder ports.Encoder,
	sink ports.TransportSink,
	stats *StatsAggregator,
	metrics ports.PipelineMetrics,
	logger *zap.SugaredLogger,
) *EncodingWorker {
	if sink == nil {
		sink = discardSink{}
	}

	w := &EncodingWorker{
		encoder:   encoder,
		sink:      sink,
		stats:     stats,
		metrics:   metricsOrNoop(metrics),
		logger:    logger,
		queue:     NewFrameQueue(cfg.Queue.Capacity),
		keyframes: NewKeyframeController(cfg.Keyframe),
		converter: NewFrameConverter(cfg.Encoder.Width, cfg.Encoder.Height),
		acquire: retry.Config{
			Enabled:         true,
			MaxAttempts:     cfg.Encoder.AcquireRetries,
			InitialDelay:    time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			Multiplier:      5,
			RetryableErrors: []error{domain.ErrBufferUnavailable},
		},
		submitTimeout:   cfg.Queue.SubmitTimeout,
		encodeTimeout:   cfg.Encoder.SubmitTimeout,
		retrieveTimeout: cfg.Encoder.RetrieveTimeout,
		pollInterval:    cfg.Queue.PollInterval,
		targetBitrate:   cfg.Encoder.Bitrate,
		dropLog:         rate.Sometimes{Interval: 5 * time.Second},
		encodeLog:       rate.Sometimes{First: 1, Every: 20},
		sendLog:         rate.Sometimes{Interval: 5 * time.Second},
	}
	w.metrics.SetKeyframeInterval(w.keyframes.Interval())
	sink.SetListener(w)
	return w
}

// Start launches the worker goroutine. The goroutine keeps running until
// Stop; ctx only supplies values such as trace parents.
func (w *EncodingWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running.Load() {
		return domain.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	w.queue.Reopen()
	w.stats.Restart(time.Now())
	w.running.Store(true)

	go w.run(runCtx, w.done)

	w.logger.Infow("Encoding worker started",
		"queue_capacity", w.queue.Cap(),
		"keyframe_interval", w.keyframes.Interval(),
		"target_bitrate", w.targetBitrate,
	)
	return nil
}

// SubmitFrame hands a frame to the worker. With AdmissionDropOldest a full
// queue evicts its oldest frame; with AdmissionBlocking the call waits for
// space up to the configured submit timeout.
func (w *EncodingWorker) SubmitFrame(ctx context.Context, frame *domain.Frame, mode domain.AdmissionMode) error {
	if frame.Empty() {
		return domain.ErrEmptyFrame
	}
	if !w.running.Load() {
		return domain.ErrShuttingDown
	}

	evicted, err := w.queue.Push(ctx, frame, mode, w.submitTimeout)
	if err != nil {
		if errors.Is(err, domain.ErrQueueTimeout) {
			w.recordDrop("queue_timeout")
		}
		return err
	}
	if evicted != nil {
		w.recordDrop("queue_full")
	}

	w.submitted.Add(1)
	w.metrics.SetQueueDepth(w.queue.Len())
	return nil
}

func (w *EncodingWorker) recordDrop(reason string) {
	w.dropped.Add(1)
	w.errs.Add(1)
	w.stats.RecordDrop()
	w.stats.RecordError()
	w.metrics.IncFramesDropped(reason)

	w.dropLog.Do(func() {
		total := w.dropped.Load()
		w.logger.Warnw("Dropping frames",
			"reason", reason,
			"dropped_since_last_log", total-w.dropsLogged.Swap(total),
			"dropped_total", total,
		)
	})
}

func (w *EncodingWorker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	w.inFlight = w.inFlight[:0]

	for w.running.Load() {
		frame, ok := w.queue.Pop(w.pollInterval)
		switch {
		case ok && w.running.Load():
			w.metrics.SetQueueDepth(w.queue.Len())
			w.checkHighWater()
			w.encodeFrame(ctx, frame)
		case !ok:
			// Encoders lag their input; collect what finished meanwhile.
			w.drain(ctx)
		}
		w.maybeReport(time.Now())

		if ctx.Err() != nil {
			return
		}
	}
}

func (w *EncodingWorker) checkHighWater() {
	hw := w.queue.HighWater()
	if hw > w.queue.Cap()/2 && hw > w.highWaterLogged {
		w.highWaterLogged = hw
		w.logger.Infow("Frame queue high-water mark", "high_water", hw, "capacity", w.queue.Cap())
	}
}

func (w *EncodingWorker) encodeFrame(ctx context.Context, frame *domain.Frame) {
	start := time.Now()
	ctx, span := tracing.TraceFrame(ctx, "encoder.encode_frame", frame.Sequence, frame.Width, frame.Height)
	defer span.End()

	w.frameNum++

	buf, err := w.acquireBuffer(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		w.recordDrop("buffer_unavailable")
		return
	}
	defer buf.Release()

	if err := w.converter.Convert(frame, buf.Bytes()); err != nil {
		w.encodeFailed(ctx, "convert", frame.Sequence, err)
		return
	}

	keyframe := w.keyframes.Due(start, w.frameNum, w.errs.Load())
	if keyframe {
		w.encoder.RequestKeyframe()
		w.metrics.SetKeyframeInterval(w.keyframes.Interval())
	}

	if err := w.encoder.Submit(buf.handle, w.encodeTimeout); err != nil {
		w.encodeFailed(ctx, "submit", frame.Sequence, err)
		return
	}
	buf.Release()
	w.trackInFlight(inFlightFrame{
		sequence:    frame.Sequence,
		capturedAt:  frame.CapturedAt,
		submittedAt: start,
	})

	w.drain(ctx)
}

func (w *EncodingWorker) trackInFlight(f inFlightFrame) {
	if len(w.inFlight) >= maxInFlight {
		w.inFlight = append(w.inFlight[:0], w.inFlight[1:]...)
	}
	w.inFlight = append(w.inFlight, f)
}

// nextInFlight pairs a retrieved access unit with the oldest submitted
// frame. The zero value is returned when the encoder produced more output
// than it was given.
func (w *EncodingWorker) nextInFlight() inFlightFrame {
	if len(w.inFlight) == 0 {
		return inFlightFrame{}
	}
	f := w.inFlight[0]
	w.inFlight = append(w.inFlight[:0], w.inFlight[1:]...)
	return f
}

// drain forwards every access unit the encoder has completed, oldest first.
// A zero ready count is not an error.
func (w *EncodingWorker) drain(ctx context.Context) {
	for i := 0; i < maxInFlight; i++ {
		ready := w.encoder.ReadyCount()
		if ready == 0 {
			return
		}
		if !w.deliver(ctx, ready, w.nextInFlight()) {
			return
		}
	}
}

// deliver retrieves one access unit of ready packets and writes it to the
// sink. It reports false when the encoder failed to hand it over.
func (w *EncodingWorker) deliver(ctx context.Context, ready int, src inFlightFrame) bool {
	var stack [8]domain.Packet
	dst := stack[:0]
	if ready > len(stack) {
		dst = make([]domain.Packet, 0, ready)
	}
	packets, err := w.encoder.Retrieve(dst, w.retrieveTimeout)
	if err != nil {
		w.encodeFailed(ctx, "retrieve", src.sequence, err)
		return false
	}
	defer w.encoder.ReleasePackets(packets)

	batch := domain.PacketBatch{
		Packets:    packets,
		Sequence:   src.sequence,
		CapturedAt: src.capturedAt,
	}
	size := batch.Size()
	isKey := batch.HasKeyframe()

	if err := w.sink.WriteFrame(ctx, batch); err != nil {
		w.errs.Add(1)
		w.stats.RecordError()
		w.metrics.IncEncodeErrors("send")
		w.sendLog.Do(func() {
			w.logger.Warnw("Transport write failed", "error", err, "frame_seq", src.sequence)
		})
	}

	w.encoded.Add(1)
	w.bytes.Add(uint64(size))
	if isKey {
		w.keyframed.Add(1)
	}
	w.stats.RecordBatch(batch)
	w.metrics.IncFramesEncoded(size, isKey)
	if !src.submittedAt.IsZero() {
		w.metrics.ObserveEncodeLatency(time.Since(src.submittedAt))
	}

	tracing.AddSpanAttributes(ctx,
		tracing.KeyframeKey.Bool(isKey),
		tracing.BatchBytesKey.Int(size),
	)
	return true
}

func (w *EncodingWorker) acquireBuffer(ctx context.Context) (*scopedBuffer, error) {
	size := w.converter.OutputSize()
	h, err := retry.RetryWithResult(ctx, w.acquire, func() (ports.BufferHandle, error) {
		return w.encoder.AcquireBuffer(size)
	})
	if err != nil {
		return nil, err
	}
	return &scopedBuffer{encoder: w.encoder, handle: h}, nil
}

func (w *EncodingWorker) encodeFailed(ctx context.Context, stage string, seq uint64, err error) {
	w.errs.Add(1)
	w.stats.RecordError()
	w.metrics.IncEncodeErrors(stage)
	tracing.RecordError(ctx, err)

	w.encodeLog.Do(func() {
		w.logger.Warnw("Encode failed",
			"stage", stage,
			"error", err,
			"frame_seq", seq,
			"errors_total", w.errs.Load(),
		)
	})
}

func (w *EncodingWorker) maybeReport(now time.Time) {
	report, ok := w.stats.MaybeReport(now, w.clients.Load(), w.keyframes.Interval())
	if ok {
		w.metrics.SetBitrate(report.BitrateMbps)
	}
}

// OnConnect forces a keyframe so the new viewer can start decoding.
func (w *EncodingWorker) OnConnect(addr string) {
	n := w.clients.Add(1)
	w.keyframes.Force()
	w.metrics.SetClients(n)
	w.logger.Infow("Client connected", "addr", addr, "clients", n)
}

// OnDisconnect decrements the client count, never below zero.
func (w *EncodingWorker) OnDisconnect(addr string) {
	for {
		n := w.clients.Load()
		if n <= 0 {
			w.logger.Warnw("Disconnect without matching connect", "addr", addr)
			return
		}
		if w.clients.CompareAndSwap(n, n-1) {
			w.metrics.SetClients(n - 1)
			w.logger.Infow("Client disconnected", "addr", addr, "clients", n-1)
			return
		}
	}
}

func (w *EncodingWorker) ClientCount() int64 {
	return w.clients.Load()
}

// ForceKeyframe makes the next encoded frame a keyframe.
func (w *EncodingWorker) ForceKeyframe() {
	w.keyframes.Force()
}

func (w *EncodingWorker) Running() bool {
	return w.running.Load()
}

// Stats returns the worker counters.
func (w *EncodingWorker) Stats() domain.WorkerSnapshot {
	return domain.WorkerSnapshot{
		Running:          w.running.Load(),
		FramesEncoded:    w.encoded.Load(),
		FramesSubmitted:  w.submitted.Load(),
		Errors:           w.errs.Load(),
		Dropped:          w.dropped.Load(),
		Clients:          w.clients.Load(),
		QueueDepth:       w.queue.Len(),
		QueueCapacity:    w.queue.Cap(),
		QueueHighWater:   w.queue.HighWater(),
		KeyframeInterval: w.keyframes.Interval(),
		Bytes:            w.bytes.Load(),
		Keyframes:        w.keyframed.Load(),
	}
}

// Stop halts the worker, discards queued frames, closes the encoder and
// the sink, and returns the session totals. Teardown errors are logged.
// The returned error is non-nil only if ctx expired before the worker
// goroutine exited. In that case the goroutine is cancelled and still
// joined before teardown; every wait inside it is bounded.
func (w *EncodingWorker) Stop(ctx context.Context) (domain.StatsTotals, error) {
	w.mu.Lock()
	if !w.running.Load() {
		w.mu.Unlock()
		return domain.StatsTotals{}, domain.ErrNotRunning
	}
	w.running.Store(false)
	w.queue.Close()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	var stopErr error
	select {
	case <-done:
	case <-ctx.Done():
		stopErr = fmt.Errorf("encoding worker did not exit: %w", ctx.Err())
		w.logger.Warnw("Encoding worker did not exit in time, cancelling", "error", ctx.Err())
		cancel()
		<-done
	}
	cancel()

	if n := w.queue.Drain(); n > 0 {
		w.logger.Infow("Discarded queued frames", "count", n)
	}
	if err := w.encoder.Close(); err != nil {
		w.logger.Warnw("Failed to close encoder", "error", err)
	}
	if err := w.sink.Close(); err != nil {
		w.logger.Warnw("Failed to close transport sink", "error", err)
	}
	w.stats.Wait()

	totals := w.stats.Totals(time.Now(), w.targetBitrate)
	w.logger.Infow("Encoding worker stopped",
		"frames", totals.Frames,
		"bytes", totals.Bytes,
		"keyframes", totals.Keyframes,
		"keyframe_percent", totals.KeyframePercent,
		"avg_bytes_per_frame", totals.AvgBytesPerFrame,
		"avg_bitrate_mbps", totals.AvgBitrateMbps,
		"target_bitrate_mbps", totals.TargetBitrateMbps,
		"duration", totals.Duration,
		"avg_fps", totals.AvgFPS,
	)
	return totals, stopErr
}

// scopedBuffer returns its handle to the encoder exactly once.
type scopedBuffer struct {
	encoder  ports.Encoder
	handle   ports.BufferHandle
	released bool
}

func (b *scopedBuffer) Bytes() []byte { return b.handle.Bytes() }

func (b *scopedBuffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.encoder.ReleaseBuffer(b.handle)
}

type discardSink struct{}

func (discardSink) WriteFrame(context.Context, domain.PacketBatch) error { return nil }
func (discardSink) SetListener(ports.SessionListener) {}
func (discardSink) Close() error { return nil }
