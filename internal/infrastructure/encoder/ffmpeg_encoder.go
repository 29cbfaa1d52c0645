package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/internal/core/ports"
	"anonstream/pkg/config"

	"go.uber.org/zap"
)

const (
	stopTimeout = 2 * time.Second
	readChunk   = 64 << 10
)

// FFmpegEncoder encodes I420 frames to H.264 with an ffmpeg/libx264
// subprocess. Frames are written to its stdin; a reader goroutine splits
// its Annex-B stdout into access units.
//
// libx264 cannot be told to emit an IDR on demand through the pipe, so a
// keyframe request restarts the subprocess on the next Submit.
type FFmpegEncoder struct {
	cfg    config.EncoderConfig
	logger *zap.SugaredLogger
	pool   *BufferPool

	mu     sync.Mutex
	proc   *process
	closed bool

	keyframe atomic.Bool
	restarts atomic.Uint64

	readyMu  sync.Mutex
	ready    [][]domain.Packet
	maxReady int
	notify   chan struct{}
}

type process struct {
	cmd     *exec.Cmd
	stdin   *os.File
	stderr  bytes.Buffer
	done    chan struct{}
	written uint64
}

// NewFFmpegEncoder starts the encoder subprocess. cfg must be normalized.
func NewFFmpegEncoder(cfg config.EncoderConfig, logger *zap.SugaredLogger) (*FFmpegEncoder, error) {
	e := &FFmpegEncoder{
		cfg:      cfg,
		logger:   logger,
		pool:     NewBufferPool(frameSize(cfg.Width, cfg.Height), cfg.VBPoolCount),
		maxReady: max(cfg.FPS*2, 8),
		notify:   make(chan struct{}, 1),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.startLocked(); err != nil {
		return nil, err
	}

	logger.Infow("Encoder started",
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
		"bitrate", cfg.Bitrate,
		"gop", cfg.GOP,
		"profile", cfg.Profile,
		"rate_control", cfg.RateControl,
	)
	return e, nil
}

func frameSize(w, h int) int {
	return w*h + 2*((w+1)/2)*((h+1)/2)
}

// Args returns the ffmpeg command line for cfg.
func Args(cfg config.EncoderConfig) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.Itoa(cfg.FPS),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", cfg.Profile,
		"-g", strconv.Itoa(cfg.GOP),
		"-bf", "0",
	}

	bitrate := strconv.Itoa(cfg.Bitrate)
	switch cfg.RateControl {
	case "fixqp":
		args = append(args, "-qp", strconv.Itoa(cfg.QPInit))
	case "vbr":
		peak := strconv.Itoa(cfg.Bitrate * 2)
		args = append(args, "-b:v", bitrate, "-maxrate", peak, "-bufsize", peak)
	case "avbr":
		args = append(args, "-b:v", bitrate)
	default:
		args = append(args, "-b:v", bitrate, "-minrate", bitrate, "-maxrate", bitrate, "-bufsize", bitrate)
	}

	return append(args,
		"-x264-params", fmt.Sprintf("aud=1:qpmin=%d:qpmax=%d", cfg.QPMin, cfg.QPMax),
		"-f", "h264",
		"pipe:1",
	)
}

func (e *FFmpegEncoder) startLocked() error {
	cmd := exec.Command(e.cfg.FFmpegPath, Args(e.cfg)...)

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	cmd.Stdin = pr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	p := &process{cmd: cmd, stdin: pw, done: make(chan struct{})}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	pr.Close()

	go e.readLoop(stdout, p.done)
	e.proc = p
	return nil
}

// stopLocked closes the subprocess input and waits for it and its reader
// to finish, killing it after stopTimeout.
func (e *FFmpegEncoder) stopLocked() error {
	p := e.proc
	if p == nil {
		return nil
	}
	e.proc = nil
	p.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()

	var err error
	select {
	case err = <-exited:
	case <-time.After(stopTimeout):
		p.cmd.Process.Kill()
		err = <-exited
	}

	select {
	case <-p.done:
	case <-time.After(stopTimeout):
		e.logger.Warnw("Encoder output reader did not finish")
	}

	if err != nil {
		return fmt.Errorf("ffmpeg exited: %w: %s", err, bytes.TrimSpace(p.stderr.Bytes()))
	}
	return nil
}

func (e *FFmpegEncoder) readLoop(r io.Reader, done chan struct{}) {
	defer close(done)

	splitter := NewAccessUnitSplitter()
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, au := range splitter.Write(buf[:n]) {
				e.push(au)
			}
		}
		if err != nil {
			if last := splitter.Flush(); len(last) > 0 {
				e.push(last)
			}
			return
		}
	}
}

func (e *FFmpegEncoder) push(au []domain.Packet) {
	e.readyMu.Lock()
	if len(e.ready) >= e.maxReady {
		e.ready[0] = nil
		e.ready = e.ready[1:]
		e.logger.Warnw("Encoded output not collected, dropping access unit", "pending", e.maxReady)
	}
	e.ready = append(e.ready, au)
	e.readyMu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *FFmpegEncoder) AcquireBuffer(size int) (ports.BufferHandle, error) {
	b, err := e.pool.Acquire(size)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (e *FFmpegEncoder) ReleaseBuffer(h ports.BufferHandle) {
	if b, ok := h.(*Buffer); ok {
		e.pool.Release(b)
	}
}

// Submit writes one I420 frame. A write that does not complete within
// timeout returns domain.ErrEncoderTimeout and restarts the subprocess,
// since a partial frame desynchronizes the raw stream.
func (e *FFmpegEncoder) Submit(h ports.BufferHandle, timeout time.Duration) error {
	b, ok := h.(*Buffer)
	if !ok || b.pool != e.pool {
		return fmt.Errorf("buffer not owned by this encoder")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return domain.ErrEncoderClosed
	}

	restart := e.keyframe.Swap(false) && e.proc != nil && e.proc.written > 0
	if restart || e.proc == nil {
		if err := e.stopLocked(); err != nil {
			e.logger.Warnw("Encoder restart", "error", err)
		}
		if err := e.startLocked(); err != nil {
			return err
		}
		e.restarts.Add(1)
	}

	if err := e.proc.stdin.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := e.proc.stdin.Write(b.data); err != nil {
		if stopErr := e.stopLocked(); stopErr != nil {
			e.logger.Warnw("Encoder stopped after failed write", "error", stopErr)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("write frame: %w", domain.ErrEncoderTimeout)
		}
		return fmt.Errorf("write frame: %w", err)
	}
	e.proc.written++
	return nil
}

// ReadyCount returns the packet count of the oldest completed access unit.
// Several units may be waiting; callers retrieve until it reports zero.
func (e *FFmpegEncoder) ReadyCount() int {
	e.readyMu.Lock()
	defer e.readyMu.Unlock()
	if len(e.ready) == 0 {
		return 0
	}
	return len(e.ready[0])
}

// Retrieve appends the oldest completed access unit to dst.
func (e *FFmpegEncoder) Retrieve(dst []domain.Packet, timeout time.Duration) ([]domain.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		e.readyMu.Lock()
		if len(e.ready) > 0 {
			au := e.ready[0]
			e.ready[0] = nil
			e.ready = e.ready[1:]
			e.readyMu.Unlock()
			return append(dst, au...), nil
		}
		e.readyMu.Unlock()

		select {
		case <-e.notify:
		case <-timer.C:
			return dst, domain.ErrEncoderTimeout
		}
	}
}

// ReleasePackets is a no-op: packet payloads are owned by the caller once
// retrieved.
func (e *FFmpegEncoder) ReleasePackets([]domain.Packet) {}

func (e *FFmpegEncoder) RequestKeyframe() {
	e.keyframe.Store(true)
}

// Restarts returns how many times the subprocess was restarted.
func (e *FFmpegEncoder) Restarts() uint64 {
	return e.restarts.Load()
}

func (e *FFmpegEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.pool.Close()
	return e.stopLocked()
}

var _ ports.Encoder = (*FFmpegEncoder)(nil)
