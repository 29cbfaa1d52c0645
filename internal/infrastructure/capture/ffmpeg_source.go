package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/internal/core/ports"
	"anonstream/pkg/config"

	"go.uber.org/zap"
)

// RawFrameReader reads packed rawvideo frames of a fixed size.
type RawFrameReader struct {
	r      *bufio.Reader
	width  int
	height int
	layout domain.PixelLayout
	seq    uint64
}

func ReadRawFrames(r io.Reader, width, height int, layout domain.PixelLayout) *RawFrameReader {
	size := width * height * layout.Channels()
	return &RawFrameReader{
		r:      bufio.NewReaderSize(r, size),
		width:  width,
		height: height,
		layout: layout,
	}
}

// Next returns the next frame, or io.EOF when the stream ends. A truncated
// trailing frame is discarded.
func (fr *RawFrameReader) Next() (*domain.Frame, error) {
	f := domain.NewFrame(fr.width, fr.height, fr.layout)
	if _, err := io.ReadFull(fr.r, f.Data); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	fr.seq++
	f.Sequence = fr.seq
	f.CapturedAt = time.Now()
	return f, nil
}

// FFmpegSource captures frames from any ffmpeg input: a V4L2 device, an
// RTSP URL, a file or a lavfi test source.
type FFmpegSource struct {
	cfg    config.CaptureConfig
	logger *zap.SugaredLogger

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	frames *RawFrameReader

	closeOnce sync.Once
}

func NewFFmpegSource(cfg config.CaptureConfig, logger *zap.SugaredLogger) (*FFmpegSource, error) {
	layout, ok := domain.ParsePixelLayout(cfg.PixelFormat)
	if !ok {
		return nil, fmt.Errorf("unsupported pixel format %q", cfg.PixelFormat)
	}

	s := &FFmpegSource{cfg: cfg, logger: logger}
	s.cmd = exec.Command(cfg.FFmpegPath, Args(cfg)...)
	s.cmd.Stderr = &s.stderr

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	s.stdout = stdout
	s.frames = ReadRawFrames(stdout, cfg.Width, cfg.Height, layout)

	logger.Infow("Capture started",
		"input", cfg.Input,
		"format", cfg.Format,
		"pixel_format", cfg.PixelFormat,
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
	)
	return s, nil
}

// Args returns the ffmpeg command line for cfg.
func Args(cfg config.CaptureConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	switch {
	case cfg.Format == "v4l2":
		args = append(args,
			"-f", "v4l2",
			"-framerate", strconv.Itoa(cfg.FPS),
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		)
	case cfg.Format != "":
		args = append(args, "-f", cfg.Format)
	case strings.HasPrefix(cfg.Input, "rtsp://"):
		args = append(args, "-rtsp_transport", "tcp")
	}

	return append(args,
		"-i", cfg.Input,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d,fps=%d", cfg.Width, cfg.Height, cfg.FPS),
		"-f", "rawvideo",
		"-pix_fmt", cfg.PixelFormat,
		"pipe:1",
	)
}

// ReadFrame blocks until a frame is available. Cancelling ctx closes the
// source.
func (s *FFmpegSource) ReadFrame(ctx context.Context) (*domain.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	f, err := s.frames.Next()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return f, nil
}

func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.stdout.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		if err := s.cmd.Wait(); err != nil && s.stderr.Len() > 0 {
			s.logger.Warnw("Capture process exited",
				"error", err,
				"stderr", string(bytes.TrimSpace(s.stderr.Bytes())),
			)
		}
	})
	return nil
}

var _ ports.FrameSource = (*FFmpegSource)(nil)
