package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/internal/core/ports"
	"anonstream/pkg/circuitbreaker"
	"anonstream/pkg/config"
	"anonstream/pkg/retry"

	"go.uber.org/zap"
)

// detectResponse is the body returned by POST /detect.
type detectResponse struct {
	Detections []struct {
		Box        [4]int  `json:"box"` // x1, y1, x2, y2
		Confidence float64 `json:"confidence"`
		ClassID    int     `json:"class_id"`
		Mask       string  `json:"mask,omitempty"` // base64 PNG
	} `json:"detections"`
}

type classesResponse struct {
	Classes []string `json:"classes"`
}

// HTTPDetector calls a remote instance-segmentation service. Frames are
// sent as JPEG; detections come back as JSON with optional PNG masks.
type HTTPDetector struct {
	endpoint      string
	client        *http.Client
	breaker       *circuitbreaker.CircuitBreaker
	logger        *zap.SugaredLogger
	confidence    float64
	iou           float64
	jpegQuality   int
	classNames    []string
	personClassID int
}

// NewHTTPDetector fetches the class list from the service and fails if it
// stays unreachable after retries.
func NewHTTPDetector(ctx context.Context, cfg config.DetectorConfig, anon config.AnonymizerConfig, logger *zap.SugaredLogger) (*HTTPDetector, error) {
	d := &HTTPDetector{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold:    cfg.Breaker.FailureThreshold,
			SuccessThreshold:    cfg.Breaker.SuccessThreshold,
			Timeout:             cfg.Breaker.Timeout,
			MaxRequestsHalfOpen: 1,
		}),
		logger:        logger,
		confidence:    anon.Confidence,
		iou:           anon.IoU,
		jpegQuality:   cfg.JPEGQuality,
		personClassID: cfg.PersonClassID,
	}
	d.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Detector circuit breaker state changed", "from", from.String(), "to", to.String())
	})

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 4
	classes, err := retry.RetryWithResult(ctx, retryCfg, func() ([]string, error) {
		return d.fetchClasses(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("detector at %s: %w", cfg.Endpoint, err)
	}

	d.classNames = classes
	for i, name := range classes {
		if name == "person" {
			d.personClassID = i
			break
		}
	}

	logger.Infow("Detector connected",
		"endpoint", cfg.Endpoint,
		"classes", len(classes),
		"person_class_id", d.personClassID,
	)
	return d, nil
}

func (d *HTTPDetector) fetchClasses(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/classes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /classes: status %d", resp.StatusCode)
	}
	var body classesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode classes: %w", err)
	}
	if len(body.Classes) == 0 {
		return nil, errors.New("detector reported no classes")
	}
	return body.Classes, nil
}

// Detect runs detection on frame. When the breaker is open it fails fast
// with domain.ErrDetectorUnavailable.
func (d *HTTPDetector) Detect(ctx context.Context, frame *domain.Frame) ([]domain.Detection, error) {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, frame.Image(), &jpeg.Options{Quality: d.jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	dets, err := circuitbreaker.Call(ctx, d.breaker, func() ([]domain.Detection, error) {
		return d.detect(ctx, body.Bytes())
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %v", domain.ErrDetectorUnavailable, err)
	}
	return dets, err
}

func (d *HTTPDetector) detect(ctx context.Context, jpegData []byte) ([]domain.Detection, error) {
	q := url.Values{}
	q.Set("conf", strconv.FormatFloat(d.confidence, 'f', -1, 64))
	q.Set("iou", strconv.FormatFloat(d.iou, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect?"+q.Encode(), bytes.NewReader(jpegData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("POST /detect: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var body detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}

	dets := make([]domain.Detection, 0, len(body.Detections))
	for _, raw := range body.Detections {
		det := domain.Detection{
			Box:        image.Rect(raw.Box[0], raw.Box[1], raw.Box[2], raw.Box[3]),
			Confidence: raw.Confidence,
			ClassID:    raw.ClassID,
		}
		if raw.Mask != "" {
			mask, err := decodeMask(raw.Mask)
			if err != nil {
				d.logger.Debugw("Ignoring undecodable mask", "error", err)
			} else {
				det.Mask = mask
			}
		}
		dets = append(dets, det)
	}

	d.logger.Debugw("Detection done", "detections", len(dets), "latency", time.Since(start))
	return dets, nil
}

// decodeMask turns a base64 PNG into a binary mask. Any non-zero luma
// counts as foreground.
func decodeMask(s string) (*domain.Mask, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	m := domain.NewMask(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if r|g|bl != 0 {
				m.Set(x-b.Min.X, y-b.Min.Y)
			}
		}
	}
	return m, nil
}

func (d *HTTPDetector) PersonClassID() int {
	return d.personClassID
}

func (d *HTTPDetector) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// BreakerState reports the circuit breaker state for health checks.
func (d *HTTPDetector) BreakerState() circuitbreaker.State {
	return d.breaker.GetState()
}

var _ ports.Detector = (*HTTPDetector)(nil)
