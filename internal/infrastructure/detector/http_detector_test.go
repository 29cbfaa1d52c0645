package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pngMask(t *testing.T, w, h int, set image.Rectangle) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := set.Min.Y; y < set.Max.Y; y++ {
		for x := set.Min.X; x < set.Max.X; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func testConfigs(endpoint string) (config.DetectorConfig, config.AnonymizerConfig) {
	cfg := config.DefaultConfig()
	cfg.Detector.Endpoint = endpoint
	cfg.Detector.Timeout = time.Second
	cfg.Detector.Breaker.FailureThreshold = 2
	cfg.Detector.Breaker.Timeout = time.Minute
	return cfg.Detector, cfg.Anonymizer
}

func TestHTTPDetector_Detect(t *testing.T) {
	mask := pngMask(t, 8, 8, image.Rect(1, 1, 3, 4))

	mux := http.NewServeMux()
	mux.HandleFunc("/classes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"classes": []string{"bicycle", "person"}})
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		assert.Equal(t, "0.5", r.URL.Query().Get("conf"))
		assert.Equal(t, "0.45", r.URL.Query().Get("iou"))

		_, _, err := image.Decode(r.Body)
		assert.NoError(t, err, "body must be a decodable image")

		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"box": []int{1, 1, 3, 4}, "confidence": 0.9, "class_id": 1, "mask": mask},
				{"box": []int{4, 4, 6, 6}, "confidence": 0.7, "class_id": 0},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dcfg, acfg := testConfigs(srv.URL)
	d, err := NewHTTPDetector(context.Background(), dcfg, acfg, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, 1, d.PersonClassID(), "person index comes from the class list")
	assert.Equal(t, []string{"bicycle", "person"}, d.ClassNames())

	frame := domain.NewFrame(8, 8, domain.LayoutBGR24)
	dets, err := d.Detect(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, image.Rect(1, 1, 3, 4), dets[0].Box)
	assert.Equal(t, 1, dets[0].ClassID)
	require.NotNil(t, dets[0].Mask)
	assert.Equal(t, 6, dets[0].Mask.Count())
	assert.True(t, dets[0].Mask.At(2, 3))
	assert.Nil(t, dets[1].Mask)
}

func TestHTTPDetector_BreakerOpens(t *testing.T) {
	var detectCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/classes", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"classes": []string{"person"}})
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		detectCalls.Add(1)
		http.Error(w, "model crashed", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dcfg, acfg := testConfigs(srv.URL)
	d, err := NewHTTPDetector(context.Background(), dcfg, acfg, zap.NewNop().Sugar())
	require.NoError(t, err)

	frame := domain.NewFrame(4, 4, domain.LayoutGray8)
	for i := 0; i < 2; i++ {
		_, err := d.Detect(context.Background(), frame)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrDetectorUnavailable)
	}

	_, err = d.Detect(context.Background(), frame)
	assert.ErrorIs(t, err, domain.ErrDetectorUnavailable)
	assert.Equal(t, int32(2), detectCalls.Load(), "open breaker must not reach the service")
	assert.Equal(t, "open", d.BreakerState().String())
}

func TestHTTPDetector_UnreachableAtStartup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dcfg, acfg := testConfigs(srv.URL)
	_, err := NewHTTPDetector(ctx, dcfg, acfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestDecodeMask_Invalid(t *testing.T) {
	_, err := decodeMask("!!!")
	assert.Error(t, err)

	_, err = decodeMask(base64.StdEncoding.EncodeToString([]byte("not a png")))
	assert.Error(t, err)
}
