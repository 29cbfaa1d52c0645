package services

import (
	"context"
	"errors"
	"image"
	"testing"

	"anonstream/internal/core/domain"
	"anonstream/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testAnonymizerConfig() config.AnonymizerConfig {
	cfg := config.DefaultConfig().Anonymizer
	cfg.LearningRate = 0.5
	cfg.Dilation.Enabled = false
	return cfg
}

func personAt(r image.Rectangle) []domain.Detection {
	return []domain.Detection{{Box: r, Confidence: 0.9, ClassID: 0}}
}

func newTestAnonymizer(t *testing.T, cfg config.AnonymizerConfig, det *mockDetector) *Anonymizer {
	return NewAnonymizer(cfg, det, NewEllipticalDilator(), nil, zaptest.NewLogger(t).Sugar())
}

func TestAnonymizer_FirstFramePassesThrough(t *testing.T) {
	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(personAt(image.Rect(0, 0, 4, 4)), nil)
	a := newTestAnonymizer(t, testAnonymizerConfig(), det)

	in := solidFrame(8, 8, domain.LayoutBGR24, 100)
	out, err := a.ProcessFrame(context.Background(), in)

	require.NoError(t, err)
	assert.Same(t, in, out)
	assert.Equal(t, StateLearning, a.State())
	assert.NotNil(t, a.Background())
}

func TestAnonymizer_MaskingCorrectness(t *testing.T) {
	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(nil, nil).Once()
	box := image.Rect(2, 2, 5, 6)
	det.On("Detect", mock.Anything, mock.Anything).Return(personAt(box), nil).Once()
	a := newTestAnonymizer(t, testAnonymizerConfig(), det)

	_, err := a.ProcessFrame(context.Background(), solidFrame(8, 8, domain.LayoutBGR24, 100))
	require.NoError(t, err)

	in := solidFrame(8, 8, domain.LayoutBGR24, 200)
	out, err := a.ProcessFrame(context.Background(), in)
	require.NoError(t, err)

	bg := a.Background()
	mask := a.DetectionMask()
	require.NotNil(t, bg)
	require.NotNil(t, mask)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			i := (y*8 + x) * 3
			inside := image.Pt(x, y).In(box)
			assert.Equal(t, inside, mask.At(x, y))
			if inside {
				assert.Equal(t, bg.Data[i:i+3], out.Data[i:i+3], "masked pixel (%d,%d) must come from background", x, y)
			} else {
				assert.Equal(t, in.Data[i:i+3], out.Data[i:i+3], "unmasked pixel (%d,%d) must be original", x, y)
			}
		}
	}
	assert.Equal(t, byte(200), in.Data[(3*8+3)*3], "input frame must not be modified")
	det.AssertExpectations(t)
}

func TestAnonymizer_BackgroundNotContaminated(t *testing.T) {
	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(nil, nil).Once()
	box := image.Rect(0, 0, 4, 4)
	det.On("Detect", mock.Anything, mock.Anything).Return(personAt(box), nil)
	a := newTestAnonymizer(t, testAnonymizerConfig(), det)

	_, err := a.ProcessFrame(context.Background(), solidFrame(8, 8, domain.LayoutGray8, 50))
	require.NoError(t, err)
	before := a.Background()

	for i := 0; i < 5; i++ {
		_, err := a.ProcessFrame(context.Background(), solidFrame(8, 8, domain.LayoutGray8, 250))
		require.NoError(t, err)
	}

	after := a.Background()
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			i := y*8 + x
			if image.Pt(x, y).In(box) {
				assert.Equal(t, before.Data[i], after.Data[i], "masked pixel (%d,%d) learned from foreground", x, y)
			} else {
				assert.Greater(t, after.Data[i], before.Data[i], "unmasked pixel (%d,%d) should learn", x, y)
			}
		}
	}
}

func TestAnonymizer_DetectorFailurePassesThrough(t *testing.T) {
	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(nil, nil).Once()
	det.On("Detect", mock.Anything, mock.Anything).Return(nil, errors.New("inference server down"))
	a := newTestAnonymizer(t, testAnonymizerConfig(), det)

	_, err := a.ProcessFrame(context.Background(), solidFrame(4, 4, domain.LayoutGray8, 10))
	require.NoError(t, err)
	bgBefore := a.Background()

	in := solidFrame(4, 4, domain.LayoutGray8, 240)
	out, err := a.ProcessFrame(context.Background(), in)

	require.NoError(t, err)
	assert.Same(t, in, out)
	assert.Equal(t, uint64(1), a.FrameIndex(), "failed tick must not advance state")
	assert.Equal(t, uint64(1), a.DetectorFailures())
	assert.Equal(t, bgBefore.Data, a.Background().Data)
}

func TestAnonymizer_ResetMidStream(t *testing.T) {
	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(personAt(image.Rect(0, 0, 2, 2)), nil)
	a := newTestAnonymizer(t, testAnonymizerConfig(), det)

	for i := 0; i < 3; i++ {
		_, err := a.ProcessFrame(context.Background(), solidFrame(4, 4, domain.LayoutGray8, 90))
		require.NoError(t, err)
	}

	a.Reset()
	assert.Equal(t, StateUninitialized, a.State())
	assert.Nil(t, a.Background())
	assert.Nil(t, a.DetectionMask())
	assert.Empty(t, a.Detections())

	in := solidFrame(4, 4, domain.LayoutGray8, 90)
	out, err := a.ProcessFrame(context.Background(), in)

	require.NoError(t, err)
	assert.Same(t, in, out, "no background yet after reset")
	assert.Equal(t, uint64(1), a.FrameIndex())
	assert.Equal(t, StateLearning, a.State())
}

func TestAnonymizer_EmptyFrameUntouched(t *testing.T) {
	det := &mockDetector{}
	a := newTestAnonymizer(t, testAnonymizerConfig(), det)

	in := &domain.Frame{}
	out, err := a.ProcessFrame(context.Background(), in)

	require.NoError(t, err)
	assert.Same(t, in, out)
	assert.Equal(t, StateUninitialized, a.State())
	det.AssertNotCalled(t, "Detect", mock.Anything, mock.Anything)
}

func TestAnonymizer_InvalidFrame(t *testing.T) {
	det := &mockDetector{}
	a := newTestAnonymizer(t, testAnonymizerConfig(), det)

	in := &domain.Frame{Width: 4, Height: 4, Layout: domain.LayoutBGR24, Data: make([]byte, 10)}
	out, err := a.ProcessFrame(context.Background(), in)

	assert.ErrorIs(t, err, domain.ErrInvalidFrame)
	assert.Same(t, in, out)
}

func TestAnonymizer_DimensionChangeRestartsBackground(t *testing.T) {
	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(personAt(image.Rect(0, 0, 2, 2)), nil)
	a := newTestAnonymizer(t, testAnonymizerConfig(), det)

	for i := 0; i < 2; i++ {
		_, err := a.ProcessFrame(context.Background(), solidFrame(4, 4, domain.LayoutGray8, 90))
		require.NoError(t, err)
	}

	in := solidFrame(6, 6, domain.LayoutGray8, 90)
	out, err := a.ProcessFrame(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, 6, a.Background().Width)
	require.NotSame(t, in, out, "a size change must not expose the person")
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			want := byte(90)
			if x < 2 && y < 2 {
				want = backgroundFill
			}
			assert.Equal(t, want, out.Data[y*6+x], "pixel (%d,%d)", x, y)
		}
	}
}

func TestAnonymizer_MissedDetectionStaysMasked(t *testing.T) {
	cfg := testAnonymizerConfig()
	cfg.TrackHistory = 2

	box := image.Rect(1, 1, 3, 3)
	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(nil, nil).Once()
	det.On("Detect", mock.Anything, mock.Anything).Return(personAt(box), nil).Once()
	det.On("Detect", mock.Anything, mock.Anything).Return(nil, nil)
	a := newTestAnonymizer(t, cfg, det)

	ctx := context.Background()
	_, err := a.ProcessFrame(ctx, solidFrame(4, 4, domain.LayoutGray8, 20))
	require.NoError(t, err)
	_, err = a.ProcessFrame(ctx, solidFrame(4, 4, domain.LayoutGray8, 200))
	require.NoError(t, err)
	bg := a.Background()

	// The detector loses the person for two frames; the region stays hidden.
	for i := 0; i < 2; i++ {
		out, err := a.ProcessFrame(ctx, solidFrame(4, 4, domain.LayoutGray8, 200))
		require.NoError(t, err)
		assert.Equal(t, bg.Data[1*4+1], out.Data[1*4+1], "missed frame %d exposed the person", i+1)
		assert.Equal(t, byte(200), out.Data[0], "pixels outside the region stay original")
		assert.True(t, a.DetectionMask().At(2, 2))
	}

	// Past the history the region is released.
	in := solidFrame(4, 4, domain.LayoutGray8, 200)
	out, err := a.ProcessFrame(ctx, in)
	require.NoError(t, err)
	assert.Same(t, in, out)
	assert.Zero(t, a.DetectionMask().Count())
}

func TestAnonymizer_SolidMode(t *testing.T) {
	cfg := testAnonymizerConfig()
	cfg.Mode = "solid"
	cfg.FillColor = []int{0, 0, 255}

	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(personAt(image.Rect(0, 0, 1, 1)), nil)
	a := newTestAnonymizer(t, cfg, det)

	_, err := a.ProcessFrame(context.Background(), solidFrame(2, 2, domain.LayoutBGR24, 60))
	require.NoError(t, err)
	out, err := a.ProcessFrame(context.Background(), solidFrame(2, 2, domain.LayoutBGR24, 60))
	require.NoError(t, err)

	assert.Equal(t, []byte{0, 0, 255}, out.Data[0:3])
	assert.Equal(t, []byte{60, 60, 60}, out.Data[3:6])
}

func TestAnonymizer_BlurModeAveragesNeighbourhood(t *testing.T) {
	cfg := testAnonymizerConfig()
	cfg.Mode = "blur"

	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(personAt(image.Rect(0, 0, 1, 1)), nil)
	a := newTestAnonymizer(t, cfg, det)

	in := solidFrame(4, 4, domain.LayoutGray8, 0)
	in.Data[0] = 160
	_, err := a.ProcessFrame(context.Background(), in)
	require.NoError(t, err)
	out, err := a.ProcessFrame(context.Background(), in)
	require.NoError(t, err)

	// The window covers the whole 4x4 frame: 160 / 16.
	assert.Equal(t, byte(10), out.Data[0])
	assert.Equal(t, byte(0), out.Data[1])
}

func TestAnonymizer_DilationCoversMoreThanBox(t *testing.T) {
	cfg := testAnonymizerConfig()
	cfg.Dilation.Enabled = true
	cfg.Dilation.Min = 1
	cfg.Dilation.Max = 1

	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(personAt(image.Rect(3, 3, 4, 4)), nil)
	a := newTestAnonymizer(t, cfg, det)

	_, err := a.ProcessFrame(context.Background(), solidFrame(8, 8, domain.LayoutGray8, 30))
	require.NoError(t, err)

	mask := a.DetectionMask()
	assert.Equal(t, 5, mask.Count())
	assert.True(t, mask.At(4, 3))
	assert.False(t, mask.At(4, 4))
}

func TestAnonymizer_StateReachesSteady(t *testing.T) {
	cfg := testAnonymizerConfig()
	cfg.WarmupFrames = 2

	det := &mockDetector{}
	det.On("Detect", mock.Anything, mock.Anything).Return(nil, nil)
	a := newTestAnonymizer(t, cfg, det)

	for i := 0; i < 2; i++ {
		assert.NotEqual(t, StateSteady, a.State())
		_, err := a.ProcessFrame(context.Background(), solidFrame(2, 2, domain.LayoutGray8, 1))
		require.NoError(t, err)
	}
	assert.Equal(t, StateSteady, a.State())
	assert.Equal(t, []string{"person", "bicycle", "car"}, a.ClassNames())
}
