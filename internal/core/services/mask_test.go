package services

import (
	"image"
	"testing"

	"anonstream/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildForegroundMask_BoundingBox(t *testing.T) {
	dets := []domain.Detection{{Box: image.Rect(1, 1, 3, 4), Confidence: 0.9, ClassID: 0}}

	mask := BuildForegroundMask(6, 6, dets, 0, 0.5)

	assert.Equal(t, 6, mask.Count())
	assert.True(t, mask.At(1, 1))
	assert.True(t, mask.At(2, 3))
	assert.False(t, mask.At(3, 3))
}

func TestBuildForegroundMask_PrefersSegmentation(t *testing.T) {
	seg := domain.NewMask(6, 6)
	seg.Set(2, 2)
	dets := []domain.Detection{{Box: image.Rect(0, 0, 6, 6), Confidence: 0.9, ClassID: 0, Mask: seg}}

	mask := BuildForegroundMask(6, 6, dets, 0, 0.5)

	assert.Equal(t, 1, mask.Count())
	assert.True(t, mask.At(2, 2))
}

func TestBuildForegroundMask_EmptySegmentationFallsBackToBox(t *testing.T) {
	dets := []domain.Detection{{Box: image.Rect(0, 0, 2, 2), Confidence: 0.9, ClassID: 0, Mask: domain.NewMask(6, 6)}}

	mask := BuildForegroundMask(6, 6, dets, 0, 0.5)

	assert.Equal(t, 4, mask.Count())
}

func TestBuildForegroundMask_IgnoresOtherClassesAndLowConfidence(t *testing.T) {
	dets := []domain.Detection{
		{Box: image.Rect(0, 0, 2, 2), Confidence: 0.9, ClassID: 2},
		{Box: image.Rect(3, 3, 5, 5), Confidence: 0.2, ClassID: 0},
	}

	mask := BuildForegroundMask(6, 6, dets, 0, 0.5)

	assert.Equal(t, 0, mask.Count())
}

func TestBuildForegroundMask_ScalesSmallerMask(t *testing.T) {
	half := domain.NewMask(2, 2)
	half.Set(1, 1)
	dets := []domain.Detection{{Confidence: 0.9, ClassID: 0, Mask: half}}

	mask := BuildForegroundMask(4, 4, dets, 0, 0.5)

	assert.Equal(t, 4, mask.Count())
	assert.True(t, mask.At(3, 3))
	assert.False(t, mask.At(0, 0))
}

func TestDilationRadius_Clamp(t *testing.T) {
	p := DilationParams{Factor: 0.1, WarmupFactor: 0.15, Min: 5, Max: 30, WarmupFrames: 30}

	assert.Equal(t, 5, DilationRadius(p, 20, 20, 100), "clamped to min")
	assert.Equal(t, 30, DilationRadius(p, 1920, 1080, 100), "clamped to max")
	assert.Equal(t, 12, DilationRadius(p, 160, 120, 100))
	assert.Equal(t, 18, DilationRadius(p, 160, 120, 0))
}

func TestDilationRadius_WarmupMonotonic(t *testing.T) {
	p := DilationParams{Factor: 0.1, WarmupFactor: 0.15, Min: 5, Max: 30, WarmupFrames: 30}

	for _, size := range [][2]int{{32, 32}, {160, 120}, {320, 240}, {640, 480}, {1280, 720}} {
		for warm := uint64(0); warm < 30; warm++ {
			for steady := uint64(30); steady < 40; steady++ {
				assert.GreaterOrEqual(t,
					DilationRadius(p, size[0], size[1], warm),
					DilationRadius(p, size[0], size[1], steady),
					"size %v warm %d steady %d", size, warm, steady)
			}
		}
	}
}

func TestEllipticalDilator_Disk(t *testing.T) {
	in := domain.NewMask(9, 9)
	in.Set(4, 4)

	out := NewEllipticalDilator().Dilate(in, 2, 1)

	require.NotSame(t, in, out)
	assert.Equal(t, 1, in.Count(), "input must not change")
	assert.Equal(t, 17, out.Count())
	assert.True(t, out.At(6, 4))
	assert.True(t, out.At(6, 5))
	assert.True(t, out.At(4, 6))
	assert.False(t, out.At(6, 6), "corner of the bounding square is outside the ellipse")
}

func TestEllipticalDilator_IterationsGrow(t *testing.T) {
	in := domain.NewMask(15, 15)
	in.Set(7, 7)

	once := NewEllipticalDilator().Dilate(in, 1, 1)
	twice := NewEllipticalDilator().Dilate(in, 1, 2)

	assert.Greater(t, twice.Count(), once.Count())
}

func TestEllipticalDilator_ZeroRadiusCopies(t *testing.T) {
	in := domain.NewMask(3, 3)
	in.Set(1, 1)

	out := NewEllipticalDilator().Dilate(in, 0, 1)

	assert.Equal(t, in.Pix, out.Pix)
	assert.NotSame(t, in, out)
}

func TestMaskHistory_HoldsRegionForTicks(t *testing.T) {
	h := NewMaskHistory(3)
	seen := domain.NewMask(4, 4)
	seen.FillRect(image.Rect(0, 0, 2, 1))

	out := h.Apply(seen)
	assert.Equal(t, 2, out.Count())

	for i := 0; i < 3; i++ {
		out = h.Apply(domain.NewMask(4, 4))
		assert.True(t, out.At(1, 0), "tick %d after last detection", i+1)
	}
	assert.Zero(t, h.Apply(domain.NewMask(4, 4)).Count())
}

func TestMaskHistory_RedetectionRestartsAge(t *testing.T) {
	h := NewMaskHistory(1)
	seen := domain.NewMask(3, 3)
	seen.Set(1, 1)

	h.Apply(seen)
	h.Apply(domain.NewMask(3, 3))
	h.Apply(seen)
	assert.True(t, h.Apply(domain.NewMask(3, 3)).At(1, 1))
}

func TestMaskHistory_DisabledAndSizeChange(t *testing.T) {
	m := domain.NewMask(2, 2)
	assert.Same(t, m, NewMaskHistory(0).Apply(m))

	h := NewMaskHistory(5)
	seen := domain.NewMask(2, 2)
	seen.Set(0, 0)
	h.Apply(seen)
	assert.Zero(t, h.Apply(domain.NewMask(3, 3)).Count(), "regions do not carry across a size change")

	h.Apply(seen)
	h.Reset()
	assert.Zero(t, h.Apply(domain.NewMask(2, 2)).Count())
}
