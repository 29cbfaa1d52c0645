package services

import (
	"anonstream/internal/core/domain"
)

const backgroundFill = 127

// BackgroundModel is an exponential moving average of non-foreground
// pixels. Its shape is fixed once allocated; a frame of another shape
// replaces it with a fresh gray buffer.
type BackgroundModel struct {
	acc      []float32
	snapshot *domain.Frame
}

func NewBackgroundModel() *BackgroundModel {
	return &BackgroundModel{}
}

// Initialized reports whether a buffer has been allocated.
func (b *BackgroundModel) Initialized() bool {
	return b.snapshot != nil
}

// Ensure allocates a gray background shaped like f if there is none or the
// current one has a different shape. It reports whether it allocated.
func (b *BackgroundModel) Ensure(f *domain.Frame) bool {
	if b.snapshot.SameShape(f) {
		return false
	}

	snap := domain.NewFrame(f.Width, f.Height, f.Layout)
	acc := make([]float32, len(snap.Data))
	for i := range snap.Data {
		snap.Data[i] = backgroundFill
		acc[i] = backgroundFill
	}
	b.snapshot = snap
	b.acc = acc
	return true
}

// Update blends f into the background with weight alpha at every pixel not
// set in mask. A nil mask updates every pixel.
func (b *BackgroundModel) Update(f *domain.Frame, mask *domain.Mask, alpha float64) {
	b.Ensure(f)

	a := float32(alpha)
	keep := 1 - a
	ch := f.Channels()
	for p := 0; p < f.Width*f.Height; p++ {
		if mask != nil && mask.Pix[p] != 0 {
			continue
		}
		for c := p * ch; c < (p+1)*ch; c++ {
			v := keep*b.acc[c] + a*float32(f.Data[c])
			b.acc[c] = v
			b.snapshot.Data[c] = uint8(v + 0.5)
		}
	}
	b.snapshot.CapturedAt = f.CapturedAt
	b.snapshot.Sequence = f.Sequence
}

// Frame returns the current background. The caller must not modify it.
func (b *BackgroundModel) Frame() *domain.Frame {
	return b.snapshot
}

// Reset drops the buffer.
func (b *BackgroundModel) Reset() {
	b.acc = nil
	b.snapshot = nil
}
