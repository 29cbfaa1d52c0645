package services

import (
	"image"
	"math"

	"anonstream/internal/core/domain"

	"golang.org/x/image/draw"
)

// BuildForegroundMask ORs every person-class detection at or above
// minConfidence into a width x height mask. A detection contributes its
// segmentation mask when one is present, otherwise its bounding box.
func BuildForegroundMask(width, height int, detections []domain.Detection, personClassID int, minConfidence float64) *domain.Mask {
	mask := domain.NewMask(width, height)
	for _, det := range detections {
		if det.ClassID != personClassID || det.Confidence < minConfidence {
			continue
		}
		if m := fitMask(det.Mask, width, height); m != nil && m.Count() > 0 {
			mask.Or(m)
			continue
		}
		mask.FillRect(det.Box)
	}
	return mask
}

// MaskHistory keeps a pixel masked for a number of ticks after the last
// tick a person covered it, so a single missed detection does not expose
// the person.
type MaskHistory struct {
	ticks  uint16
	width  int
	height int
	// ticks since the pixel was last detected, saturating at ticks+1
	age []uint16
}

// NewMaskHistory returns a history that holds regions for ticks frames.
// Zero disables it.
func NewMaskHistory(ticks int) *MaskHistory {
	return &MaskHistory{ticks: uint16(min(max(ticks, 0), math.MaxUint16-1))}
}

// Apply records m as the current tick's detections and returns m widened
// by every region seen within the history. A size change restarts it.
func (h *MaskHistory) Apply(m *domain.Mask) *domain.Mask {
	if h.ticks == 0 || m.Empty() {
		return m
	}
	if h.age == nil || h.width != m.Width || h.height != m.Height {
		h.width, h.height = m.Width, m.Height
		h.age = make([]uint16, len(m.Pix))
		for i := range h.age {
			h.age[i] = h.ticks + 1
		}
	}

	out := domain.NewMask(m.Width, m.Height)
	for p, v := range m.Pix {
		switch {
		case v != 0:
			h.age[p] = 0
		case h.age[p] <= h.ticks:
			h.age[p]++
		}
		if h.age[p] <= h.ticks {
			out.Pix[p] = 255
		}
	}
	return out
}

// Reset forgets every remembered region.
func (h *MaskHistory) Reset() {
	h.age = nil
}

// fitMask returns m scaled to width x height, or nil if m is empty.
func fitMask(m *domain.Mask, width, height int) *domain.Mask {
	if m.Empty() || len(m.Pix) != m.Width*m.Height {
		return nil
	}
	if m.Width == width && m.Height == height {
		return m
	}

	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), m.Gray(), image.Rect(0, 0, m.Width, m.Height), draw.Src, nil)

	out := &domain.Mask{Width: width, Height: height, Pix: dst.Pix}
	for i, v := range out.Pix {
		if v != 0 {
			out.Pix[i] = 255
		}
	}
	return out
}

// DilationParams sizes the structuring element relative to the frame.
type DilationParams struct {
	Factor       float64
	WarmupFactor float64
	Min          int
	Max          int
	WarmupFrames int
}

// DilationRadius returns clamp(int(min(w,h)*factor), Min, Max), where factor
// is WarmupFactor for the first WarmupFrames frames and Factor afterwards.
func DilationRadius(p DilationParams, width, height int, frameIndex uint64) int {
	factor := p.Factor
	if frameIndex < uint64(p.WarmupFrames) {
		factor = p.WarmupFactor
	}

	side := width
	if height < side {
		side = height
	}
	r := int(float64(side) * factor)
	if r < p.Min {
		r = p.Min
	}
	if r > p.Max {
		r = p.Max
	}
	return r
}

// EllipticalDilator dilates with an elliptical structuring element of size
// (2r+1) x (2r+1).
type EllipticalDilator struct{}

func NewEllipticalDilator() *EllipticalDilator {
	return &EllipticalDilator{}
}

// Dilate returns a new mask; the input is not modified.
func (EllipticalDilator) Dilate(mask *domain.Mask, radius, iterations int) *domain.Mask {
	if mask.Empty() || radius <= 0 || iterations <= 0 {
		return mask.Clone()
	}

	spans := ellipseSpans(radius)
	out := mask
	for i := 0; i < iterations; i++ {
		out = dilateOnce(out, radius, spans)
	}
	return out
}

// ellipseSpans returns, for each kernel row dy in [-r, r], the half width of
// the ellipse on that row.
func ellipseSpans(r int) []int {
	spans := make([]int, 2*r+1)
	for i := range spans {
		dy := float64(i - r)
		spans[i] = int(math.Round(math.Sqrt(math.Max(0, float64(r*r)-dy*dy))))
	}
	return spans
}

func dilateOnce(in *domain.Mask, r int, spans []int) *domain.Mask {
	w, h := in.Width, in.Height

	// prefix[y*(w+1)+x] counts set pixels in row y left of x.
	prefix := make([]int32, h*(w+1))
	for y := 0; y < h; y++ {
		row := in.Pix[y*w : (y+1)*w]
		base := y * (w + 1)
		for x, v := range row {
			prefix[base+x+1] = prefix[base+x]
			if v != 0 {
				prefix[base+x+1]++
			}
		}
	}

	out := domain.NewMask(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for i, hw := range spans {
				sy := y + i - r
				if sy < 0 || sy >= h {
					continue
				}
				x0, x1 := x-hw, x+hw+1
				if x0 < 0 {
					x0 = 0
				}
				if x1 > w {
					x1 = w
				}
				base := sy * (w + 1)
				if prefix[base+x1]-prefix[base+x0] > 0 {
					out.Pix[y*w+x] = 255
					break
				}
			}
		}
	}
	return out
}
