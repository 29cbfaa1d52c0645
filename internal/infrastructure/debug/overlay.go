// Package debug renders diagnostic images for the HTTP API.
package debug

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"anonstream/internal/core/domain"

	"github.com/fogleman/gg"
)

type Format int

const (
	FormatJPEG Format = iota
	FormatPNG
)

func ParseFormat(s string) Format {
	if s == "png" {
		return FormatPNG
	}
	return FormatJPEG
}

func (f Format) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

var ErrNoFrame = errors.New("no frame available")

var (
	personColor = color.RGBA{R: 255, G: 64, B: 64, A: 255}
	otherColor  = color.RGBA{R: 64, G: 200, B: 255, A: 255}
	maskTint    = color.NRGBA{R: 255, A: 96}
)

// Renderer draws detections and masks over frames.
type Renderer struct {
	PersonClassID int
	LineWidth     float64
}

func NewRenderer(personClassID int) *Renderer {
	return &Renderer{PersonClassID: personClassID, LineWidth: 2}
}

// Overlay draws the last mask and detection boxes over the original frame.
func (r *Renderer) Overlay(d domain.Diagnostics) (image.Image, error) {
	base := d.Original
	if base.Empty() {
		base = d.Anonymized
	}
	if base.Empty() {
		return nil, ErrNoFrame
	}

	dc := gg.NewContextForRGBA(base.Image())

	if m := d.Mask; !m.Empty() && m.Width == base.Width && m.Height == base.Height {
		dc.DrawImage(tintMask(m), 0, 0)
	}

	for _, det := range d.Detections {
		col := otherColor
		if det.ClassID == r.PersonClassID {
			col = personColor
		}
		b := det.Box
		dc.SetColor(col)
		dc.SetLineWidth(r.LineWidth)
		dc.DrawRectangle(float64(b.Min.X), float64(b.Min.Y), float64(b.Dx()), float64(b.Dy()))
		dc.Stroke()

		label := fmt.Sprintf("%s %.2f", className(d.ClassNames, det.ClassID), det.Confidence)
		y := float64(b.Min.Y) - 3
		if y < 12 {
			y = float64(b.Min.Y) + 12
		}
		dc.DrawString(label, float64(b.Min.X)+2, y)
	}

	return dc.Image(), nil
}

func className(names []string, id int) string {
	if id >= 0 && id < len(names) {
		return names[id]
	}
	return fmt.Sprintf("class_%d", id)
}

func tintMask(m *domain.Mask) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
	for i, v := range m.Pix {
		if v == 0 {
			continue
		}
		img.SetNRGBA(i%m.Width, i/m.Width, maskTint)
	}
	return img
}

// FrameImage converts a frame for encoding.
func FrameImage(f *domain.Frame) (image.Image, error) {
	if f.Empty() {
		return nil, ErrNoFrame
	}
	return f.Image(), nil
}

// MaskImage converts a mask for encoding.
func MaskImage(m *domain.Mask) (image.Image, error) {
	if m.Empty() {
		return nil, ErrNoFrame
	}
	return m.Gray(), nil
}

func Encode(img image.Image, format Format, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch format {
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode PNG: %w", err)
		}
	default:
		if quality <= 0 || quality > 100 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode JPEG: %w", err)
		}
	}
	return buf.Bytes(), nil
}
