package domain

import (
	"image"
	"image/color"
	"time"
)

// PixelLayout describes how pixel bytes are packed in Frame.Data.
type PixelLayout int

const (
	LayoutBGR24 PixelLayout = iota
	LayoutRGB24
	LayoutGray8
)

func (l PixelLayout) String() string {
	switch l {
	case LayoutBGR24:
		return "bgr24"
	case LayoutRGB24:
		return "rgb24"
	case LayoutGray8:
		return "gray"
	default:
		return "unknown"
	}
}

// Channels returns bytes per pixel.
func (l PixelLayout) Channels() int {
	if l == LayoutGray8 {
		return 1
	}
	return 3
}

// ParsePixelLayout maps an ffmpeg pixel format name to a layout.
func ParsePixelLayout(s string) (PixelLayout, bool) {
	switch s {
	case "bgr24":
		return LayoutBGR24, true
	case "rgb24":
		return LayoutRGB24, true
	case "gray", "gray8":
		return LayoutGray8, true
	default:
		return 0, false
	}
}

// Frame is a packed pixel buffer. A frame is not modified after capture;
// stages that change pixels produce a new Frame.
type Frame struct {
	Width      int
	Height     int
	Layout     PixelLayout
	Data       []byte
	CapturedAt time.Time
	Sequence   uint64
}

// NewFrame allocates a zeroed frame.
func NewFrame(width, height int, layout PixelLayout) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Layout: layout,
		Data:   make([]byte, width*height*layout.Channels()),
	}
}

func (f *Frame) Channels() int { return f.Layout.Channels() }

func (f *Frame) Stride() int { return f.Width * f.Layout.Channels() }

// Empty reports a frame with no pixels.
func (f *Frame) Empty() bool {
	return f == nil || f.Width <= 0 || f.Height <= 0 || len(f.Data) == 0
}

// Valid reports whether Data holds exactly Width*Height pixels.
func (f *Frame) Valid() bool {
	return !f.Empty() && len(f.Data) == f.Width*f.Height*f.Channels()
}

// SameShape reports whether o has the same dimensions and layout.
func (f *Frame) SameShape(o *Frame) bool {
	return f != nil && o != nil && f.Width == o.Width && f.Height == o.Height && f.Layout == o.Layout
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

// Image converts the frame to an RGBA image for encoding or drawing.
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	ch := f.Channels()
	for y := 0; y < f.Height; y++ {
		row := f.Data[y*f.Stride():]
		for x := 0; x < f.Width; x++ {
			p := row[x*ch:]
			var c color.RGBA
			switch f.Layout {
			case LayoutBGR24:
				c = color.RGBA{R: p[2], G: p[1], B: p[0], A: 255}
			case LayoutRGB24:
				c = color.RGBA{R: p[0], G: p[1], B: p[2], A: 255}
			default:
				c = color.RGBA{R: p[0], G: p[0], B: p[0], A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// AdmissionMode selects producer behaviour when the frame queue is full.
type AdmissionMode int

const (
	// AdmissionDropOldest evicts the oldest queued frame.
	AdmissionDropOldest AdmissionMode = iota
	// AdmissionBlocking waits for space up to a timeout.
	AdmissionBlocking
)

func (m AdmissionMode) String() string {
	if m == AdmissionBlocking {
		return "blocking"
	}
	return "drop_oldest"
}

// ParseAdmissionMode maps a config value to a mode. Unknown values select
// AdmissionDropOldest.
func ParseAdmissionMode(s string) AdmissionMode {
	if s == "blocking" {
		return AdmissionBlocking
	}
	return AdmissionDropOldest
}
