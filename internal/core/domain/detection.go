package domain

import "image"

// Detection is one object found by the detector in a frame.
type Detection struct {
	Box        image.Rectangle
	Confidence float64
	ClassID    int
	Mask       *Mask // optional, nil when the model has no segmentation head
}

// Mask is a single-channel binary image; a pixel is set when its byte is
// non-zero. Set pixels are stored as 255.
type Mask struct {
	Width  int
	Height int
	Pix    []byte
}

func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Pix: make([]byte, width*height)}
}

func (m *Mask) Empty() bool {
	return m == nil || m.Width <= 0 || m.Height <= 0 || len(m.Pix) == 0
}

func (m *Mask) At(x, y int) bool {
	return m.Pix[y*m.Width+x] != 0
}

func (m *Mask) Set(x, y int) {
	m.Pix[y*m.Width+x] = 255
}

// FillRect sets every pixel of r clipped to the mask bounds.
func (m *Mask) FillRect(r image.Rectangle) {
	r = r.Intersect(image.Rect(0, 0, m.Width, m.Height))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := m.Pix[y*m.Width:]
		for x := r.Min.X; x < r.Max.X; x++ {
			row[x] = 255
		}
	}
}

// Or sets every pixel that is set in o. Both masks must have the same size.
func (m *Mask) Or(o *Mask) {
	for i, v := range o.Pix {
		if v != 0 {
			m.Pix[i] = 255
		}
	}
}

// Count returns the number of set pixels.
func (m *Mask) Count() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

func (m *Mask) Clone() *Mask {
	if m == nil {
		return nil
	}
	c := *m
	c.Pix = append([]byte(nil), m.Pix...)
	return &c
}

// Gray returns the mask as a grayscale image.
func (m *Mask) Gray() *image.Gray {
	return &image.Gray{Pix: append([]byte(nil), m.Pix...), Stride: m.Width, Rect: image.Rect(0, 0, m.Width, m.Height)}
}
