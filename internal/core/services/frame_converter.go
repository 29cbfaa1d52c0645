package services

import (
	"image"

	"anonstream/internal/core/domain"

	"golang.org/x/image/draw"
)

// FrameConverter turns packed frames into planar I420 at the encoder size.
type FrameConverter struct {
	width  int
	height int
}

func NewFrameConverter(width, height int) *FrameConverter {
	return &FrameConverter{width: width, height: height}
}

// OutputSize is the I420 buffer length for the encoder size.
func (c *FrameConverter) OutputSize() int {
	return I420Size(c.width, c.height)
}

func I420Size(w, h int) int {
	cw, chh := (w+1)/2, (h+1)/2
	return w*h + 2*cw*chh
}

// Convert writes f as I420 into dst, which must hold OutputSize bytes.
// Frames of another size are scaled first.
func (c *FrameConverter) Convert(f *domain.Frame, dst []byte) error {
	if !f.Valid() {
		return domain.ErrInvalidFrame
	}
	if len(dst) < c.OutputSize() {
		return domain.ErrBufferUnavailable
	}

	if f.Width != c.width || f.Height != c.height {
		f = c.scale(f)
	}

	w, h := c.width, c.height
	cw, chh := (w+1)/2, (h+1)/2
	yPlane := dst[:w*h]
	uPlane := dst[w*h : w*h+cw*chh]
	vPlane := dst[w*h+cw*chh : w*h+2*cw*chh]

	if f.Layout == domain.LayoutGray8 {
		copy(yPlane, f.Data)
		for i := range uPlane {
			uPlane[i] = 128
			vPlane[i] = 128
		}
		return nil
	}

	ri, bi := 2, 0
	if f.Layout == domain.LayoutRGB24 {
		ri, bi = 0, 2
	}

	for y := 0; y < h; y++ {
		row := f.Data[y*w*3:]
		for x := 0; x < w; x++ {
			p := row[x*3:]
			r, g, b := int(p[ri]), int(p[1]), int(p[bi])
			yPlane[y*w+x] = clampByte(((66*r + 129*g + 25*b + 128) >> 8) + 16)
		}
	}

	// Chroma from the top-left pixel of each 2x2 block.
	for cy := 0; cy < chh; cy++ {
		row := f.Data[cy*2*w*3:]
		for cx := 0; cx < cw; cx++ {
			p := row[cx*2*3:]
			r, g, b := int(p[ri]), int(p[1]), int(p[bi])
			uPlane[cy*cw+cx] = clampByte(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
			vPlane[cy*cw+cx] = clampByte(((112*r - 94*g - 18*b + 128) >> 8) + 128)
		}
	}
	return nil
}

func (c *FrameConverter) scale(f *domain.Frame) *domain.Frame {
	src := f.Image()
	dst := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := domain.NewFrame(c.width, c.height, f.Layout)
	out.Sequence, out.CapturedAt = f.Sequence, f.CapturedAt
	ch := out.Channels()
	for i := 0; i < c.width*c.height; i++ {
		px := dst.Pix[i*4 : i*4+3]
		switch f.Layout {
		case domain.LayoutBGR24:
			out.Data[i*ch], out.Data[i*ch+1], out.Data[i*ch+2] = px[2], px[1], px[0]
		case domain.LayoutRGB24:
			out.Data[i*ch], out.Data[i*ch+1], out.Data[i*ch+2] = px[0], px[1], px[2]
		default:
			out.Data[i] = px[0]
		}
	}
	return out
}
