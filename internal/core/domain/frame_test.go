package domain

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_ValidAndEmpty(t *testing.T) {
	f := NewFrame(4, 2, LayoutBGR24)
	assert.True(t, f.Valid())
	assert.Equal(t, 12, f.Stride())

	var nilFrame *Frame
	assert.True(t, nilFrame.Empty())
	assert.True(t, (&Frame{Width: 4, Height: 2}).Empty())

	short := &Frame{Width: 4, Height: 2, Layout: LayoutGray8, Data: make([]byte, 7)}
	assert.False(t, short.Valid())
}

func TestFrame_CloneIsDeep(t *testing.T) {
	f := NewFrame(2, 2, LayoutGray8)
	f.Data[0] = 10

	c := f.Clone()
	c.Data[0] = 99

	assert.Equal(t, byte(10), f.Data[0])
	assert.True(t, f.SameShape(c))
}

func TestFrame_ImageChannelOrder(t *testing.T) {
	f := NewFrame(1, 1, LayoutBGR24)
	copy(f.Data, []byte{1, 2, 3})

	img := f.Image()
	c := img.RGBAAt(0, 0)
	assert.Equal(t, uint8(3), c.R)
	assert.Equal(t, uint8(2), c.G)
	assert.Equal(t, uint8(1), c.B)
}

func TestParsePixelLayout(t *testing.T) {
	l, ok := ParsePixelLayout("gray")
	require.True(t, ok)
	assert.Equal(t, LayoutGray8, l)

	_, ok = ParsePixelLayout("nv12")
	assert.False(t, ok)
}

func TestParseAdmissionMode(t *testing.T) {
	assert.Equal(t, AdmissionBlocking, ParseAdmissionMode("blocking"))
	assert.Equal(t, AdmissionDropOldest, ParseAdmissionMode("drop_oldest"))
	assert.Equal(t, AdmissionDropOldest, ParseAdmissionMode(""))
}

func TestMask_FillRectClipsToBounds(t *testing.T) {
	m := NewMask(4, 4)
	m.FillRect(image.Rect(2, 2, 10, 10))

	assert.Equal(t, 4, m.Count())
	assert.True(t, m.At(3, 3))
	assert.False(t, m.At(1, 1))
}

func TestMask_Or(t *testing.T) {
	a := NewMask(2, 1)
	b := NewMask(2, 1)
	a.Set(0, 0)
	b.Pix[1] = 1

	a.Or(b)
	assert.Equal(t, []byte{255, 255}, a.Pix)
}

func TestPacketBatch_SizeAndKeyframe(t *testing.T) {
	b := PacketBatch{Packets: []Packet{
		{Data: make([]byte, 10), NALType: 7},
		{Data: make([]byte, 90), NALType: 5, Keyframe: true},
	}}
	assert.Equal(t, 100, b.Size())
	assert.True(t, b.HasKeyframe())

	assert.False(t, PacketBatch{Packets: []Packet{{Data: []byte{1}}}}.HasKeyframe())
}
