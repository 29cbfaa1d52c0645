package services

import (
	"testing"

	"anonstream/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundModel_EnsureAllocatesGrayOnce(t *testing.T) {
	bg := NewBackgroundModel()
	assert.False(t, bg.Initialized())

	f := solidFrame(4, 4, domain.LayoutBGR24, 10)
	assert.True(t, bg.Ensure(f))
	assert.False(t, bg.Ensure(f))

	require.True(t, bg.Initialized())
	for _, v := range bg.Frame().Data {
		assert.Equal(t, byte(backgroundFill), v)
	}
}

func TestBackgroundModel_ShapeChangeReallocates(t *testing.T) {
	bg := NewBackgroundModel()
	bg.Update(solidFrame(4, 4, domain.LayoutGray8, 0), nil, 1.0)

	assert.True(t, bg.Ensure(solidFrame(8, 4, domain.LayoutGray8, 0)))
	assert.Equal(t, 8, bg.Frame().Width)
	assert.Equal(t, byte(backgroundFill), bg.Frame().Data[0])

	assert.True(t, bg.Ensure(solidFrame(8, 4, domain.LayoutBGR24, 0)), "layout change reallocates")
}

func TestBackgroundModel_UpdateSkipsMaskedPixels(t *testing.T) {
	bg := NewBackgroundModel()
	mask := domain.NewMask(2, 1)
	mask.Set(1, 0)

	bg.Update(solidFrame(2, 1, domain.LayoutGray8, 227), mask, 0.5)

	assert.Equal(t, byte(177), bg.Frame().Data[0], "127*0.5 + 227*0.5")
	assert.Equal(t, byte(backgroundFill), bg.Frame().Data[1])
}

func TestBackgroundModel_Reset(t *testing.T) {
	bg := NewBackgroundModel()
	bg.Update(solidFrame(2, 2, domain.LayoutGray8, 50), nil, 0.2)
	bg.Reset()

	assert.False(t, bg.Initialized())
	assert.Nil(t, bg.Frame())
}
