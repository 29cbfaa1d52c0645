package services

import (
	"context"

	"anonstream/internal/core/domain"

	"github.com/stretchr/testify/mock"
)

type mockDetector struct {
	mock.Mock
}

func (m *mockDetector) Detect(ctx context.Context, frame *domain.Frame) ([]domain.Detection, error) {
	args := m.Called(ctx, frame)
	dets, _ := args.Get(0).([]domain.Detection)
	return dets, args.Error(1)
}

func (m *mockDetector) PersonClassID() int {
	return 0
}

func (m *mockDetector) ClassNames() []string {
	return []string{"person", "bicycle", "car"}
}

func solidFrame(w, h int, layout domain.PixelLayout, v byte) *domain.Frame {
	f := domain.NewFrame(w, h, layout)
	for i := range f.Data {
		f.Data[i] = v
	}
	return f
}

func colorFrame(w, h int, layout domain.PixelLayout, c0, c1, c2 byte) *domain.Frame {
	f := domain.NewFrame(w, h, layout)
	for i := 0; i+2 < len(f.Data); i += 3 {
		f.Data[i], f.Data[i+1], f.Data[i+2] = c0, c1, c2
	}
	return f
}
