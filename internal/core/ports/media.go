package ports

import (
	"context"
	"time"

	"anonstream/internal/core/domain"
)

// Detector finds objects in a frame. Implementations may be remote; any
// error is treated by callers as "no detections this tick".
type Detector interface {
	Detect(ctx context.Context, frame *domain.Frame) ([]domain.Detection, error)
	PersonClassID() int
	ClassNames() []string
}

// MaskDilator grows the set region of a mask by radius pixels.
type MaskDilator interface {
	Dilate(mask *domain.Mask, radius, iterations int) *domain.Mask
}

// BufferHandle is an encoder input buffer owned by the caller between
// AcquireBuffer and ReleaseBuffer.
type BufferHandle interface {
	Bytes() []byte
	Size() int
}

// Encoder is a video encoder with a bounded input buffer pool.
//
// AcquireBuffer returns domain.ErrBufferUnavailable when the pool is
// exhausted. Submit and Retrieve return domain.ErrEncoderTimeout when the
// timeout expires. Retrieve appends to dst and returns the extended slice.
type Encoder interface {
	AcquireBuffer(size int) (BufferHandle, error)
	ReleaseBuffer(h BufferHandle)
	Submit(h BufferHandle, timeout time.Duration) error
	ReadyCount() int
	Retrieve(dst []domain.Packet, timeout time.Duration) ([]domain.Packet, error)
	ReleasePackets(packets []domain.Packet)
	RequestKeyframe()
	Close() error
}

// FrameSource produces captured frames. ReadFrame returns io.EOF when the
// input ends.
type FrameSource interface {
	ReadFrame(ctx context.Context) (*domain.Frame, error)
	Close() error
}
