package domain

import "errors"

var (
	ErrEmptyFrame          = errors.New("empty frame")
	ErrInvalidFrame        = errors.New("frame data does not match dimensions")
	ErrQueueTimeout        = errors.New("frame queue full: submit timed out")
	ErrShuttingDown        = errors.New("pipeline shutting down")
	ErrNotRunning          = errors.New("worker not running")
	ErrAlreadyRunning      = errors.New("worker already running")
	ErrBufferUnavailable   = errors.New("encoder buffer unavailable")
	ErrEncoderTimeout      = errors.New("encoder timeout")
	ErrEncoderClosed       = errors.New("encoder closed")
	ErrDetectorUnavailable = errors.New("detector unavailable")
	ErrSinkClosed          = errors.New("transport sink closed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrViewerLimit         = errors.New("viewer limit reached")
)
