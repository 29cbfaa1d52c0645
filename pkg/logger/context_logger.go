package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	frameSeqKey
)

// WithRequestID stores an HTTP request id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithFrameSeq stores the sequence number of the frame being processed.
func WithFrameSeq(ctx context.Context, seq uint64) context.Context {
	return context.WithValue(ctx, frameSeqKey, seq)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext returns a sugared logger carrying the ids found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	fields := []zapcore.Field{}

	if id, ok := ctx.Value(requestIDKey).(string); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if seq, ok := ctx.Value(frameSeqKey).(uint64); ok {
		fields = append(fields, zap.Uint64("frame_seq", seq))
	}

	if len(fields) == 0 {
		return cl.logger.Sugar()
	}
	return cl.logger.With(fields...).Sugar()
}

// Sugar returns the underlying logger without context fields.
func (cl *ContextLogger) Sugar() *zap.SugaredLogger {
	return cl.logger.Sugar()
}
