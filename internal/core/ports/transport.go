package ports

import (
	"context"

	"anonstream/internal/core/domain"
)

// SessionListener receives viewer lifecycle events from a TransportSink.
// Calls arrive on the sink's goroutines and must not block.
type SessionListener interface {
	OnConnect(clientAddr string)
	OnDisconnect(clientAddr string)
}

// TransportSink delivers encoded batches to connected viewers in the order
// WriteFrame is called.
type TransportSink interface {
	WriteFrame(ctx context.Context, batch domain.PacketBatch) error
	SetListener(l SessionListener)
	Close() error
}

// StatsReporter publishes periodic statistics reports.
type StatsReporter interface {
	Report(ctx context.Context, report domain.StatsReport) error
}
