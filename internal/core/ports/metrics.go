package ports

import "time"

// PipelineMetrics receives pipeline measurements. Implementations must be
// safe for concurrent use.
type PipelineMetrics interface {
	ObserveProcessLatency(d time.Duration)
	IncDetectorFailures()
	ObserveEncodeLatency(d time.Duration)
	IncFramesEncoded(bytes int, keyframe bool)
	IncFramesDropped(reason string)
	IncEncodeErrors(stage string)
	SetClients(n int64)
	SetQueueDepth(n int)
	SetKeyframeInterval(d time.Duration)
	SetBitrate(mbps float64)
}
