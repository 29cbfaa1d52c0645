package services

import (
	"time"

	"anonstream/internal/core/ports"
)

type noopMetrics struct{}

func (noopMetrics) ObserveProcessLatency(time.Duration) {}
func (noopMetrics) IncDetectorFailures() {}
func (noopMetrics) ObserveEncodeLatency(time.Duration) {}
func (noopMetrics) IncFramesEncoded(int, bool) {}
func (noopMetrics) IncFramesDropped(string) {}
func (noopMetrics) IncEncodeErrors(string) {}
func (noopMetrics) SetClients(int64) {}
func (noopMetrics) SetQueueDepth(int) {}
func (noopMetrics) SetKeyframeInterval(time.Duration) {}
func (noopMetrics) SetBitrate(float64) {}

func metricsOrNoop(m ports.PipelineMetrics) ports.PipelineMetrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
