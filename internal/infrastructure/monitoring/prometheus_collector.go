package monitoring

import (
	"time"

	"anonstream/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	framesEncoded   prometheus.Counter
	keyframes       prometheus.Counter
	bytesEncoded    prometheus.Counter
	detectorFailure prometheus.Counter
	framesDropped   *prometheus.CounterVec
	encodeErrors    *prometheus.CounterVec

	// Histograms
	processLatency prometheus.Histogram
	encodeLatency  prometheus.Histogram
	frameSize      prometheus.Histogram

	// Gauges
	clients          prometheus.Gauge
	queueDepth       prometheus.Gauge
	keyframeInterval prometheus.Gauge
	bitrate          prometheus.Gauge
}

// NewPrometheusCollector registers the pipeline metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		framesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "anonstream_frames_encoded_total",
			Help: "Total number of frames encoded",
		}),

		keyframes: factory.NewCounter(prometheus.CounterOpts{
			Name: "anonstream_keyframes_total",
			Help: "Total number of keyframes encoded",
		}),

		bytesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "anonstream_encoded_bytes_total",
			Help: "Total encoded bytes handed to the transport",
		}),

		detectorFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "anonstream_detector_failures_total",
			Help: "Detection calls that failed and passed the frame through",
		}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anonstream_frames_dropped_total",
			Help: "Frames dropped before encoding",
		}, []string{"reason"}),

		encodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "anonstream_encode_errors_total",
			Help: "Encoding errors by stage",
		}, []string{"stage"}),

		processLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "anonstream_anonymize_duration_seconds",
			Help:    "Time spent anonymizing one frame",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		encodeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "anonstream_encode_duration_seconds",
			Help:    "Time from dequeue to transport write",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		frameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "anonstream_encoded_frame_bytes",
			Help:    "Encoded frame size in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12),
		}),

		clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anonstream_clients",
			Help: "Connected viewers",
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anonstream_queue_depth",
			Help: "Frames waiting for the encoder",
		}),

		keyframeInterval: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anonstream_keyframe_interval_seconds",
			Help: "Current keyframe interval",
		}),

		bitrate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "anonstream_bitrate_mbps",
			Help: "Bitrate of the last statistics window",
		}),
	}
}

func (p *PrometheusCollector) ObserveProcessLatency(d time.Duration) {
	p.processLatency.Observe(d.Seconds())
}

func (p *PrometheusCollector) IncDetectorFailures() {
	p.detectorFailure.Inc()
}

func (p *PrometheusCollector) ObserveEncodeLatency(d time.Duration) {
	p.encodeLatency.Observe(d.Seconds())
}

func (p *PrometheusCollector) IncFramesEncoded(bytes int, keyframe bool) {
	p.framesEncoded.Inc()
	p.bytesEncoded.Add(float64(bytes))
	p.frameSize.Observe(float64(bytes))
	if keyframe {
		p.keyframes.Inc()
	}
}

func (p *PrometheusCollector) IncFramesDropped(reason string) {
	p.framesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) IncEncodeErrors(stage string) {
	p.encodeErrors.WithLabelValues(stage).Inc()
}

func (p *PrometheusCollector) SetClients(n int64) {
	p.clients.Set(float64(n))
}

func (p *PrometheusCollector) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusCollector) SetKeyframeInterval(d time.Duration) {
	p.keyframeInterval.Set(d.Seconds())
}

func (p *PrometheusCollector) SetBitrate(mbps float64) {
	p.bitrate.Set(mbps)
}

var _ ports.PipelineMetrics = (*PrometheusCollector)(nil)
