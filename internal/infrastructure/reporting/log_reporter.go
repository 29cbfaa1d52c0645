package reporting

import (
	"context"

	"anonstream/internal/core/domain"
	"anonstream/pkg/utils"

	"go.uber.org/zap"
)

// LogReporter writes each statistics window as one structured log line.
type LogReporter struct {
	logger *zap.SugaredLogger
}

func NewLogReporter(logger *zap.SugaredLogger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(_ context.Context, report domain.StatsReport) error {
	r.logger.Infow("Encoding stats",
		"window", utils.FormatDuration(report.Window),
		"frames", report.Frames,
		"fps", report.FPS,
		"bitrate_mbps", report.BitrateMbps,
		"avg_frame_bytes", report.AvgFrameSize,
		"avg_packet_bytes", report.AvgPacketSize,
		"packet_stddev", report.PacketSizeStdDev,
		"keyframe_ratio", report.KeyframeRatio,
		"errors", report.Errors,
		"dropped", report.Dropped,
		"clients", report.Clients,
		"keyframe_interval", report.KeyframeInterval,
	)
	return nil
}
