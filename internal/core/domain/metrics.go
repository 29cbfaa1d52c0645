package domain

import "time"

// StatsReport covers one statistics window.
type StatsReport struct {
	At               time.Time     `json:"at"`
	Window           time.Duration `json:"window"`
	Frames           uint64        `json:"frames"`
	Bytes            uint64        `json:"bytes"`
	Keyframes        uint64        `json:"keyframes"`
	KeyframeRatio    float64       `json:"keyframe_ratio"`
	BitrateMbps      float64       `json:"bitrate_mbps"`
	FPS              float64       `json:"fps"`
	AvgFrameSize     float64       `json:"avg_frame_size"`
	AvgPacketSize    float64       `json:"avg_packet_size"`
	PacketSizeStdDev float64       `json:"packet_size_stddev"`
	Errors           uint64        `json:"errors"`
	Dropped          uint64        `json:"dropped"`
	Clients          int64         `json:"clients"`
	KeyframeInterval time.Duration `json:"keyframe_interval"`
}

// StatsTotals summarizes a whole session, emitted at shutdown.
type StatsTotals struct {
	Frames            uint64        `json:"frames"`
	Bytes             uint64        `json:"bytes"`
	Keyframes         uint64        `json:"keyframes"`
	KeyframePercent   float64       `json:"keyframe_percent"`
	AvgBytesPerFrame  float64       `json:"avg_bytes_per_frame"`
	AvgBitrateMbps    float64       `json:"avg_bitrate_mbps"`
	TargetBitrateMbps float64       `json:"target_bitrate_mbps"`
	Duration          time.Duration `json:"duration"`
	AvgFPS            float64       `json:"avg_fps"`
	Errors            uint64        `json:"errors"`
	Dropped           uint64        `json:"dropped"`
}

// WorkerSnapshot is a point-in-time view of the encoding worker.
type WorkerSnapshot struct {
	Running          bool          `json:"running"`
	FramesEncoded    uint64        `json:"frames_encoded"`
	FramesSubmitted  uint64        `json:"frames_submitted"`
	Errors           uint64        `json:"errors"`
	Dropped          uint64        `json:"dropped"`
	Clients          int64         `json:"clients"`
	QueueDepth       int           `json:"queue_depth"`
	QueueCapacity    int           `json:"queue_capacity"`
	QueueHighWater   int           `json:"queue_high_water"`
	KeyframeInterval time.Duration `json:"keyframe_interval"`
	Bytes            uint64        `json:"bytes"`
	Keyframes        uint64        `json:"keyframes"`
}
