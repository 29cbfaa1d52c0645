package domain

import "github.com/golang-jwt/jwt/v5"

// Diagnostics is a copy of the most recent anonymizer tick.
type Diagnostics struct {
	Original   *Frame
	Anonymized *Frame
	Background *Frame
	Mask       *Mask
	Detections []Detection
	ClassNames []string
}

// PipelineStatus is reported by the HTTP status endpoint.
type PipelineStatus struct {
	AnonymizationEnabled bool           `json:"anonymization_enabled"`
	AnonymizerState      string         `json:"anonymizer_state"`
	AnonymizerFrames     uint64         `json:"anonymizer_frames"`
	FramesCaptured       uint64         `json:"frames_captured"`
	DetectorFailures     uint64         `json:"detector_failures"`
	Worker               WorkerSnapshot `json:"worker"`
	LastReport           *StatsReport   `json:"last_report,omitempty"`
}

// ViewerClaims are the JWT claims of a viewer token.
type ViewerClaims struct {
	Viewer string `json:"viewer"`
	Stream string `json:"stream"`
	jwt.RegisteredClaims
}
