package ports

import (
	"context"
	"time"

	"anonstream/internal/core/domain"
)

// PipelineService is the control surface of a running pipeline.
type PipelineService interface {
	Status() domain.PipelineStatus
	Diagnostics() domain.Diagnostics
	ResetBackground()
	SetAnonymization(enabled bool)
	ForceKeyframe()
}

// ViewerAuthService issues and validates viewer tokens for signalling.
type ViewerAuthService interface {
	IssueToken(ctx context.Context, viewer string) (string, time.Time, error)
	ValidateToken(ctx context.Context, token string) (*domain.ViewerClaims, error)
}
