package http

import (
	"context"
	goerrors "errors"
	"fmt"
	"image"
	"net/http"
	"strings"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/internal/core/ports"
	"anonstream/internal/infrastructure/debug"
	"anonstream/pkg/cache"
	"anonstream/pkg/errors"
	"anonstream/pkg/validation"

	"github.com/gin-gonic/gin"
)

type PipelineHandler struct {
	pipeline    ports.PipelineService
	auth        ports.ViewerAuthService
	renderer    *debug.Renderer
	jpegQuality int

	// Encoded images keyed by kind, format and frame sequence.
	images *cache.Cache[[]byte]
}

// NewPipelineHandler creates the control and diagnostics API. Token
// issuance is disabled when auth is nil.
func NewPipelineHandler(
	pipeline ports.PipelineService,
	auth ports.ViewerAuthService,
	renderer *debug.Renderer,
	jpegQuality int,
) *PipelineHandler {
	return &PipelineHandler{
		pipeline:    pipeline,
		auth:        auth,
		renderer:    renderer,
		jpegQuality: jpegQuality,
		images:      cache.New[[]byte](2 * time.Second),
	}
}

// Close releases the image cache.
func (h *PipelineHandler) Close() {
	h.images.Stop()
}

// SetupRoutes registers the API. protect guards everything except status
// and token issuance; pass nil to leave the API open.
func (h *PipelineHandler) SetupRoutes(router *gin.Engine, protect gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.GET("/status", h.GetStatus)
		api.POST("/token", h.IssueViewerToken)
	}

	guarded := api.Group("")
	if protect != nil {
		guarded.Use(protect)
	}
	{
		guarded.GET("/stats", h.GetStats)
		guarded.GET("/detections", h.GetDetections)
		guarded.GET("/background", h.GetBackground)
		guarded.GET("/mask", h.GetMask)
		guarded.GET("/overlay", h.GetOverlay)
		guarded.POST("/background/reset", h.ResetBackground)
		guarded.PUT("/anonymization", h.SetAnonymization)
		guarded.POST("/keyframe", h.ForceKeyframe)
	}
}

func (h *PipelineHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Status())
}

func (h *PipelineHandler) GetStats(c *gin.Context) {
	status := h.pipeline.Status()
	c.JSON(http.StatusOK, gin.H{
		"worker":      status.Worker,
		"last_report": status.LastReport,
	})
}

type detectionResponse struct {
	Class      string  `json:"class"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	Box        [4]int  `json:"box"` // x1, y1, x2, y2
	HasMask    bool    `json:"has_mask"`
}

func (h *PipelineHandler) GetDetections(c *gin.Context) {
	d := h.pipeline.Diagnostics()

	out := make([]detectionResponse, 0, len(d.Detections))
	for _, det := range d.Detections {
		name := ""
		if det.ClassID >= 0 && det.ClassID < len(d.ClassNames) {
			name = d.ClassNames[det.ClassID]
		}
		out = append(out, detectionResponse{
			Class:      name,
			ClassID:    det.ClassID,
			Confidence: det.Confidence,
			Box:        [4]int{det.Box.Min.X, det.Box.Min.Y, det.Box.Max.X, det.Box.Max.Y},
			HasMask:    det.Mask != nil,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"detections": out,
		"count":      len(out),
	})
}

func (h *PipelineHandler) GetBackground(c *gin.Context) {
	d := h.pipeline.Diagnostics()
	h.writeImage(c, "background", d, func() (image.Image, error) {
		return debug.FrameImage(d.Background)
	})
}

func (h *PipelineHandler) GetMask(c *gin.Context) {
	d := h.pipeline.Diagnostics()
	h.writeImage(c, "mask", d, func() (image.Image, error) {
		return debug.MaskImage(d.Mask)
	})
}

func (h *PipelineHandler) GetOverlay(c *gin.Context) {
	d := h.pipeline.Diagnostics()
	kind := "overlay"
	if c.Query("source") == "anonymized" {
		d.Original = d.Anonymized
		kind = "overlay_anonymized"
	}
	h.writeImage(c, kind, d, func() (image.Image, error) {
		return h.renderer.Overlay(d)
	})
}

func (h *PipelineHandler) writeImage(c *gin.Context, kind string, d domain.Diagnostics, render func() (image.Image, error)) {
	format := debug.ParseFormat(strings.ToLower(c.DefaultQuery("format", "jpeg")))

	key := fmt.Sprintf("%s:%s", kind, format.ContentType())
	if d.Original != nil {
		key = fmt.Sprintf("%s:%d", key, d.Original.Sequence)
	}

	data, err := h.images.GetOrSet(c.Request.Context(), key, func(context.Context) ([]byte, error) {
		img, err := render()
		if err != nil {
			return nil, err
		}
		return debug.Encode(img, format, h.jpegQuality)
	})
	switch {
	case goerrors.Is(err, debug.ErrNoFrame):
		_ = c.Error(errors.NewNotFoundError(kind))
		return
	case err != nil:
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to render image", http.StatusInternalServerError))
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, format.ContentType(), data)
}

func (h *PipelineHandler) ResetBackground(c *gin.Context) {
	h.pipeline.ResetBackground()
	h.images.Invalidate("background")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

type anonymizationRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *PipelineHandler) SetAnonymization(c *gin.Context) {
	var req anonymizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("enabled is required"))
		return
	}

	h.pipeline.SetAnonymization(*req.Enabled)
	enabled := h.pipeline.Status().AnonymizationEnabled
	if *req.Enabled && !enabled {
		_ = c.Error(errors.NewServiceUnavailableError("anonymizer unavailable"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"anonymization_enabled": enabled})
}

func (h *PipelineHandler) ForceKeyframe(c *gin.Context) {
	h.pipeline.ForceKeyframe()
	c.JSON(http.StatusAccepted, gin.H{"status": "keyframe requested"})
}

type tokenRequest struct {
	Viewer string `json:"viewer" binding:"required,max=100"`
}

func (h *PipelineHandler) IssueViewerToken(c *gin.Context) {
	if h.auth == nil {
		_ = c.Error(errors.NewServiceUnavailableError("viewer authentication disabled"))
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("viewer is required"))
		return
	}

	viewer := strings.TrimSpace(req.Viewer)
	if err := validation.ValidateViewerName(viewer); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, expires, err := h.auth.IssueToken(c.Request.Context(), viewer)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInvalidInput, "failed to issue token", http.StatusBadRequest))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expires,
	})
}

var _ ports.HTTPHandler = (*PipelineHandler)(nil)
