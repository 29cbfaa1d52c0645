package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	GetStatus(c *gin.Context)
	GetStats(c *gin.Context)
	GetDetections(c *gin.Context)
	GetBackground(c *gin.Context)
	GetMask(c *gin.Context)
	GetOverlay(c *gin.Context)
	ResetBackground(c *gin.Context)
	SetAnonymization(c *gin.Context)
	ForceKeyframe(c *gin.Context)
	IssueViewerToken(c *gin.Context)
}
