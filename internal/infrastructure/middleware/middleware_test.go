package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"anonstream/internal/core/domain"
	apperrors "anonstream/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type tokenAuth struct{}

func (tokenAuth) IssueToken(context.Context, string) (string, time.Time, error) {
	return "good", time.Now().Add(time.Hour), nil
}

func (tokenAuth) ValidateToken(_ context.Context, token string) (*domain.ViewerClaims, error) {
	if token != "good" {
		return nil, domain.ErrUnauthorized
	}
	return &domain.ViewerClaims{Viewer: "alice"}, nil
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(AuthMiddleware(tokenAuth{}))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ViewerKey))
	})

	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Token good", http.StatusUnauthorized},
		{"Bearer bad", http.StatusUnauthorized},
		{"Bearer good", http.StatusOK},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		router.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Errorf("header %q: expected %d, got %d", tc.header, tc.status, w.Code)
		}
		if tc.status == http.StatusOK && w.Body.String() != "alice" {
			t.Errorf("expected viewer in context, got %q", w.Body.String())
		}
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(OptionalAuthMiddleware(tokenAuth{}))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ViewerKey))
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "" {
		t.Errorf("expected anonymous pass-through, got %d %q", w.Code, w.Body.String())
	}
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/app", func(c *gin.Context) {
		_ = c.Error(apperrors.NewServiceUnavailableError("detector offline"))
	})
	router.GET("/plain", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("boom"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	cases := []struct {
		path   string
		status int
		code   apperrors.ErrorCode
	}{
		{"/app", http.StatusServiceUnavailable, apperrors.ErrCodeServiceUnavailable},
		{"/plain", http.StatusInternalServerError, apperrors.ErrCodeInternal},
		{"/panic", http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, tc.path, nil)
		router.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Errorf("%s: expected %d, got %d", tc.path, tc.status, w.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode body: %v", tc.path, err)
		}
		if body["error"] != string(tc.code) {
			t.Errorf("%s: expected code %s, got %v", tc.path, tc.code, body["error"])
		}
	}
}
