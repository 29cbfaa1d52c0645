package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"anonstream/internal/core/domain"
	"anonstream/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWrongStream  = errors.New("token issued for another stream")
)

type viewerAuthService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	stream    string
}

// NewViewerAuthService issues HS256 viewer tokens bound to one stream.
func NewViewerAuthService(jwtSecret string, tokenTTL time.Duration, stream string) ports.ViewerAuthService {
	return &viewerAuthService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		stream:    stream,
	}
}

func (s *viewerAuthService) IssueToken(_ context.Context, viewer string) (string, time.Time, error) {
	if viewer == "" {
		return "", time.Time{}, fmt.Errorf("viewer name required: %w", domain.ErrUnauthorized)
	}

	now := time.Now()
	expires := now.Add(s.tokenTTL)
	claims := &domain.ViewerClaims{
		Viewer: viewer,
		Stream: s.stream,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   viewer,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign viewer token: %w", err)
	}
	return signed, expires, nil
}

func (s *viewerAuthService) ValidateToken(_ context.Context, tokenString string) (*domain.ViewerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &domain.ViewerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*domain.ViewerClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Stream != s.stream {
		return nil, ErrWrongStream
	}
	return claims, nil
}
