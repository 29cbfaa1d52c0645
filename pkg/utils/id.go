package utils

import (
	"github.com/google/uuid"
)

// GenerateSessionID generates a unique viewer session ID
func GenerateSessionID() string {
	return "viewer_" + uuid.NewString()
}

// GenerateRequestID generates a unique HTTP request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
