// services/fleet/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Transient errors. These are expected during normal operation, logged and
// retried on the next natural trigger, never fatal.
var (
	ErrHubNotFound       = errors.New("no hub in range")
	ErrConnectionFailed  = errors.New("hub connection failed")
	ErrConfigUnavailable = errors.New("configuration unavailable")
	ErrRadioUnavailable  = errors.New("hub radio service suspended")
	ErrSyncFailed        = errors.New("backend sync failed")
)

// Read-path errors surfaced to collaborators.
var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrSessionNotFound  = errors.New("session not found")
	ErrDeviceNotFound   = errors.New("device not found")
)

// BusinessError represents a domain failure with a stable code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
