package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation requires a live session.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("realtime: session closed")

	// ErrAuthFailure indicates the API rejected our credentials.
	ErrAuthFailure = errors.New("realtime: authentication failed")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("realtime: operation timed out")
)

// APIError is an error event reported by the Realtime API.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime api error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("realtime api error: %s", e.Message)
}
