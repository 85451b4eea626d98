// Package utils holds small helpers shared by hub components.
package utils

import (
	"github.com/google/uuid"
)

// NewMessageID returns a random UUID used to identify an inbound message
func NewMessageID() string {
	return uuid.NewString()
}

// NewRequestID returns an id for HTTP request correlation
func NewRequestID() string {
	return "req-" + uuid.NewString()
}
