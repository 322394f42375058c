package common

import (
	"github.com/google/uuid"
)

// NewClientID generates a session identity for the duplex channel
// Format: cli_<uuid>
func NewClientID() string {
	return "cli_" + uuid.New().String()
}
