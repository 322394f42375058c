package models

import "time"

// ConnectionState is the state of the duplex transport session
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
)

// HealthState is the connection health supervisor's view of a connection
type HealthState string

const (
	HealthHealthy      HealthState = "healthy"
	HealthDegraded     HealthState = "degraded"
	HealthReconnecting HealthState = "reconnecting"
	HealthExhausted    HealthState = "exhausted" // terminal for the connection instance
)

// HealthStatus is a point-in-time snapshot of the supervisor
type HealthStatus struct {
	State             HealthState   `json:"state"`
	Attempt           int           `json:"attempt"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastError         string        `json:"last_error,omitempty"`
	NextDelay         time.Duration `json:"next_delay,omitempty"`
	ChangedAt         time.Time     `json:"changed_at"`
}
