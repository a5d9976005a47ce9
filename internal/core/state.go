package core

import "time"

// ConnectionState is the lifecycle state of a platform connection.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// ConnectionStatus is a snapshot of a platform connection.
type ConnectionStatus struct {
	Platform          Platform        `json:"platform"`
	State             ConnectionState `json:"state"`
	ConnectionID      string          `json:"connectionId,omitempty"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	LastError         string          `json:"lastError,omitempty"`
	ConnectedAt       time.Time       `json:"connectedAt,omitempty"`
}
