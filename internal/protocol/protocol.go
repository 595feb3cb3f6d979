package protocol

import (
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of a relay event.
type EventType string

const (
	// EventRoute is emitted once a backend has been chosen for a client.
	EventRoute EventType = "route"
	// EventReject is emitted when a client is dropped before routing.
	EventReject EventType = "reject"
	// EventClose is emitted when a relayed session ends.
	EventClose EventType = "close"
)

// RouteEvent describes one step in the life of a relayed connection. It is
// the JSON message streamed to admin subscribers.
type RouteEvent struct {
	Type       EventType `json:"type"`
	Time       time.Time `json:"time"`
	SessionID  uuid.UUID `json:"session_id"`
	ClientAddr string    `json:"client_addr"`
	Listener   string    `json:"listener"`
	ServerName string    `json:"server_name,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	Match      string    `json:"match,omitempty"`
	Error      string    `json:"error,omitempty"`
	BytesIn    int64     `json:"bytes_in,omitempty"`
	BytesOut   int64     `json:"bytes_out,omitempty"`
}
