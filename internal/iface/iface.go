package iface

import (
	"github.com/AtDexters-Lab/sni-relay/internal/protocol"
	"github.com/AtDexters-Lab/sni-relay/internal/routing"
)

// Router is an interface the relay uses to pick a backend for a hostname.
type Router interface {
	Lookup(hostname string) (routing.Target, routing.Match, error)
}

// EventSink receives relay events, e.g. to stream them to admin clients.
// Publish must not block.
type EventSink interface {
	Publish(ev protocol.RouteEvent)
}

// StatsRecorder receives counters for relayed connections.
type StatsRecorder interface {
	RecordAccepted()
	RecordRejected(reason string)
	RecordRouted(hostname string, match routing.Match)
	RecordClosed(hostname string, bytesIn, bytesOut int64)
}
