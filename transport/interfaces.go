// Package transport provides the network interfaces shared by the device
// and the backend, plus the long-lived links (MQTT, serial) they use.
package transport

import (
	"context"
	"net"
)

// Transport is the base interface for long-lived links such as the MQTT
// ingest subscription and the serial panel port.
type Transport interface {
	// Start opens the link. The provided context controls its lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts the link down.
	Stop() error
	// IsConnected returns true if the link is currently up.
	IsConnected() bool
	// SetStateHandler sets the callback for link state changes.
	SetStateHandler(fn StateHandler)
}

// StateHandler is called when a transport's state changes.
type StateHandler func(transport Transport, event Event)

// Dialer opens stream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver yields the address of the backend session endpoint.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticEndpoint is a Resolver for a fixed "host:port" address.
type StaticEndpoint string

// Resolve implements Resolver.
func (e StaticEndpoint) Resolve(context.Context) (string, error) {
	return string(e), nil
}

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}
