// Package message holds the backend's view of a message: who it is for, how
// long it stays on screen, who sent it and what it shows.
package message

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kabili207/rpi-messages-go/core/protocol"
)

// Sender records where a message came from.
type Sender string

const (
	SenderWeb  Sender = "web"
	SenderMQTT Sender = "mqtt"
	SenderSeed Sender = "seed"
	SenderCLI  Sender = "cli"
)

// ParseSender validates a stored sender name.
func ParseSender(s string) (Sender, error) {
	switch Sender(s) {
	case SenderWeb, SenderMQTT, SenderSeed, SenderCLI:
		return Sender(s), nil
	default:
		return "", fmt.Errorf("unknown sender %q", s)
	}
}

// ErrInvalidLifetime is returned for lifetimes that cannot be announced to a
// device.
var ErrInvalidLifetime = errors.New("invalid lifetime")

// Meta is the addressing part of a message.
type Meta struct {
	ReceiverID protocol.DeviceID
	Lifetime   time.Duration
}

// Validate checks that the lifetime is positive and fits the u32 seconds
// field of an Update.
func (m Meta) Validate() error {
	if m.Lifetime < time.Second {
		return fmt.Errorf("%w: %s is shorter than one second", ErrInvalidLifetime, m.Lifetime)
	}
	if m.Lifetime/time.Second > math.MaxUint32 {
		return fmt.Errorf("%w: %s", ErrInvalidLifetime, m.Lifetime)
	}
	return nil
}

// Message is a stored message.
type Message struct {
	ID        protocol.MessageID
	Meta      Meta
	Sender    Sender
	CreatedAt time.Time
	Content   Content
}

// Update returns the header announcing m to a device.
func (m *Message) Update() protocol.Update {
	return protocol.Update{
		LifetimeSeconds: uint32(m.Meta.Lifetime / time.Second),
		ID:              m.ID,
		Kind:            m.Content.UpdateKind(),
	}
}

// Insert is a message that has not been stored yet. The repository assigns
// the id and the creation time together, so both grow in the same order.
type Insert struct {
	Meta    Meta
	Sender  Sender
	Content Content
}

// Validate checks both the addressing and the content.
func (in Insert) Validate() error {
	if err := in.Meta.Validate(); err != nil {
		return err
	}
	if _, err := ParseSender(string(in.Sender)); err != nil {
		return err
	}
	return in.Content.Validate()
}

// Device is a registered display device.
type Device struct {
	ID      protocol.DeviceID
	Name    string
	AddedAt time.Time
}
