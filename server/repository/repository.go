// Package repository stores backend messages and registered devices.
//
// Messages are append-only. Each insert gets the next id in sequence and a
// creation time strictly after every earlier message, so delivery order by
// (created_at, id) matches id order and a device cursor holding the highest
// consumed id is enough to resume.
package repository

import (
	"context"
	"errors"
	"math"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/server/message"
)

var (
	// ErrNotFound is returned when a message id does not exist.
	ErrNotFound = errors.New("message not found")

	// ErrFull is returned once the id space is exhausted.
	ErrFull = errors.New("message ids exhausted")

	// ErrClosed is returned by a repository after Close.
	ErrClosed = errors.New("repository closed")
)

// maxMessages bounds the id space to what fits in a MessageID.
const maxMessages = math.MaxUint32

// Repository is the storage backend used by the session handler, the HTTP
// API and the MQTT ingester.
type Repository interface {
	// NextMessage returns the earliest message for device created after
	// the message identified by after. An absent or unknown cursor starts
	// from the beginning. It returns nil when nothing is pending.
	NextMessage(ctx context.Context, device protocol.DeviceID, after protocol.NullMessageID) (*message.Message, error)

	// AddMessage validates and stores in, returning the assigned id.
	AddMessage(ctx context.Context, in message.Insert) (protocol.MessageID, error)

	// Message returns the message with the given id or ErrNotFound.
	Message(ctx context.Context, id protocol.MessageID) (*message.Message, error)

	// AddDevice registers a device or renames an existing one.
	AddDevice(ctx context.Context, d message.Device) error

	// Devices lists registered devices ordered by id.
	Devices(ctx context.Context) ([]message.Device, error)

	Close() error
}

// orderedAfter reports whether a is delivered after b.
func orderedAfter(a, b *message.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func cloneMessage(m *message.Message) *message.Message {
	c := *m
	if m.Content.Image != nil {
		c.Content.Image = append([]byte(nil), m.Content.Image...)
	}
	return &c
}
