// Package protocol defines the messages exchanged between a display device
// and the backend, together with their length-prefixed binary encoding.
//
// Every message is framed as a big-endian u16 payload length followed by the
// payload itself. The payload starts with a discriminant byte whose high
// nibble carries the protocol version and whose low nibble selects the
// variant. Each message type has a fixed maximum payload size, so both ends
// can work with buffers sized at compile time.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// DeviceID identifies a display device. It is displayed and parsed as hex.
type DeviceID uint32

// ParseDeviceID parses a hexadecimal device identifier. A leading "0x" or
// "0X" prefix is optional.
func ParseDeviceID(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("invalid device id: empty")
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid device id %q: %w", s, err)
	}
	return DeviceID(v), nil
}

// String returns the id as zero-padded hex with a 0x prefix.
func (id DeviceID) String() string {
	return fmt.Sprintf("0x%08x", uint32(id))
}

// MessageID identifies a message. IDs are assigned by the backend in
// insertion order, so ordering by id follows delivery order.
type MessageID uint32

func (id MessageID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// NullMessageID is an optional MessageID. The zero value is absent.
type NullMessageID struct {
	ID    MessageID
	Valid bool
}

// SomeMessageID returns a present NullMessageID holding id.
func SomeMessageID(id MessageID) NullMessageID {
	return NullMessageID{ID: id, Valid: true}
}

// Max returns the larger of n and id. An absent value is smaller than any id.
func (n NullMessageID) Max(id MessageID) NullMessageID {
	if n.Valid && n.ID >= id {
		return n
	}
	return SomeMessageID(id)
}

func (n NullMessageID) String() string {
	if !n.Valid {
		return "none"
	}
	return n.ID.String()
}
