package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ProtocolVersion is carried in the high nibble of every discriminant.
	ProtocolVersion = 1

	// LengthPrefixSize is the size of the big-endian payload length field.
	LengthPrefixSize = 2

	// ClientCommandMaxPayload is tag + device id + presence byte + cursor.
	ClientCommandMaxPayload = 1 + 4 + 1 + 4
	// RequestUpdateResultMaxPayload is tag + lifetime + id + kind + text length.
	RequestUpdateResultMaxPayload = 1 + 4 + 4 + 1 + 2

	// ClientCommandBufferSize is the encode/decode buffer size for ClientCommand.
	ClientCommandBufferSize = LengthPrefixSize + ClientCommandMaxPayload
	// RequestUpdateResultBufferSize is the encode/decode buffer size for RequestUpdateResult.
	RequestUpdateResultBufferSize = LengthPrefixSize + RequestUpdateResultMaxPayload

	maxBufferSize = RequestUpdateResultBufferSize
)

var (
	ErrEncodeOverflow = errors.New("encode buffer smaller than maximum message size")
	ErrDecodeFailure  = errors.New("malformed message payload")
	ErrUnknownVariant = errors.New("unknown message variant")
)

// LengthExceededError is returned when a declared length is larger than the
// maximum the receiving side accepts.
type LengthExceededError struct {
	Got int
	Max int
}

func (e *LengthExceededError) Error() string {
	return fmt.Sprintf("length %d exceeds maximum %d", e.Got, e.Max)
}

// Message is implemented by every type that travels on the wire.
type Message interface {
	// MaxPayloadSize is the largest payload any value of the type encodes to.
	MaxPayloadSize() int
	appendPayload(dst []byte) ([]byte, error)
	decodePayload(src []byte) error
}

var (
	_ Message = (*ClientCommand)(nil)
	_ Message = (*RequestUpdateResult)(nil)
)

func tag(variant uint8) byte {
	return ProtocolVersion<<4 | variant&0x0f
}

func splitTag(b byte) (version, variant uint8) {
	return b >> 4, b & 0x0f
}

// Encode writes the length prefix and payload of m into buf and returns the
// number of bytes written. buf must hold at least the type's maximum encoded
// size, otherwise ErrEncodeOverflow is returned and buf is left untouched.
func Encode(buf []byte, m Message) (int, error) {
	limit := m.MaxPayloadSize()
	if len(buf) < LengthPrefixSize+limit {
		return 0, fmt.Errorf("%w: have %d bytes, need %d", ErrEncodeOverflow, len(buf), LengthPrefixSize+limit)
	}

	payload, err := m.appendPayload(buf[LengthPrefixSize:LengthPrefixSize])
	if err != nil {
		return 0, err
	}
	if len(payload) > limit {
		return 0, &LengthExceededError{Got: len(payload), Max: limit}
	}

	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	return LengthPrefixSize + len(payload), nil
}

// Decode reads one message from buf into m and returns the number of bytes
// consumed. Bytes after the declared length are never read.
func Decode(buf []byte, m Message) (int, error) {
	if len(buf) < LengthPrefixSize {
		return 0, fmt.Errorf("%w: missing length prefix", ErrDecodeFailure)
	}
	n := int(binary.BigEndian.Uint16(buf))
	if limit := m.MaxPayloadSize(); n > limit {
		return 0, &LengthExceededError{Got: n, Max: limit}
	}
	if len(buf)-LengthPrefixSize < n {
		return 0, fmt.Errorf("%w: declared %d bytes, have %d", ErrDecodeFailure, n, len(buf)-LengthPrefixSize)
	}
	if err := m.decodePayload(buf[LengthPrefixSize : LengthPrefixSize+n]); err != nil {
		return 0, err
	}
	return LengthPrefixSize + n, nil
}

// MaxPayloadSize implements Message.
func (*ClientCommand) MaxPayloadSize() int { return ClientCommandMaxPayload }

func (c *ClientCommand) appendPayload(dst []byte) ([]byte, error) {
	switch c.Kind {
	case CommandRequestUpdate:
		dst = append(dst, tag(uint8(c.Kind)))
		dst = binary.BigEndian.AppendUint32(dst, uint32(c.DeviceID))
		if c.After.Valid {
			dst = append(dst, 1)
			dst = binary.BigEndian.AppendUint32(dst, uint32(c.After.ID))
		} else {
			dst = append(dst, 0)
		}
		return dst, nil
	default:
		return dst, fmt.Errorf("%w: command kind %d", ErrUnknownVariant, c.Kind)
	}
}

func (c *ClientCommand) decodePayload(src []byte) error {
	if len(src) < 1 {
		return fmt.Errorf("%w: empty command", ErrDecodeFailure)
	}
	version, variant := splitTag(src[0])
	if version != ProtocolVersion {
		return fmt.Errorf("%w: protocol version %d", ErrDecodeFailure, version)
	}

	switch CommandKind(variant) {
	case CommandRequestUpdate:
		if len(src) < 6 {
			return fmt.Errorf("%w: request update is %d bytes", ErrDecodeFailure, len(src))
		}
		out := ClientCommand{
			Kind:     CommandRequestUpdate,
			DeviceID: DeviceID(binary.BigEndian.Uint32(src[1:5])),
		}
		switch src[5] {
		case 0:
			if len(src) != 6 {
				return fmt.Errorf("%w: %d trailing bytes", ErrDecodeFailure, len(src)-6)
			}
		case 1:
			if len(src) != 10 {
				return fmt.Errorf("%w: cursor needs 10 bytes, got %d", ErrDecodeFailure, len(src))
			}
			out.After = SomeMessageID(MessageID(binary.BigEndian.Uint32(src[6:10])))
		default:
			return fmt.Errorf("%w: cursor presence byte %#x", ErrDecodeFailure, src[5])
		}
		*c = out
		return nil
	default:
		return fmt.Errorf("%w: command variant %d", ErrDecodeFailure, variant)
	}
}

// MaxPayloadSize implements Message.
func (*RequestUpdateResult) MaxPayloadSize() int { return RequestUpdateResultMaxPayload }

func (r *RequestUpdateResult) appendPayload(dst []byte) ([]byte, error) {
	switch r.Kind {
	case ResultNoUpdate:
		return append(dst, tag(uint8(ResultNoUpdate))), nil
	case ResultUpdate:
		u := r.Update
		dst = append(dst, tag(uint8(ResultUpdate)))
		dst = binary.BigEndian.AppendUint32(dst, u.LifetimeSeconds)
		dst = binary.BigEndian.AppendUint32(dst, uint32(u.ID))
		switch u.Kind.Content {
		case KindImage:
			dst = append(dst, byte(KindImage))
		case KindText:
			dst = append(dst, byte(KindText))
			dst = binary.BigEndian.AppendUint16(dst, u.Kind.TextLen)
		default:
			return dst, fmt.Errorf("%w: content kind %d", ErrUnknownVariant, u.Kind.Content)
		}
		return dst, nil
	default:
		return dst, fmt.Errorf("%w: result kind %d", ErrUnknownVariant, r.Kind)
	}
}

func (r *RequestUpdateResult) decodePayload(src []byte) error {
	if len(src) < 1 {
		return fmt.Errorf("%w: empty result", ErrDecodeFailure)
	}
	version, variant := splitTag(src[0])
	if version != ProtocolVersion {
		return fmt.Errorf("%w: protocol version %d", ErrDecodeFailure, version)
	}

	switch ResultKind(variant) {
	case ResultNoUpdate:
		if len(src) != 1 {
			return fmt.Errorf("%w: %d trailing bytes", ErrDecodeFailure, len(src)-1)
		}
		*r = NoUpdate()
		return nil
	case ResultUpdate:
		if len(src) < 10 {
			return fmt.Errorf("%w: update is %d bytes", ErrDecodeFailure, len(src))
		}
		u := Update{
			LifetimeSeconds: binary.BigEndian.Uint32(src[1:5]),
			ID:              MessageID(binary.BigEndian.Uint32(src[5:9])),
		}
		switch ContentKind(src[9]) {
		case KindImage:
			if len(src) != 10 {
				return fmt.Errorf("%w: %d trailing bytes", ErrDecodeFailure, len(src)-10)
			}
			u.Kind = ImageKind()
		case KindText:
			if len(src) != 12 {
				return fmt.Errorf("%w: text update needs 12 bytes, got %d", ErrDecodeFailure, len(src))
			}
			u.Kind = TextKind(binary.BigEndian.Uint16(src[10:12]))
		default:
			return fmt.Errorf("%w: content kind %d", ErrDecodeFailure, src[9])
		}
		*r = UpdateResult(u)
		return nil
	default:
		return fmt.Errorf("%w: result variant %d", ErrDecodeFailure, variant)
	}
}
