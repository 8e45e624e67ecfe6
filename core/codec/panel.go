package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kabili207/rpi-messages-go/core/protocol"
)

// Command is the first payload byte of a frame.
type Command byte

const (
	// CmdText draws text: [cmd][style][utf-8 text].
	CmdText Command = 0x01
	// CmdImageChunk loads part of a frame buffer: [cmd][offset u16][pixels].
	CmdImageChunk Command = 0x02
	// CmdImageShow displays the loaded frame buffer: [cmd].
	CmdImageShow Command = 0x03
	// CmdStatus is sent by the panel: [cmd][code][utf-8 detail].
	CmdStatus Command = 0x7F
)

// ImageChunkSize is the pixel data carried by one CmdImageChunk frame.
const ImageChunkSize = MaxFramePayload - 3

// ImageChunks is the number of chunk frames per image.
const ImageChunks = (protocol.ImageBufferSize + ImageChunkSize - 1) / ImageChunkSize

var (
	// ErrUnknownCommand is returned for a payload with an unexpected command byte.
	ErrUnknownCommand = errors.New("unknown panel command")
	// ErrMalformedCommand is returned for a command with a bad body.
	ErrMalformedCommand = errors.New("malformed panel command")
)

// AppendText appends the frame drawing text with the given style.
func AppendText(dst []byte, style byte, text string) ([]byte, error) {
	if len(text) > protocol.TextBufferSize {
		return dst, fmt.Errorf("%w: text is %d bytes", ErrPayloadTooLarge, len(text))
	}
	var buf [2 + protocol.TextBufferSize]byte
	payload := append(buf[:0], byte(CmdText), style)
	payload = append(payload, text...)
	return AppendFrame(dst, payload)
}

// AppendImage appends the chunk frames loading img followed by the frame
// that shows it.
func AppendImage(dst []byte, img *[protocol.ImageBufferSize]byte) []byte {
	var buf [MaxFramePayload]byte
	for off := 0; off < len(img); off += ImageChunkSize {
		end := min(off+ImageChunkSize, len(img))
		payload := append(buf[:0], byte(CmdImageChunk))
		payload = binary.BigEndian.AppendUint16(payload, uint16(off))
		payload = append(payload, img[off:end]...)
		dst, _ = AppendFrame(dst, payload)
	}
	dst, _ = AppendFrame(dst, []byte{byte(CmdImageShow)})
	return dst
}

// StatusCode is reported by the panel.
type StatusCode byte

const (
	StatusOK       StatusCode = 0
	StatusBadFrame StatusCode = 1
	StatusBadImage StatusCode = 2
	StatusHardware StatusCode = 3
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusBadFrame:
		return "bad frame"
	case StatusBadImage:
		return "bad image"
	case StatusHardware:
		return "hardware fault"
	default:
		return fmt.Sprintf("status(%d)", byte(c))
	}
}

// Status is a report from the panel.
type Status struct {
	Code   StatusCode
	Detail string
}

// Err returns nil for StatusOK and a descriptive error otherwise.
func (s Status) Err() error {
	if s.Code == StatusOK {
		return nil
	}
	if s.Detail != "" {
		return fmt.Errorf("panel reported %s: %s", s.Code, s.Detail)
	}
	return fmt.Errorf("panel reported %s", s.Code)
}

// DecodeStatus parses a CmdStatus payload.
func DecodeStatus(payload []byte) (Status, error) {
	if len(payload) == 0 {
		return Status{}, fmt.Errorf("%w: empty payload", ErrMalformedCommand)
	}
	if Command(payload[0]) != CmdStatus {
		return Status{}, fmt.Errorf("%w: %#x", ErrUnknownCommand, payload[0])
	}
	if len(payload) < 2 {
		return Status{}, fmt.Errorf("%w: status without code", ErrMalformedCommand)
	}
	return Status{Code: StatusCode(payload[1]), Detail: string(payload[2:])}, nil
}

// AppendStatus appends a status frame. Used by panel simulators and tests.
func AppendStatus(dst []byte, s Status) ([]byte, error) {
	payload := append([]byte{byte(CmdStatus), byte(s.Code)}, s.Detail...)
	return AppendFrame(dst, payload)
}
