// Package codec frames the commands a device sends to its serial-attached
// panel controller and the status reports it gets back.
//
// Frame format, all fields big endian:
//
//	[magic u16 = 0xC03E][length u16][payload (length bytes)][Fletcher-16 u16]
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameMagic is the magic number that starts every frame.
	FrameMagic uint16 = 0xC03E
	// MaxFramePayload is the largest payload one frame carries.
	MaxFramePayload = 256
	// FrameHeaderSize is the size of the frame header (magic 2 + length 2).
	FrameHeaderSize = 4
	// FrameChecksumSize is the size of the checksum at the end of a frame.
	FrameChecksumSize = 2
	// MinFrameSize is the minimum valid frame size (header + checksum).
	MinFrameSize = FrameHeaderSize + FrameChecksumSize
	// MaxFrameSize is the size of a frame carrying MaxFramePayload bytes.
	MaxFrameSize = MinFrameSize + MaxFramePayload
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrInvalidMagic     = errors.New("invalid frame magic")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// DecodeFrame decodes one frame from the start of data. It returns the
// payload, which aliases data, and the bytes after the frame.
func DecodeFrame(data []byte) (payload, rest []byte, err error) {
	if len(data) < MinFrameSize {
		return nil, data, ErrFrameTooShort
	}
	if binary.BigEndian.Uint16(data[0:2]) != FrameMagic {
		return nil, data, ErrInvalidMagic
	}

	n := int(binary.BigEndian.Uint16(data[2:4]))
	if n > MaxFramePayload {
		return nil, data, ErrPayloadTooLarge
	}
	total := FrameHeaderSize + n + FrameChecksumSize
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	payload = data[FrameHeaderSize : FrameHeaderSize+n]
	received := binary.BigEndian.Uint16(data[FrameHeaderSize+n : total])
	if !ValidateChecksum(payload, received) {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x",
			ErrChecksumMismatch, Fletcher16(payload), received)
	}
	return payload, data[total:], nil
}

// AppendFrame appends payload wrapped in a frame to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return dst, ErrPayloadTooLarge
	}
	dst = binary.BigEndian.AppendUint16(dst, FrameMagic)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	dst = append(dst, payload...)
	return binary.BigEndian.AppendUint16(dst, Fletcher16(payload)), nil
}

// FindMagic returns the index of the first frame magic in data, or -1.
func FindMagic(data []byte) int {
	hi, lo := byte(FrameMagic>>8), byte(FrameMagic & 0xff)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}
