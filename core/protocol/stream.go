package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteMessage encodes m and writes it to w in a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	var buf [maxBufferSize]byte
	n, err := Encode(buf[:], m)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf[:n]); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one message from r into m. The declared length
// is checked against the type's maximum before any payload byte is read.
// io.EOF is returned unwrapped when r ends before the first byte.
func ReadMessage(r io.Reader, m Message) error {
	var buf [maxBufferSize]byte
	if _, err := io.ReadFull(r, buf[:LengthPrefixSize]); err != nil {
		if err == io.EOF {
			return err
		}
		return fmt.Errorf("reading length prefix: %w", err)
	}

	n := int(binary.BigEndian.Uint16(buf[:LengthPrefixSize]))
	limit := m.MaxPayloadSize()
	if n > limit {
		return &LengthExceededError{Got: n, Max: limit}
	}
	if LengthPrefixSize+n > len(buf) {
		return fmt.Errorf("%w: buffer %d bytes, need %d", ErrEncodeOverflow, len(buf), LengthPrefixSize+n)
	}

	if _, err := io.ReadFull(r, buf[LengthPrefixSize:LengthPrefixSize+n]); err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}
	return m.decodePayload(buf[LengthPrefixSize : LengthPrefixSize+n])
}
