// Package panel implements display.Renderer for the panel hardware.
//
// Serial drives a panel controller over the framed serial link in
// core/codec. The controller answers with status frames; a non-OK status is
// remembered and returned by the next render so the display activity
// reports it as a hard fault. Log is a headless renderer for development.
package panel

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kabili207/rpi-messages-go/core/codec"
	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/device/display"
)

var (
	_ display.Renderer = (*Serial)(nil)
	_ display.Renderer = (*Log)(nil)
)

// Text styles understood by the panel controller.
const (
	StyleNormal   byte = 0x00
	StylePriority byte = 0x01
)

// StyleByte maps a display style to its wire value.
func StyleByte(s display.Style) byte {
	if s == display.StylePriority {
		return StylePriority
	}
	return StyleNormal
}

// Serial renders by writing command frames to w, typically a
// *serial.Transport.
type Serial struct {
	w   io.Writer
	log *slog.Logger

	mu     sync.Mutex
	status error
	buf    []byte
}

// NewSerial creates a Serial renderer writing to w.
func NewSerial(w io.Writer, logger *slog.Logger) *Serial {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serial{
		w:   w,
		log: logger.WithGroup("panel"),
		buf: make([]byte, 0, codec.ImageChunks*codec.MaxFrameSize+codec.MinFrameSize+1),
	}
}

// HandleFrame consumes a frame payload from the panel. Its signature
// matches serial.FrameHandler.
func (s *Serial) HandleFrame(payload []byte) {
	st, err := codec.DecodeStatus(payload)
	if err != nil {
		s.log.Warn("unexpected frame from panel", "error", err)
		return
	}
	if err := st.Err(); err != nil {
		s.log.Error("panel status", "code", st.Code, "detail", st.Detail)
		s.mu.Lock()
		s.status = err
		s.mu.Unlock()
		return
	}
	s.log.Debug("panel status ok")
}

// RenderText implements display.Renderer. Text longer than the panel holds
// is truncated.
func (s *Serial) RenderText(text string, style display.Style) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeStatusLocked(); err != nil {
		return err
	}

	buf, err := codec.AppendText(s.buf[:0], StyleByte(style), protocol.TruncateText(text))
	if err != nil {
		return err
	}
	s.buf = buf
	return s.writeLocked()
}

// RenderImage implements display.Renderer.
func (s *Serial) RenderImage(img *[protocol.ImageBufferSize]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeStatusLocked(); err != nil {
		return err
	}

	s.buf = codec.AppendImage(s.buf[:0], img)
	return s.writeLocked()
}

func (s *Serial) takeStatusLocked() error {
	err := s.status
	s.status = nil
	return err
}

func (s *Serial) writeLocked() error {
	if _, err := s.w.Write(s.buf); err != nil {
		return fmt.Errorf("panel write: %w", err)
	}
	return nil
}

// Log renders by logging what would be shown.
type Log struct {
	log *slog.Logger
	// Fail makes every render return it, for exercising fault handling.
	Fail error
}

// NewLog creates a Log renderer.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{log: logger.WithGroup("panel")}
}

// ErrSimulated is a convenience value for Log.Fail.
var ErrSimulated = errors.New("simulated panel failure")

// RenderText implements display.Renderer.
func (l *Log) RenderText(text string, style display.Style) error {
	if l.Fail != nil {
		return l.Fail
	}
	l.log.Info("show text", "style", style, "text", text)
	return nil
}

// RenderImage implements display.Renderer.
func (l *Log) RenderImage(img *[protocol.ImageBufferSize]byte) error {
	if l.Fail != nil {
		return l.Fail
	}
	sum := sha256.Sum256(img[:])
	l.log.Info("show image", "sha256", hex.EncodeToString(sum[:8]))
	return nil
}
