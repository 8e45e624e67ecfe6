// Package serial provides the serial link between a device and its panel
// controller.
//
// Outgoing data is written as already framed bytes (see core/codec). The
// read loop reassembles frames from the raw byte stream, resynchronising on
// the frame magic after corruption, and hands each payload to the frame
// handler.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/kabili207/rpi-messages-go/core/codec"
	"github.com/kabili207/rpi-messages-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate of the panel link.
	DefaultBaudRate = 115200

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// FrameHandler receives each valid frame payload. The slice is only valid
// during the call.
type FrameHandler func(payload []byte)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

type openFunc func(name string, mode *serial.Mode) (serial.Port, error)

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg          Config
	port         serial.Port
	log          *slog.Logger
	mu           sync.RWMutex
	writeMu      sync.Mutex
	connected    bool
	cancel       context.CancelFunc
	done         chan struct{}
	frameHandler FrameHandler
	stateHandler transport.StateHandler

	open openFunc
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:  cfg,
		log:  cfg.Logger.WithGroup("serial"),
		open: serial.Open,
	}
}

// Start opens the serial port and begins reading frames.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
	}

	port, err := t.open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.cancel = cancel
	t.done = done
	handler := t.stateHandler
	t.mu.Unlock()

	go t.readLoop(readCtx, port, done)

	t.log.Info("connected to serial port", "port", t.cfg.Port, "baud", t.cfg.BaudRate)

	if handler != nil {
		handler(t, transport.EventConnected)
	}

	return nil
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	t.mu.Lock()
	handler := t.stateHandler
	cancel := t.cancel
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if port != nil {
		err = port.Close()
	}

	// Wait for read loop to finish
	if done != nil {
		<-done
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}

	return err
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetFrameHandler sets the callback for incoming frames.
func (t *Transport) SetFrameHandler(fn FrameHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frameHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// Write sends already framed bytes. Concurrent writes are serialized so
// frames never interleave.
func (t *Transport) Write(frames []byte) (int, error) {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return 0, errors.New("not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	n, err := port.Write(frames)
	if err != nil {
		return n, fmt.Errorf("writing to serial port: %w", err)
	}
	return n, nil
}

// readLoop continuously reads from the serial port and assembles frames.
func (t *Transport) readLoop(ctx context.Context, port io.Reader, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // context cancelled, clean shutdown
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.log.Error("serial read error", "error", err)
			}
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processFrames(assemblyBuf)
	}
}

// processFrames extracts complete frames from the buffer and dispatches
// their payloads. Returns any remaining bytes that don't form a complete
// frame.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= codec.MinFrameSize {
		payload, remaining, err := codec.DecodeFrame(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data // wait for more data
			}
			// Bad frame, try to find the next magic bytes
			if idx := codec.FindMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			// keep a trailing first magic byte, its partner may follow
			if data[len(data)-1] == byte(codec.FrameMagic>>8) {
				return data[len(data)-1:]
			}
			return nil
		}

		data = remaining

		t.mu.RLock()
		handler := t.frameHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(payload)
		}
	}

	return data
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if err != nil {
		t.log.Error("serial disconnected", "error", err)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
