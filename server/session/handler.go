// Package session serves device polls on the backend.
//
// A device connects, sends RequestUpdate commands and reads back either an
// Update header immediately followed by the raw payload, or NoUpdate, after
// which the backend closes the connection. A malformed command ends only
// the connection it arrived on.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/server/presence"
	"github.com/kabili207/rpi-messages-go/server/repository"
	"github.com/kabili207/rpi-messages-go/transport/tcp"
)

// ErrUnknownCommand is returned for a command variant the handler does not
// serve.
var ErrUnknownCommand = errors.New("unknown command")

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// IOTimeout bounds every read and write. Default: protocol.SocketTimeout.
	IOTimeout time.Duration
	// Presence, if set, is touched on every decoded poll.
	Presence *presence.Tracker
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Handler answers the polls on one connection at a time.
type Handler struct {
	repo     repository.Repository
	presence *presence.Tracker
	timeout  time.Duration
	log      *slog.Logger
}

// NewHandler creates a Handler reading from repo.
func NewHandler(repo repository.Repository, cfg HandlerConfig) *Handler {
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = protocol.SocketTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		presence: cfg.Presence,
		timeout:  cfg.IOTimeout,
		log:      logger.WithGroup("session"),
	}
}

// ServeConn answers polls on conn until the device has nothing left to
// fetch, the device hangs up, or an error occurs. The connection is closed
// on return.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	conn = tcp.WithTimeout(conn, h.timeout)
	log := h.log.With("remote", remote)

	for {
		var cmd protocol.ClientCommand
		if err := protocol.ReadMessage(conn, &cmd); err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("device hung up")
				return nil
			}
			return fmt.Errorf("read command from %s: %w", remote, err)
		}
		if cmd.Kind != protocol.CommandRequestUpdate {
			return fmt.Errorf("%w: %d from %s", ErrUnknownCommand, cmd.Kind, remote)
		}

		if h.presence != nil {
			h.presence.Touch(cmd.DeviceID, remote)
		}

		more, err := h.respond(ctx, conn, cmd)
		if err != nil {
			return fmt.Errorf("answer %s: %w", cmd.DeviceID, err)
		}
		if !more {
			return nil
		}
	}
}

// respond sends the reply to one RequestUpdate. It reports whether the
// connection stays open for another poll.
func (h *Handler) respond(ctx context.Context, w io.Writer, cmd protocol.ClientCommand) (bool, error) {
	msg, err := h.repo.NextMessage(ctx, cmd.DeviceID, cmd.After)
	if err != nil {
		return false, err
	}
	if msg == nil {
		res := protocol.NoUpdate()
		h.log.Debug("no update", "device", cmd.DeviceID, "after", cmd.After)
		return false, protocol.WriteMessage(w, &res)
	}

	res := protocol.UpdateResult(msg.Update())
	if err := res.Validate(); err != nil {
		return false, fmt.Errorf("stored message %s: %w", msg.ID, err)
	}
	if err := protocol.WriteMessage(w, &res); err != nil {
		return false, err
	}
	if payload := msg.Content.Bytes(); len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return false, fmt.Errorf("writing payload: %w", err)
		}
	}
	h.log.Info("update sent", "device", cmd.DeviceID, "id", msg.ID, "kind", res.Update.Kind)
	return true, nil
}
