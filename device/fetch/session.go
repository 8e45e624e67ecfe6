// Package fetch implements the device side of the update protocol.
//
// A Session opens one TCP connection per cycle, asks the backend for the
// next message after its cursor, streams the announced payload straight
// into the message store and asks again until the backend has nothing
// more. It then closes the connection and sleeps for the fetch interval.
// Any failure tears the connection down, is reported as a fault and the
// session retries after the reconnect delay. The cursor survives
// reconnects, which gives at-least-once delivery.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/device/fault"
	"github.com/kabili207/rpi-messages-go/transport"
	"github.com/kabili207/rpi-messages-go/transport/tcp"
)

const (
	// DefaultFetchInterval is the pause after the backend reports no update.
	DefaultFetchInterval = 60 * time.Second
	// DefaultReconnectDelay is the pause after a failed cycle.
	DefaultReconnectDelay = 2 * time.Second
)

// Store receives fetched payloads. Implementations must copy the data;
// the buffers are reused for the next payload.
type Store interface {
	StoreText(u protocol.Update, text []byte) error
	StoreImage(u protocol.Update, image *[protocol.ImageBufferSize]byte) error
}

// Config configures a Session.
type Config struct {
	// DeviceID is sent with every poll.
	DeviceID protocol.DeviceID
	// Endpoint yields the backend address.
	Endpoint transport.Resolver
	// Dialer opens connections. Defaults to a tcp.Dialer with IOTimeout.
	Dialer transport.Dialer
	// IOTimeout bounds every read and write. Default: protocol.SocketTimeout.
	IOTimeout time.Duration
	// FetchInterval is the sleep after a NoUpdate. Default: 60s.
	FetchInterval time.Duration
	// ReconnectDelay is the sleep after a failure. Default: 2s.
	ReconnectDelay time.Duration
	// OnFault is called with every classified failure.
	OnFault func(err error)
	// OnStateChange is called on every state transition.
	OnStateChange func(from, to State)
	// Logger for session events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Session is the device's fetch state machine.
type Session struct {
	cfg   Config
	log   *slog.Logger
	store Store

	mu     sync.Mutex
	state  State
	cursor protocol.NullMessageID

	// receive buffers, allocated once with the session
	text  [protocol.TextBufferSize]byte
	image [protocol.ImageBufferSize]byte

	// sleep allows overriding the idle wait for testing.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Session writing into store.
func New(cfg Config, store Store) (*Session, error) {
	if cfg.Endpoint == nil {
		return nil, errors.New("fetch: endpoint is required")
	}
	if store == nil {
		return nil, errors.New("fetch: store is required")
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = protocol.SocketTimeout
	}
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = DefaultFetchInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &tcp.Dialer{Timeout: cfg.IOTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		cfg:   cfg,
		log:   logger.WithGroup("fetch"),
		store: store,
		sleep: sleepContext,
	}, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the highest message id consumed so far.
func (s *Session) Cursor() protocol.NullMessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}
	s.log.Debug("state change", "from", from, "to", to)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

func (s *Session) advance(id protocol.MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = s.cursor.Max(id)
}

// Run drives the session until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.RunCycle(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		delay := s.cfg.FetchInterval
		if err != nil {
			delay = s.cfg.ReconnectDelay
			s.reportFault(err)
		}

		s.setState(StateIdle)
		if err := s.sleep(ctx, delay); err != nil {
			s.setState(StateDisconnected)
			return err
		}
		s.setState(StateDisconnected)
	}
}

func (s *Session) reportFault(err error) {
	s.log.Warn("fetch cycle failed", "error", err, "class", fault.ClassOf(err), "cursor", s.Cursor())
	if s.cfg.OnFault != nil {
		s.cfg.OnFault(err)
	}
}

// RunCycle performs one connect-poll-close cycle. It returns nil when the
// backend reported no further update, or a *fault.Error.
func (s *Session) RunCycle(ctx context.Context) error {
	s.setState(StateConnecting)

	addr, err := s.cfg.Endpoint.Resolve(ctx)
	if err != nil {
		return fault.New(fault.KindServerConnect, err)
	}
	conn, err := s.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fault.New(fault.KindServerConnect, err)
	}
	conn = tcp.WithTimeout(conn, s.cfg.IOTimeout)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.log.Debug("connected", "addr", addr)

	for {
		done, err := s.poll(conn)
		if err != nil || done {
			return err
		}
	}
}

// poll runs one Polling and, if needed, one FetchingPayload step.
func (s *Session) poll(conn net.Conn) (done bool, err error) {
	s.setState(StatePolling)

	cmd := protocol.RequestUpdate(s.cfg.DeviceID, s.Cursor())
	if err := protocol.WriteMessage(conn, &cmd); err != nil {
		return false, fault.New(fault.KindSocket, err)
	}

	var res protocol.RequestUpdateResult
	if err := protocol.ReadMessage(conn, &res); err != nil {
		return false, classifyRead(err)
	}
	if err := res.Validate(); err != nil {
		return false, fault.New(fault.KindServerMessage, err)
	}

	switch res.Kind {
	case protocol.ResultNoUpdate:
		s.log.Debug("no update", "cursor", cmd.After)
		return true, nil
	case protocol.ResultUpdate:
		s.setState(StateFetchingPayload)
		if err := s.fetchPayload(conn, res.Update); err != nil {
			return false, err
		}
		s.advance(res.Update.ID)
		s.log.Info("update received", "id", res.Update.ID, "kind", res.Update.Kind, "lifetime", res.Update.Lifetime())
		return false, nil
	default:
		return false, fault.New(fault.KindServerMessage, fmt.Errorf("%w: result kind %d", protocol.ErrUnknownVariant, res.Kind))
	}
}

func (s *Session) fetchPayload(r io.Reader, u protocol.Update) error {
	switch u.Kind.Content {
	case protocol.KindText:
		buf := s.text[:u.Kind.Size()]
		if _, err := io.ReadFull(r, buf); err != nil {
			return fault.New(fault.KindSocket, fmt.Errorf("reading text payload: %w", err))
		}
		if !utf8.Valid(buf) {
			return fault.New(fault.KindServerMessage, errors.New("text payload is not valid UTF-8"))
		}
		if err := s.store.StoreText(u, buf); err != nil {
			return fault.New(fault.KindServerMessage, err)
		}
	case protocol.KindImage:
		if _, err := io.ReadFull(r, s.image[:]); err != nil {
			return fault.New(fault.KindSocket, fmt.Errorf("reading image payload: %w", err))
		}
		if err := s.store.StoreImage(u, &s.image); err != nil {
			return fault.New(fault.KindServerMessage, err)
		}
	default:
		return fault.New(fault.KindServerMessage, fmt.Errorf("%w: content kind %d", protocol.ErrUnknownVariant, u.Kind.Content))
	}
	return nil
}

func classifyRead(err error) error {
	var lerr *protocol.LengthExceededError
	if errors.As(err, &lerr) || errors.Is(err, protocol.ErrDecodeFailure) || errors.Is(err, protocol.ErrUnknownVariant) {
		return fault.New(fault.KindServerMessage, err)
	}
	return fault.New(fault.KindSocket, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
