package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimit is the sustained connections per second allowed from
	// one remote address.
	DefaultRateLimit rate.Limit = 5
	// DefaultRateBurst is the connection burst allowed from one address.
	DefaultRateBurst = 10

	// limiterIdle is how long an address keeps its limiter without
	// connecting.
	limiterIdle = 10 * time.Minute
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Addr to listen on. Empty picks a free port.
	Addr string
	// RateLimit and RateBurst bound new connections per remote IP.
	RateLimit rate.Limit
	RateBurst int
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server accepts device connections and hands each to a Handler.
type Server struct {
	cfg      ServerConfig
	handler  *Handler
	listener net.Listener
	log      *slog.Logger

	mu       sync.Mutex
	limiters map[string]*limiterEntry

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// Listen starts listening on cfg.Addr. Call Serve to accept connections.
func Listen(cfg ServerConfig, handler *Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("session: handler is required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", addr, err)
	}
	return &Server{
		cfg:      cfg,
		handler:  handler,
		listener: listener,
		log:      logger.WithGroup("listener"),
		limiters: make(map[string]*limiterEntry),
		closed:   make(chan struct{}),
		nowFn:    time.Now,
	}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called. It
// waits for in-flight connections before returning.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Info("accepting device sessions", "addr", s.Addr().String())
	defer s.wg.Wait()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return ctx.Err()
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("accept failed", "error", err)
				continue
			}
			return fmt.Errorf("accept connection: %w", err)
		}

		if !s.allow(conn.RemoteAddr()) {
			s.log.Warn("connection rate exceeded", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handler.ServeConn(ctx, conn); err != nil && ctx.Err() == nil {
				s.log.Warn("session aborted", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// Close stops accepting connections. Serve returns once in-flight
// connections finish.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.listener.Close()
	})
	return err
}

// allow applies the per-address token bucket.
func (s *Server) allow(addr net.Addr) bool {
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	for k, e := range s.limiters {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(s.limiters, k)
		}
	}
	e, ok := s.limiters[host]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst)}
		s.limiters[host] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
