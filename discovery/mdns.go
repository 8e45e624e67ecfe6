// Package discovery lets devices find the backend on the local network.
//
// The backend advertises its session port as an mDNS service. A device
// without a configured server address browses for the service and connects
// to the first instance that answers.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/transport"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_rpimsg._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultInstance names the advertised backend.
	DefaultInstance = "rpi-messages"
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
)

// ErrNotFound is returned when no backend answered within the scan timeout.
var ErrNotFound = errors.New("no backend found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and resolution.
type Config struct {
	Service     string
	Domain      string
	Instance    string
	ScanTimeout time.Duration

	// Port is the advertised session port.
	Port int

	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Instance == "" {
		out.Instance = DefaultInstance
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Advertiser publishes the backend session endpoint.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the backend service.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if cfg.Port <= 0 {
		return nil, errors.New("advertised port must be > 0")
	}

	txt := []string{
		"version=" + strconv.Itoa(protocol.ProtocolVersion),
	}
	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	cfg.Logger.WithGroup("discovery").Info("advertising backend", "service", cfg.Service, "port", cfg.Port)
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

var _ transport.Resolver = (*Resolver)(nil)

// Resolver finds the backend by browsing for its service. The last found
// address is reused when a later browse comes back empty.
type Resolver struct {
	cfg    Config
	log    *slog.Logger
	browse browseFunc

	mu   sync.Mutex
	last string
}

// NewResolver creates a Resolver.
func NewResolver(config Config) (*Resolver, error) {
	cfg := config.withDefaults()
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}
	return &Resolver{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("discovery"),
		browse: browse,
	}, nil
}

// Resolve implements transport.Resolver.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	addr, err := r.scan(ctx)
	if err == nil {
		r.mu.Lock()
		if r.last != addr {
			r.log.Info("found backend", "addr", addr)
		}
		r.last = addr
		r.mu.Unlock()
		return addr, nil
	}

	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	if last != "" && ctx.Err() == nil {
		r.log.Debug("browse failed, reusing last address", "addr", last, "error", err)
		return last, nil
	}
	return "", err
}

func (r *Resolver) scan(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := r.browse(ctx, r.cfg.Service, r.cfg.Domain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", r.cfg.Service, err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if addr, ok := entryAddress(entry); ok {
				return addr, nil
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

// entryAddress picks a dialable address, preferring IPv4.
func entryAddress(e *zeroconf.ServiceEntry) (string, bool) {
	if e == nil || e.Port <= 0 {
		return "", false
	}
	for _, txt := range e.Text {
		if v, ok := strings.CutPrefix(txt, "version="); ok && v != strconv.Itoa(protocol.ProtocolVersion) {
			return "", false
		}
	}
	port := strconv.Itoa(e.Port)
	for _, ip := range e.AddrIPv4 {
		return net.JoinHostPort(ip.String(), port), true
	}
	for _, ip := range e.AddrIPv6 {
		return net.JoinHostPort(ip.String(), port), true
	}
	return "", false
}
