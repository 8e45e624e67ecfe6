// Package presence tracks when each display device last polled the backend.
//
// Devices poll on a fixed interval, so one that has been silent for several
// intervals has most likely lost power or network. The Tracker remembers the
// last poll per device and reports devices that go silent for longer than
// the configured timeout.
package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kabili207/rpi-messages-go/core/protocol"
)

const (
	// DefaultTimeout is how long a device may stay silent before it is
	// reported. Three missed 60 second polls.
	DefaultTimeout = 3 * time.Minute

	// checkInterval is the resolution of the silence check loop.
	checkInterval = 5 * time.Second
)

// Seen describes the last poll of a device.
type Seen struct {
	ID       protocol.DeviceID
	LastSeen time.Time
	Remote   string
	// Silent is set once the device exceeded the timeout, and cleared on
	// its next poll.
	Silent bool
}

// Config configures a Tracker.
type Config struct {
	// Timeout after which a silent device is reported. Default: 3 minutes.
	Timeout time.Duration

	// OnSilent is called once per silence period, outside the lock.
	OnSilent func(Seen)

	// Logger for presence events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker records device polls.
type Tracker struct {
	cfg     Config
	log     *slog.Logger
	mu      sync.Mutex
	devices map[protocol.DeviceID]*Seen

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("presence"),
		devices: make(map[protocol.DeviceID]*Seen),
		nowFn:   time.Now,
	}
}

// Touch records a poll from id.
func (t *Tracker) Touch(id protocol.DeviceID, remote string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.devices[id]
	if !ok {
		t.log.Info("device online", "device", id, "remote", remote)
		s = &Seen{ID: id}
		t.devices[id] = s
	} else if s.Silent {
		t.log.Info("device back online", "device", id, "remote", remote, "silent_for", t.nowFn().Sub(s.LastSeen))
	}
	s.LastSeen = t.nowFn()
	s.Remote = remote
	s.Silent = false
}

// Get returns the last poll of id.
func (t *Tracker) Get(id protocol.DeviceID) (Seen, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.devices[id]
	if !ok {
		return Seen{}, false
	}
	return *s, true
}

// All returns every known device ordered by id.
func (t *Tracker) All() []Seen {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Seen, 0, len(t.devices))
	for _, s := range t.devices {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Seen) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// CheckTimeouts marks devices silent for longer than the timeout and fires
// OnSilent for each newly silent one.
func (t *Tracker) CheckTimeouts() {
	t.mu.Lock()
	now := t.nowFn()
	var silent []Seen
	for _, s := range t.devices {
		if !s.Silent && now.Sub(s.LastSeen) > t.cfg.Timeout {
			s.Silent = true
			silent = append(silent, *s)
		}
	}
	onSilent := t.cfg.OnSilent
	t.mu.Unlock()

	// Fire callbacks outside the lock
	for _, s := range silent {
		t.log.Warn("device silent", "device", s.ID, "last_seen", s.LastSeen)
		if onSilent != nil {
			onSilent(s)
		}
	}
}

// Run checks for silent devices until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.CheckTimeouts()
		}
	}
}
