// Package display implements the device's display activity.
//
// The Scheduler rotates through the active messages in the cache, one every
// DisplayDuration. A priority notification published to the mailbox
// preempts the rotation: it is rendered as soon as it arrives and held for
// PriorityDuration. Rendering failures are hard faults: they are logged and
// the rotation carries on.
package display

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/device/cache"
	"github.com/kabili207/rpi-messages-go/device/fault"
	"github.com/kabili207/rpi-messages-go/device/mailbox"
)

const (
	// DefaultDisplayDuration is how long a rotation item stays on screen.
	DefaultDisplayDuration = 5 * time.Second
	// DefaultPriorityDuration is how long a priority notification is held.
	DefaultPriorityDuration = 3 * time.Second
	// DefaultPlaceholder is shown when no message is active.
	DefaultPlaceholder = "No messages :("
)

// Style selects how text is drawn.
type Style int

const (
	// StyleNormal is black centered text on white.
	StyleNormal Style = iota
	// StylePriority is status text on a red background.
	StylePriority
)

func (s Style) String() string {
	switch s {
	case StyleNormal:
		return "normal"
	case StylePriority:
		return "priority"
	default:
		return "unknown"
	}
}

// Renderer draws content on the panel.
type Renderer interface {
	RenderText(text string, style Style) error
	RenderImage(image *[protocol.ImageBufferSize]byte) error
}

// Source yields the next item to show. It copies into dst so rendering
// never holds the cache.
type Source interface {
	NextFrame(lastShown time.Time, dst *cache.Frame) bool
}

// Config configures a Scheduler.
type Config struct {
	// DisplayDuration defaults to DefaultDisplayDuration.
	DisplayDuration time.Duration
	// PriorityDuration defaults to DefaultPriorityDuration.
	PriorityDuration time.Duration
	// Placeholder defaults to DefaultPlaceholder.
	Placeholder string
	// OnFault is called with render failures.
	OnFault func(err error)
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Scheduler is the display activity.
type Scheduler struct {
	cfg      Config
	log      *slog.Logger
	renderer Renderer
	source   Source
	priority *mailbox.Mailbox

	lastShown time.Time
	frame     cache.Frame

	// sleep allows overriding the priority hold for testing.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Scheduler.
func New(cfg Config, renderer Renderer, source Source, priority *mailbox.Mailbox) (*Scheduler, error) {
	if renderer == nil {
		return nil, errors.New("display: renderer is required")
	}
	if source == nil {
		return nil, errors.New("display: source is required")
	}
	if priority == nil {
		return nil, errors.New("display: priority mailbox is required")
	}
	if cfg.DisplayDuration <= 0 {
		cfg.DisplayDuration = DefaultDisplayDuration
	}
	if cfg.PriorityDuration <= 0 {
		cfg.PriorityDuration = DefaultPriorityDuration
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = DefaultPlaceholder
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cfg:      cfg,
		log:      logger.WithGroup("display"),
		renderer: renderer,
		source:   source,
		priority: priority,
		sleep:    sleepContext,
	}, nil
}

// Run repeats Step until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.Step(ctx); err != nil {
			return err
		}
	}
}

// Step waits up to DisplayDuration for a priority notification. If one
// arrives it is rendered and held for PriorityDuration; otherwise the next
// rotation item is rendered.
func (s *Scheduler) Step(ctx context.Context) error {
	n, ok := s.priority.Wait(ctx, s.cfg.DisplayDuration)
	if err := ctx.Err(); err != nil {
		return err
	}

	if ok {
		s.render(func() error { return s.renderer.RenderText(n.Text, StylePriority) })
		if err := s.sleep(ctx, s.cfg.PriorityDuration); err != nil {
			return err
		}
	}

	s.ShowNext()
	return nil
}

// ShowNext renders the next rotation item, or the placeholder when the
// cache holds nothing active.
func (s *Scheduler) ShowNext() {
	if !s.source.NextFrame(s.lastShown, &s.frame) {
		s.render(func() error { return s.renderer.RenderText(s.cfg.Placeholder, StyleNormal) })
		return
	}

	s.lastShown = s.frame.UpdatedAt
	switch s.frame.Kind {
	case protocol.KindText:
		s.render(func() error { return s.renderer.RenderText(s.frame.Text(), StyleNormal) })
	case protocol.KindImage:
		s.render(func() error { return s.renderer.RenderImage(&s.frame.Image) })
	}
}

// LastShown returns the UpdatedAt of the last rotation item rendered.
func (s *Scheduler) LastShown() time.Time {
	return s.lastShown
}

func (s *Scheduler) render(fn func() error) {
	if err := fn(); err != nil {
		err = fault.New(fault.KindDisplay, err)
		s.log.Error("render failed", "error", err)
		if s.cfg.OnFault != nil {
			s.cfg.OnFault(err)
		}
	}
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
