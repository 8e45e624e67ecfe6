// Package device wires the display device together.
//
// A Device runs two independent activities: the fetch session, which pulls
// messages from the backend into the cache, and the display scheduler,
// which rotates through them. They only communicate through Shared: the
// mutex-guarded cache and the latest-wins priority mailbox. Fetch faults
// are turned into priority notifications so the user sees them.
package device

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kabili207/rpi-messages-go/core/clock"
	"github.com/kabili207/rpi-messages-go/core/protocol"
	"github.com/kabili207/rpi-messages-go/device/cache"
	"github.com/kabili207/rpi-messages-go/device/display"
	"github.com/kabili207/rpi-messages-go/device/fault"
	"github.com/kabili207/rpi-messages-go/device/fetch"
	"github.com/kabili207/rpi-messages-go/device/mailbox"
	"github.com/kabili207/rpi-messages-go/transport"
)

// DefaultBootMessage is shown while the first fetch is in flight.
const DefaultBootMessage = "Booting..."

// Config configures a Device.
type Config struct {
	DeviceID protocol.DeviceID
	// Endpoint yields the backend session address.
	Endpoint transport.Resolver
	// Dialer defaults to a tcp.Dialer.
	Dialer transport.Dialer
	// Renderer draws on the panel.
	Renderer display.Renderer

	IOTimeout        time.Duration
	FetchInterval    time.Duration
	ReconnectDelay   time.Duration
	DisplayDuration  time.Duration
	PriorityDuration time.Duration

	// BootMessage defaults to DefaultBootMessage.
	BootMessage string
	// Clock defaults to the system clock.
	Clock *clock.Clock
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Device is the running device.
type Device struct {
	cfg       Config
	log       *slog.Logger
	shared    *Shared
	session   *fetch.Session
	scheduler *display.Scheduler
}

// New builds a Device and its activities.
func New(cfg Config) (*Device, error) {
	if cfg.DeviceID == 0 {
		cfg.DeviceID = protocol.DefaultDeviceID
	}
	if cfg.BootMessage == "" {
		cfg.BootMessage = DefaultBootMessage
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("device", cfg.DeviceID)

	d := &Device{
		cfg:    cfg,
		log:    logger,
		shared: NewShared(cache.New(cfg.Clock), mailbox.New()),
	}

	session, err := fetch.New(fetch.Config{
		DeviceID:       cfg.DeviceID,
		Endpoint:       cfg.Endpoint,
		Dialer:         cfg.Dialer,
		IOTimeout:      cfg.IOTimeout,
		FetchInterval:  cfg.FetchInterval,
		ReconnectDelay: cfg.ReconnectDelay,
		OnFault:        d.onFetchFault,
		Logger:         logger,
	}, d.shared)
	if err != nil {
		return nil, err
	}

	scheduler, err := display.New(display.Config{
		DisplayDuration:  cfg.DisplayDuration,
		PriorityDuration: cfg.PriorityDuration,
		Logger:           logger,
	}, cfg.Renderer, d.shared, d.shared.Priority)
	if err != nil {
		return nil, err
	}

	d.session = session
	d.scheduler = scheduler
	return d, nil
}

// Shared returns the state shared by both activities.
func (d *Device) Shared() *Shared { return d.shared }

// Session returns the fetch session.
func (d *Device) Session() *fetch.Session { return d.session }

// Run starts both activities and blocks until ctx is cancelled or one of
// them fails.
func (d *Device) Run(ctx context.Context) error {
	d.log.Info("device starting")
	d.shared.Notify(d.cfg.BootMessage, d.cfg.Clock.Now())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.session.Run(gctx) })
	g.Go(func() error { return d.scheduler.Run(gctx) })

	err := g.Wait()
	d.shared.Priority.Close()
	d.log.Info("device stopped", "dropped_notifications", d.shared.Priority.Drops())

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Device) onFetchFault(err error) {
	if fault.ClassOf(err) == fault.Hard {
		d.log.Error("hard fault", "error", err)
	}
	d.shared.Notify(fault.StatusText(err), d.cfg.Clock.Now())
}
