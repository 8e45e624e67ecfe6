// Command rpimsg-device runs a display device: it polls the backend for
// messages and rotates through them on the panel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kabili207/rpi-messages-go/config"
	"github.com/kabili207/rpi-messages-go/device"
	"github.com/kabili207/rpi-messages-go/device/display"
	"github.com/kabili207/rpi-messages-go/device/panel"
	"github.com/kabili207/rpi-messages-go/discovery"
	"github.com/kabili207/rpi-messages-go/transport"
	"github.com/kabili207/rpi-messages-go/transport/serial"
	"github.com/kabili207/rpi-messages-go/transport/tcp"
)

var (
	cfgFile  string
	logLevel string
	logger   *slog.Logger
	cfg      *config.DeviceConfig
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rpimsg-device",
		Short:         "Show messages from the backend on the panel",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadDevice(cfgFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			logger, err = cfg.Logging.NewLogger(os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("RPIMSG_CONFIG"), "config file path (or set RPIMSG_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	endpoint, err := newEndpoint()
	if err != nil {
		return err
	}

	renderer, stop, err := newRenderer(ctx)
	if err != nil {
		return err
	}
	defer stop()

	d, err := device.New(device.Config{
		DeviceID:         cfg.DeviceID,
		Endpoint:         endpoint,
		Dialer:           &tcp.Dialer{Timeout: cfg.Server.IOTimeout},
		Renderer:         renderer,
		IOTimeout:        cfg.Server.IOTimeout,
		FetchInterval:    cfg.Server.FetchInterval,
		ReconnectDelay:   cfg.Server.ReconnectDelay,
		DisplayDuration:  cfg.Display.Duration,
		PriorityDuration: cfg.Display.PriorityDuration,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	err = d.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newEndpoint() (transport.Resolver, error) {
	if cfg.Server.Address != "" {
		return transport.StaticEndpoint(cfg.Server.Address), nil
	}
	logger.Info("no server address configured, discovering backend over mDNS")
	resolver, err := discovery.NewResolver(discovery.Config{
		Instance:    cfg.Discovery.Instance,
		ScanTimeout: cfg.Discovery.ScanTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return resolver, nil
}

func newRenderer(ctx context.Context) (display.Renderer, func(), error) {
	switch cfg.Panel.Driver {
	case config.PanelSerial:
		link := serial.New(serial.Config{
			Port:     cfg.Panel.Port,
			BaudRate: cfg.Panel.BaudRate,
			Logger:   logger,
		})
		r := panel.NewSerial(link, logger)
		link.SetFrameHandler(r.HandleFrame)
		link.SetStateHandler(func(_ transport.Transport, ev transport.Event) {
			logger.Info("panel link", "event", ev)
		})
		if err := link.Start(ctx); err != nil {
			return nil, nil, err
		}
		return r, func() { _ = link.Stop() }, nil
	default:
		return panel.NewLog(logger), func() {}, nil
	}
}
