// Command rpimsg-server runs the message backend: the device session
// listener, the HTTP API, the optional MQTT ingest and the mDNS
// advertisement.
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
)

var (
	cfgFile  string
	logLevel string
	logger   *slog.Logger
	cfg      *config.ServerConfig
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rpimsg-server",
		Short:         "Serve messages to display devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadServer(cfgFile)
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
			return serve(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("RPIMSG_CONFIG"), "config file path (or set RPIMSG_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(devicesCmd())

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
