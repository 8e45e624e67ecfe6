package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kabili207/rpi-messages-go/config"
	"github.com/kabili207/rpi-messages-go/core/clock"
	"github.com/kabili207/rpi-messages-go/discovery"
	"github.com/kabili207/rpi-messages-go/server/httpapi"
	"github.com/kabili207/rpi-messages-go/server/ingest"
	"github.com/kabili207/rpi-messages-go/server/presence"
	"github.com/kabili207/rpi-messages-go/server/repository"
	"github.com/kabili207/rpi-messages-go/server/session"
	"github.com/kabili207/rpi-messages-go/transport"
	"github.com/kabili207/rpi-messages-go/transport/mqtt"
)

const shutdownTimeout = 5 * time.Second

func openRepository(sc config.StorageConfig) (repository.Repository, error) {
	clk := clock.New()
	switch sc.Driver {
	case config.DriverSQLite:
		return repository.OpenSQLite(sc.Path, clk)
	case config.DriverMemory:
		if sc.Path == "" {
			return repository.NewMemory(clk), nil
		}
		return repository.OpenMemory(sc.Path, clk)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

func serve(ctx context.Context) error {
	repo, err := openRepository(cfg.Storage)
	if err != nil {
		return err
	}
	defer repo.Close()

	if cfg.Storage.Seed {
		ids, err := repository.Seed(ctx, repo, repository.SampleDeviceID, cfg.Messages.Lifetime)
		if err != nil {
			return err
		}
		logger.Info("seeded sample conversation", "device", repository.SampleDeviceID, "ids", ids)
	}

	tracker := presence.New(presence.Config{
		Timeout: cfg.Presence.Timeout,
		Logger:  logger,
	})

	handler := session.NewHandler(repo, session.HandlerConfig{
		IOTimeout: cfg.Session.IOTimeout,
		Presence:  tracker,
		Logger:    logger,
	})
	srv, err := session.Listen(session.ServerConfig{
		Addr:      cfg.Session.Listen,
		RateLimit: rate.Limit(cfg.Session.RateLimit),
		RateBurst: cfg.Session.RateBurst,
		Logger:    logger,
	}, handler)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return tracker.Run(gctx) })

	if cfg.HTTP.Enabled {
		api := httpapi.New(repo, httpapi.Config{
			Lifetime: cfg.Messages.Lifetime,
			Presence: tracker,
			Logger:   logger,
		})
		httpSrv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http api listening", "addr", cfg.HTTP.Listen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if cfg.MQTT.Enabled {
		link := mqtt.New(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			UseTLS:      cfg.MQTT.TLS,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Logger:      logger,
		})
		ing := ingest.New(repo, ingest.Config{
			TopicPrefix: link.TopicPrefix(),
			Lifetime:    cfg.Messages.Lifetime,
			Publisher:   link,
			Logger:      logger,
		})
		link.SetMessageHandler(ing.HandleMessage)
		link.SetStateHandler(func(_ transport.Transport, ev transport.Event) {
			logger.Info("mqtt link", "event", ev)
		})
		// the session listener keeps serving while the broker is unreachable
		g.Go(func() error {
			err := transport.Run(gctx, link, cfg.MQTT.RetryDelay, logger.With("broker", cfg.MQTT.Broker))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if cfg.Discovery.Enabled {
		port := 0
		if tcpAddr, ok := srv.Addr().(*net.TCPAddr); ok {
			port = tcpAddr.Port
		}
		adv, err := discovery.Advertise(discovery.Config{
			Instance: cfg.Discovery.Instance,
			Port:     port,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("mdns advertisement failed", "error", err)
		} else {
			defer adv.Stop()
		}
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}
