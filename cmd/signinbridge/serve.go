package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/actions"
	"github.com/nugget/signinbridge/internal/api"
	"github.com/nugget/signinbridge/internal/buildinfo"
	"github.com/nugget/signinbridge/internal/connwatch"
	"github.com/nugget/signinbridge/internal/homeassistant"
	"github.com/nugget/signinbridge/internal/mqtt"
	"github.com/nugget/signinbridge/internal/presence"
)

// runServe runs the bridge until ctx is cancelled or SIGINT/SIGTERM
// arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := loggerFor(stdout, cfg)
	logger.Info("starting signinbridge",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit(),
		"config", cfgPath,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Home Assistant ---
	ha := newHAClient(cfg, logger)
	var haWS *homeassistant.WSClient
	if ha != nil {
		haWS = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		defer haWS.Close()
	} else {
		logger.Warn("Home Assistant not configured; events, device lookup and office location are disabled")
	}

	tz := resolveTimezone(ctx, cfg, ha, logger)

	// --- Accounts ---
	regOpts := []account.RegistryOption{account.WithRegistryLogger(logger)}
	if haWS != nil {
		regOpts = append(regOpts, account.WithDeviceDirectory(haWS, 0))
	}
	registry := account.NewRegistry(regOpts...)
	accounts := &accountSync{
		store:    store,
		registry: registry,
		newClient: func(a account.Account) account.Remote {
			return newVendorClient(cfg, a.Token, tz, logger.With("account", a.ID))
		},
		logger: logger,
	}
	if _, _, err := accounts.sync(ctx); err != nil {
		return err
	}
	n := registry.Len()
	if n == 0 {
		logger.Warn("no accounts configured; add one with: signinbridge connect <code>")
	}
	logger.Info("accounts loaded", "count", n, "timezone", tz)

	// --- Presence and actions ---
	service := &presence.Service{Registry: registry, Logger: logger}
	if ha != nil {
		service.Locations = ha
	}
	dispatcher := actions.NewDispatcher(actions.DispatcherConfig{
		Registry:      registry,
		Presence:      service,
		RatePerMinute: cfg.Actions.RatePerMinute,
		Burst:         cfg.Actions.Burst,
		Logger:        logger,
	})
	dispatch := func(ctx context.Context, source string, req actions.Request) {
		out, err := dispatcher.Dispatch(ctx, req)
		if err != nil {
			logger.Warn("action failed", "source", source,
				"action", req.Action, "device", req.Device, "error", err)
			return
		}
		logger.Info("action completed", "source", source,
			"account", out.AccountID, "direction", out.Direction,
			"site_type", out.SiteType, "skipped", out.Skipped)
	}

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- MQTT ---
	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		pub = mqtt.New(cfg.MQTT, instanceID, registry, func(ctx context.Context, req actions.Request) {
			dispatch(ctx, "mqtt", req)
		}, logger)
	}

	// --- Status poller ---
	var sink presence.Sink
	if pub != nil {
		sink = pub
	}
	poller := newStatusPoller(registry, service, sink, cfg.SignInApp.PollInterval, logger)

	if pub != nil {
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "mqtt",
			Probe: pub.AwaitConnection,
		})
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"base_topic", cfg.MQTT.BaseTopic,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}
	go poller.Start(ctx)

	accounts.onAdded = poller.RequestRefresh
	accounts.onRemoved = func(ctx context.Context, id string) {
		poller.Forget(id)
		dispatcher.Forget(id)
		if pub == nil {
			return
		}
		if err := pub.RemoveAccount(ctx, id); err != nil {
			logger.Warn("failed to remove account from mqtt", "account", id, "error", err)
		}
	}
	go accounts.run(ctx, accountSyncInterval)

	// --- Home Assistant ---
	if ha != nil {
		// The REST API serves office locations; a failing probe shows
		// up in /health before a sign-in degrades to the null location.
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "homeassistant_api",
			Probe: ha.Ping,
		})
	}
	if haWS != nil {
		subs := &eventSubscriptions{ws: haWS, types: cfg.HomeAssistant.Events}
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "homeassistant",
			Probe: func(pCtx context.Context) error {
				if !haWS.Connected() {
					if err := haWS.Reconnect(pCtx); err != nil {
						return err
					}
				}
				return subs.ensure(pCtx)
			},
			Dropped: haWS.Lost,
			OnReady: func() {
				infoCtx, infoCancel := context.WithTimeout(ctx, 10*time.Second)
				defer infoCancel()
				if haCfg, err := ha.GetConfig(infoCtx); err == nil {
					logger.Info("connected to Home Assistant",
						"url", cfg.HomeAssistant.URL,
						"version", haCfg.Version,
						"location", haCfg.LocationName,
					)
				}
			},
		})

		watcher := homeassistant.NewEventWatcher(haWS.Events(), cfg.HomeAssistant.Events,
			func(ctx context.Context, eventType string, data map[string]any) {
				req, err := actions.DecodeEventData(eventType, data)
				if err != nil {
					logger.Warn("ignoring Home Assistant event", "event_type", eventType, "error", err)
					return
				}
				dispatch(ctx, "homeassistant", req)
			}, logger)
		go watcher.Run(ctx)
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, registry, dispatcher, poller, logger)
	server.SetLinks(connMgr)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish "offline" before the connection drops so HA marks
		// entities unavailable immediately.
		if pub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := pub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("signinbridge stopped")
	return nil
}

// newStatusPoller builds the poller and hooks it to service so every
// accepted action queues a refresh. It must run before anything that
// can dispatch an action is started.
func newStatusPoller(registry *account.Registry, service *presence.Service, sink presence.Sink, interval time.Duration, logger *slog.Logger) *presence.Poller {
	poller := presence.NewPoller(presence.PollerConfig{
		Registry:     registry,
		Sink:         sink,
		PollInterval: interval,
		Logger:       logger,
	})
	service.OnSubmitted = poller.RequestRefresh
	return poller
}

// eventSubscriptions subscribes the WebSocket to each configured event
// type once. Later reconnects restore them inside the client.
type eventSubscriptions struct {
	ws    *homeassistant.WSClient
	types []string

	mu   sync.Mutex
	done map[string]bool
}

func (s *eventSubscriptions) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(map[string]bool, len(s.types))
	}

	var errs []error
	for _, t := range s.types {
		if s.done[t] {
			continue
		}
		if err := s.ws.Subscribe(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", t, err))
			continue
		}
		s.done[t] = true
	}
	return errors.Join(errs...)
}
