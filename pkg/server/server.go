// Package server provides the public entry point for initializing the
// ConHub gateway.
//
// This package exists in pkg/ (not internal/) so that deployments can
// compose the gateway with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":"+srv.Config.Port, srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conhub/conhub/internal/api"
	"github.com/conhub/conhub/internal/config"
	"github.com/conhub/conhub/internal/connector"
	"github.com/conhub/conhub/internal/gateway"
	"github.com/conhub/conhub/internal/rules"
	"github.com/conhub/conhub/internal/sessions"
	"github.com/conhub/conhub/internal/telemetry"
	"github.com/conhub/conhub/internal/webhooks"
)

const sweepInterval = time.Minute

// Server holds the initialized ConHub gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Config is the loaded configuration.
	Config *config.Config

	// Registry is exposed so operators can reload connectors in place.
	Registry *connector.Registry

	// Sessions tracks agents, connections and chat sessions.
	Sessions *sessions.Manager

	webhooks *webhooks.Service
	stop     context.CancelFunc
	flush    func(context.Context) error
}

// New initializes all gateway components from the environment and
// returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	flush, err := telemetry.Init(ctx, cfg.OTLPEndpoint, "conhub", gateway.ServerVersion)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	eng := rules.NewEngine(nil)

	builders := connector.DefaultBuilders()
	configs := make(map[string]connector.BuildConfig, len(builders))
	for id := range builders {
		configs[id] = connector.BuildConfig{
			ID:       id,
			Endpoint: cfg.ConnectorEndpoints[id],
			Options:  cfg.ConnectorOptions[id],
		}
	}
	reg := connector.NewRegistry(builders, configs,
		connector.WithHealthInterval(cfg.HealthCheckInterval))
	if err := reg.Load(ctx); err != nil {
		flush(ctx)
		return nil, fmt.Errorf("load connectors: %w", err)
	}
	log.Info().Strs("connectors", reg.IDs()).Msg("connector registry loaded")

	gw := gateway.New(reg, eng, cfg.DefaultConnector)

	cm := sessions.NewConnectionManager(eng, cfg.ConnIdleTimeout)
	sm := sessions.NewManager(cm, gw)

	providers := make(map[string]webhooks.ProviderConfig, len(cfg.WebhookSecrets))
	for provider, secret := range cfg.WebhookSecrets {
		providers[provider] = webhooks.ProviderConfig{
			Secret:    secret,
			Algorithm: cfg.WebhookAlgorithms[provider],
		}
	}
	wh := webhooks.NewService(webhooks.Config{
		Providers:     providers,
		QueueSize:     cfg.WebhookQueueSize,
		RatePerSecond: cfg.WebhookRatePerSec,
	}, eng, sm)

	bgCtx, cancel := context.WithCancel(context.Background())
	reg.StartHealthMonitor(bgCtx)
	cm.StartSweeper(bgCtx, sweepInterval)
	wh.Start(bgCtx)
	go sessionSweeper(bgCtx, sm, cfg.SessionMaxAge)

	a := api.New(cfg, sm, reg, gw, wh)

	return &Server{
		Handler:  a.Router(),
		Config:   cfg,
		Registry: reg,
		Sessions: sm,
		webhooks: wh,
		stop:     cancel,
		flush:    flush,
	}, nil
}

// Shutdown stops background workers, cleans up connectors and flushes
// telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	s.webhooks.Wait()
	s.Registry.Shutdown(ctx)
	return s.flush(ctx)
}

func sessionSweeper(ctx context.Context, sm *sessions.Manager, maxAge time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sm.SweepExpired(now, maxAge); n > 0 {
				log.Debug().Int("sessions", n).Msg("expired sessions swept")
			}
		}
	}
}
