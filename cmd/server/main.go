// ConHub — a context gateway for heterogeneous AI coding agents.
//
// This is the main entry point for the ConHub server. It provides:
//   - A versioned protocol for context exchange (resources, tools, prompts)
//   - A connector registry (filesystem, GitHub, knowledge, external proxies)
//   - Agent sessions with consultation routing
//   - Webhook ingestion with signature verification
//   - Policy enforcement (quotas, rate limits, resource rules)

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/conhub/conhub/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}

	if level, err := zerolog.ParseLevel(srv.Config.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	httpServer := &http.Server{
		Addr:         ":" + srv.Config.Port,
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", srv.Config.Port).Msg("conhub gateway listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
