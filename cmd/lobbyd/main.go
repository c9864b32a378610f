package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/relaylobby/internal/adapters/http"
	"github.com/dkeye/relaylobby/internal/adapters/relayhub"
	"github.com/dkeye/relaylobby/internal/config"
	"github.com/dkeye/relaylobby/internal/directory"
	"github.com/dkeye/relaylobby/internal/metrics"
)

func main() {
	flags := pflag.NewFlagSet("lobbyd", pflag.ExitOnError)
	flags.Int("port", 8080, "listen port")
	flags.String("mode", "release", "gin mode: release, debug or test")
	flags.String("log-level", "info", "zerolog level")
	_ = flags.Parse(os.Args[1:])

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("lobbyd failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := relayhub.NewHub(relayhub.Options{
		SendQueue:  cfg.SendQueue,
		ReadLimit:  cfg.ReadLimit,
		WriteWait:  cfg.WriteWait,
		PingPeriod: cfg.PingPeriod,
	}, relayhub.SimplePolicy{}, m)

	clk := clock.New()
	limiter := router.NewCreateRateLimiter(cfg.CreateLimit, cfg.CreateInterval, clk)
	api := &router.DirectoryAPI{
		Backend: directory.NewMemory(),
		Limiter: limiter,
		Metrics: m,
	}

	r := router.SetupRouter(ctx, cfg, api, hub, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("lobbyd started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := clk.Ticker(cfg.CreateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Prune(); n > 0 {
					log.Debug().Int("owners", n).Msg("pruned rate limiter")
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
