// Package app wires the lobbyctl services with fx. Each constructor registers its
// teardown as it is built, so fx stops them in reverse: the tick runner, the
// orchestrator, the loop, the directory, the transport and finally the substrate.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dkeye/relaylobby/internal/app/loop"
	"github.com/dkeye/relaylobby/internal/app/orch"
	"github.com/dkeye/relaylobby/internal/config"
	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/directory"
	"github.com/dkeye/relaylobby/internal/domain"
	"github.com/dkeye/relaylobby/internal/relay/wsrelay"
	"github.com/dkeye/relaylobby/internal/transport"
)

const dialTimeout = 10 * time.Second

// Module provides the relay substrate, transport, directory client, tick loop and
// orchestrator. It needs a *config.Config supplied by the caller.
var Module = fx.Module("app",
	fx.Provide(
		ProvideSubstrate,
		ProvideTransport,
		ProvideDirectory,
		ProvideLoop,
		ProvideOrchestrator,
	),
	fx.Invoke(runLoop),
)

// ProvideSubstrate dials the relay hub as cfg.Identity.
func ProvideSubstrate(lc fx.Lifecycle, cfg *config.Config) (core.Substrate, error) {
	id := domain.Identity(cfg.Identity)
	if !id.Valid() {
		return nil, errors.New("identity is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	sub, err := wsrelay.Dial(ctx, wsrelay.Options{
		URL:        cfg.RelayURL,
		Identity:   id,
		SendQueue:  cfg.SendQueue,
		WriteWait:  cfg.WriteWait,
		PingPeriod: cfg.PingPeriod,
		ReadLimit:  cfg.ReadLimit,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			select {
			case <-sub.Ready():
				log.Info().Str("module", "app").Str("identity", id.String()).Msg("relay ready")
				return nil
			case <-sub.Done():
				return fmt.Errorf("relay closed before ready")
			case <-ctx.Done():
				return fmt.Errorf("waiting for relay: %w", ctx.Err())
			}
		},
		OnStop: func(context.Context) error {
			return sub.Close()
		},
	})
	return sub, nil
}

func ProvideTransport(lc fx.Lifecycle, sub core.Substrate) *transport.Transport {
	tr := transport.New(sub)
	lc.Append(fx.StopHook(tr.Shutdown))
	return tr
}

// ProvideDirectory builds the directory client over lobbyd's REST API.
func ProvideDirectory(lc fx.Lifecycle, cfg *config.Config) (*directory.Client, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	backend, err := directory.NewHTTPBackend(cfg.DirectoryURL, httpClient)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(httpClient.CloseIdleConnections))
	return directory.NewClient(backend, domain.Identity(cfg.Identity), cfg.FilterTag), nil
}

func ProvideLoop(lc fx.Lifecycle, cfg *config.Config, sub core.Substrate, tr *transport.Transport) *loop.Loop {
	l := loop.New(sub, tr, loop.WithInterval(cfg.TickInterval))
	lc.Append(fx.StopHook(l.Close))
	return l
}

func ProvideOrchestrator(lc fx.Lifecycle, tr *transport.Transport, dir *directory.Client, l *loop.Loop) *orch.Orchestrator {
	o := orch.New(tr, dir, l)
	o.RegisterEvents()
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return o.Shutdown(ctx)
		},
	})
	return o
}

// runLoop ticks the loop between start and stop. Its stop hook is appended last,
// so ticking ends before anything else is torn down.
func runLoop(lc fx.Lifecycle, l *loop.Loop, _ *orch.Orchestrator) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() { done <- l.Run(ctx) }()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case err := <-done:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			case <-stopCtx.Done():
				return multierr.Append(errors.New("tick loop did not stop"), stopCtx.Err())
			}
		},
	})
}
