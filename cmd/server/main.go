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

	"github.com/npezzotti/story-pointer/internal/api"
	"github.com/npezzotti/story-pointer/internal/backend"
	"github.com/npezzotti/story-pointer/internal/config"
	"github.com/npezzotti/story-pointer/internal/pruner"
	"github.com/npezzotti/story-pointer/internal/retry"
	"github.com/npezzotti/story-pointer/internal/server"
	"github.com/npezzotti/story-pointer/internal/stats"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "story-pointer:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := config.Flags("story-pointer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	cfg, err := config.Load(viper.New(), fs)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := cfg.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error().Err(err).Msg("closing stores")
		}
	}()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux, "story-pointer")
	policy := retry.Policy{Delay: cfg.RetryDelay, MaxRetries: cfg.RetryMax}

	pokerServer, err := server.NewPokerServer(logger, stores.Documents, stores.Presence, statsUpdater, policy)
	if err != nil {
		return fmt.Errorf("new poker server: %w", err)
	}

	app := api.NewStoryPointerApp(mux, logger, pokerServer, stores.Documents, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go pokerServer.Run()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Start(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.RunPruner {
		statsUpdater.RegisterMetric(stats.MembersPruned)
		p := pruner.New(stores.Presence, stores.Documents, statsUpdater, policy, logger)
		g.Go(func() error {
			if err := p.Run(gctx); !errors.Is(err, context.Canceled) {
				return fmt.Errorf("pruner: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		if err := pokerServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("poker server shutdown: %w", err)
		}
		logger.Info().Msg("shutdown complete")
		return nil
	})

	return g.Wait()
}
