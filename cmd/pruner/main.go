// Command pruner removes departed users from their rooms. It runs next to
// any number of servers started with --run-pruner=false.
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

	"github.com/npezzotti/story-pointer/internal/backend"
	"github.com/npezzotti/story-pointer/internal/config"
	"github.com/npezzotti/story-pointer/internal/pruner"
	"github.com/npezzotti/story-pointer/internal/retry"
	"github.com/npezzotti/story-pointer/internal/stats"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "pruner:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := config.Flags("pruner")
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
	if cfg.MemoryStore {
		return errors.New("a standalone pruner cannot use in-memory stores")
	}
	logger := cfg.Logger(os.Stderr).With().Str("process", "pruner").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := stores.Documents.Ping(r.Context()); err != nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})
	statsUpdater := stats.NewStatsUpdater(mux, "pruner")
	statsUpdater.RegisterMetric(stats.MembersPruned)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	srv := &http.Server{Addr: cfg.ServerAddr, Handler: mux}
	p := pruner.New(stores.Presence, stores.Documents, statsUpdater,
		retry.Policy{Delay: cfg.RetryDelay, MaxRetries: cfg.RetryMax}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := p.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
