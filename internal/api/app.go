package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/story-pointer/internal/config"
	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/poker"
	"github.com/npezzotti/story-pointer/internal/retry"
	"github.com/npezzotti/story-pointer/internal/server"
	"github.com/npezzotti/story-pointer/internal/stats"
	"github.com/rs/zerolog"
)

type StoryPointerApp struct {
	log            zerolog.Logger
	db             database.Store
	dir            *poker.Directory
	mux            *http.Server
	cs             *server.PokerServer
	stats          stats.StatsProvider
	policy         retry.Policy
	signingKey     []byte
	allowedOrigins []string
}

func NewStoryPointerApp(mux *http.ServeMux, logger zerolog.Logger, cs *server.PokerServer, db database.Store, su stats.StatsProvider, cfg *config.Config) *StoryPointerApp {
	s := &StoryPointerApp{
		log:            logger.With().Str("component", "api").Logger(),
		db:             db,
		dir:            poker.NewDirectory(db),
		cs:             cs,
		stats:          su,
		policy:         retry.Policy{Delay: cfg.RetryDelay, MaxRetries: cfg.RetryMax},
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /api/auth/session", s.session)
	mux.HandleFunc("GET /api/options", s.getOptions)
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRoom))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.CombinedLoggingHandler(s.log.With().Str("component", "http").Logger(), h)
	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}
	return s
}

func (s *StoryPointerApp) Start() error {
	s.log.Info().Str("addr", s.mux.Addr).Msg("starting server")
	return s.mux.ListenAndServe()
}

func (s *StoryPointerApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
