package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/story-pointer/internal/config"
	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/server"
	"github.com/npezzotti/story-pointer/internal/stats"
	"github.com/npezzotti/story-pointer/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewStoryPointerApp(t *testing.T) {
	cs := &server.PokerServer{}
	db := database.NewMemoryStore()
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		DatabaseDSN:    "dsn",
		SigningKey:     []byte("secret"),
		AllowedOrigins: []string{"http://localhost:4200"},
		RetryDelay:     time.Second,
		RetryMax:       3,
	}

	app := NewStoryPointerApp(http.NewServeMux(), testutil.TestLogger(t), cs, db, &stats.MockStatsUpdater{}, cfg)

	assert.NotNil(t, app, "expected app to be initialized")
	assert.NotNil(t, app.mux, "expected mux to be initialized")
	assert.NotNil(t, app.dir, "expected directory to be initialized")
	assert.Equal(t, db, app.db, "expected db to be set")
	assert.Equal(t, cs, app.cs, "expected poker server to be set")
	assert.Equal(t, cfg.SigningKey, app.signingKey, "expected signing key to be set")
	assert.Equal(t, cfg.AllowedOrigins, app.allowedOrigins, "expected allowed origins to be set")
	assert.Equal(t, time.Second, app.policy.Delay, "expected retry delay from config")
	assert.Equal(t, 3, app.policy.MaxRetries, "expected retry bound from config")
	assert.Equal(t, cfg.ServerAddr, app.mux.Addr, "expected server address to match config")
}
