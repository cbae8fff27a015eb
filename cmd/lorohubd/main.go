// Command lorohubd runs the collaboration hub's WebSocket server,
// using the stdlib net/http + signal-driven graceful shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Polqt/lorohub/internal/auth"
	"github.com/Polqt/lorohub/internal/config"
	"github.com/Polqt/lorohub/internal/crdt"
	"github.com/Polqt/lorohub/internal/hub"
	"github.com/Polqt/lorohub/internal/logger"
	"github.com/Polqt/lorohub/internal/metrics"
	"github.com/Polqt/lorohub/internal/persistence"
	"github.com/Polqt/lorohub/internal/registry"
	"github.com/Polqt/lorohub/internal/transport"
	"github.com/Polqt/lorohub/internal/wire"
)

var startedAt time.Time

func main() {
	startedAt = time.Now()

	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)

	hooks := newPersistenceHooks(cfg)
	m := &metrics.Counters{}
	framer := &wire.Framer{MaxDocumentNameLen: cfg.MaxDocumentNameLen}

	// No real Loro binding is wired into this module; crdt.Replica is
	// the external capability interface spec.md §6.2 requires, and
	// crdt.NewMockReplica is the reference adapter this repo ships.
	// A production deployment would swap this factory for a real
	// CRDT engine binding without touching internal/hub or
	// internal/registry.
	factory := func() crdt.Replica { return crdt.NewMockReplica("server") }

	reg := registry.New(factory, hooks, framer, m, registry.Config{
		UnloadDelay: cfg.UnloadDelay(),
		Document: hub.Config{
			Debounce:           cfg.Debounce(),
			MaxDebounce:        cfg.MaxDebounce(),
			MaxDocumentNameLen: cfg.MaxDocumentNameLen,
		},
	})
	reg.Start()

	authenticator := auth.AllowAll // replace with a real Authenticator for production use

	srv := transport.NewServer(reg, authenticator, framer, m, transport.Options{
		OutboundQueueLimit: cfg.OutboundQueueLimit,
		MaxFrameSize:       int64(cfg.MaxFrameSize),
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/health", healthHandler(m))

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Log.Info().Str("addr", cfg.ListenAddr).Msg("lorohubd listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("lorohubd: listen failed")
		}
	}()

	<-ctx.Done()
	logger.Log.Info().Msg("lorohubd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("lorohubd: http shutdown")
	}
	reg.Shutdown(shutdownCtx)
}

func newPersistenceHooks(cfg config.Config) persistence.Hooks {
	if !cfg.Redis.Enabled {
		return persistence.NewMemoryHooks()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return persistence.NewRedisHooks(client)
}

type healthResponse struct {
	Status   string           `json:"status"`
	UptimeMS int64            `json:"uptime_ms"`
	Metrics  metrics.Snapshot `json:"metrics"`
}

func healthHandler(m *metrics.Counters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:   "ok",
			UptimeMS: time.Since(startedAt).Milliseconds(),
			Metrics:  m.Snapshot(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
