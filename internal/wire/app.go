package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanax-ai/citadel-orchestrator/internal/adapter/httpbackend"
	pgdb "github.com/hanax-ai/citadel-orchestrator/internal/adapter/postgres"
	pgaudit "github.com/hanax-ai/citadel-orchestrator/internal/adapter/postgres/audit"
	"github.com/hanax-ai/citadel-orchestrator/internal/adapter/rediscache"
	"github.com/hanax-ai/citadel-orchestrator/internal/cache"
	"github.com/hanax-ai/citadel-orchestrator/internal/config"
	domainbackend "github.com/hanax-ai/citadel-orchestrator/internal/domain/backend"
	"github.com/hanax-ai/citadel-orchestrator/internal/dispatch"
	"github.com/hanax-ai/citadel-orchestrator/internal/eventbus"
	"github.com/hanax-ai/citadel-orchestrator/internal/monitor"
	portcache "github.com/hanax-ai/citadel-orchestrator/internal/port/cache"
	"github.com/hanax-ai/citadel-orchestrator/internal/registry"
	"github.com/hanax-ai/citadel-orchestrator/internal/router"
	"github.com/hanax-ai/citadel-orchestrator/internal/state"
	"github.com/hanax-ai/citadel-orchestrator/internal/transport"
	mcptransport "github.com/hanax-ai/citadel-orchestrator/internal/transport/mcp"
)

// App holds the top-level resources needed to run and gracefully stop the server.
type App struct {
	Pool       *pgxpool.Pool
	Server     *http.Server
	Dispatcher *dispatch.Dispatcher
	Config     *config.Store
	ConfigPath string
}

// Build is the composition root: the only place concrete types are wired to
// their interface dependencies.
func Build(ctx context.Context) (*App, error) {
	// ── Configuration ────────────────────────────────────────────────────────
	configPath := os.Getenv("CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfgStore := config.NewStore(cfg)

	// ── Audit sink (optional — absent DSN runs without durable audit) ────────
	var pool *pgxpool.Pool
	var sink *pgaudit.Sink
	auditURL := cfg.Audit.PostgresURL
	if auditURL == "" {
		auditURL = os.Getenv("DATABASE_URL")
	}
	if auditURL != "" {
		pool, err = pgdb.Connect(ctx, auditURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to audit database: %w", err)
		}
		sink = pgaudit.New(pool)
		if err := sink.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("preparing audit schema: %w", err)
		}
	} else {
		slog.Warn("no audit database configured — terminal records kept in memory only")
	}

	// ── Cache ────────────────────────────────────────────────────────────────
	var resultCache portcache.Cache
	if cfg.Cache.RedisAddr != "" {
		redisCache, err := rediscache.New(rediscache.Config{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			// Cache trouble is never fatal: degrade to the in-memory cache.
			slog.Error("redis cache unavailable, falling back to in-memory", "error", err)
			resultCache = cache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
		} else {
			resultCache = redisCache
		}
	} else {
		resultCache = cache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
	}

	// ── Core ─────────────────────────────────────────────────────────────────
	bus := eventbus.New()
	reg := registry.New(bus, cfg.Routing.CriticalOverflow)

	mon, err := monitor.New(reg, bus, monitor.Options{
		Interval:         cfg.Probe.Interval,
		Timeout:          cfg.Probe.Timeout,
		RecoverAfter:     cfg.Probe.RecoverAfter,
		UnreachableAfter: cfg.Probe.UnreachableAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("starting resource monitor: %w", err)
	}

	var coordinator *state.Coordinator
	if sink != nil {
		coordinator = state.NewCoordinator(sink)
	} else {
		coordinator = state.NewCoordinator(nil)
	}

	rt := router.New(reg, mon, resultCache, cfgStore)
	disp := dispatch.New(rt, coordinator, reg, mon, resultCache, bus, cfgStore)

	// Backends from the static config register before the server accepts work.
	for _, b := range cfg.Backends {
		desc := domainbackend.Descriptor{
			ID:             b.ID,
			Endpoint:       b.Endpoint,
			CapabilityTags: b.CapabilityTags,
			MaxConcurrency: b.MaxConcurrency,
		}
		if err := reg.Register(desc, httpbackend.New(b.Endpoint)); err != nil {
			return nil, fmt.Errorf("registering backend %s: %w", b.ID, err)
		}
	}

	// ── Transport ────────────────────────────────────────────────────────────
	mcpServer := mcptransport.New(disp, coordinator, reg, mon)
	ginRouter := transport.NewRouter(ctx, disp, coordinator, reg, mon, mcpServer, bus)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:    ":" + port,
		Handler: ginRouter,
	}

	slog.Info("application wired", "port", port, "backends", len(cfg.Backends))

	app := &App{
		Pool:       pool,
		Server:     server,
		Dispatcher: disp,
		Config:     cfgStore,
		ConfigPath: configPath,
	}

	// ── Audit-window evictor ─────────────────────────────────────────────────
	startEvictor(ctx, coordinator, cfgStore)

	return app, nil
}
