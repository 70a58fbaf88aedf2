// Package app wires the northstar server runtime: config, logging, storage,
// the ledger service, its HTTP API and the websocket event feed.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"northstar/cmd/internal/api"
	"northstar/cmd/internal/feed"
	"northstar/cmd/internal/router"
	"northstar/cmd/internal/slot"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the northstar server runtime. It owns the store, the optional
// Postgres pool and Redis client, and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store  router.Store
	dbPool *pgxpool.Pool
	redis  *feed.RedisPublisher

	svc     *router.Service
	hub     *feed.Hub
	ws      *feed.WSGateway
	api     *api.Handler
	metrics *Metrics
}

// New constructs a fully wired App from config. It connects to Postgres and
// Redis when they are configured and fails fast when they are unreachable.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	store, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		log:    log,
		store:  store,
		dbPool: pool,
		hub:    feed.NewHub(log),
	}

	var pub router.Publisher = a.hub
	if cfg.RedisAddr != "" {
		rp, err := feed.NewRedisPublisher(ctx, feed.RedisConfig{
			Addr:     cfg.RedisAddr,
			User:     cfg.RedisUser,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
		}, log)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.redis = rp
		pub = feed.Fanout{a.hub, rp}
		log.Info("redis.enabled", "addr", cfg.RedisAddr, "stream", rp.Stream())
	}

	a.metrics = NewMetrics(a.hub.TotalSubscribers)

	clock := slot.NewTicker(cfg.SlotGenesis, cfg.SlotDuration)
	a.svc, err = router.NewService(store, clock,
		router.WithConfig(cfg.Router),
		router.WithLogger(log),
		router.WithPublisher(pub),
		router.WithObserver(a.metrics),
	)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.api, err = api.NewHandler(log, a.svc, cfg.API)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.ws = feed.NewWSGateway(log, a.hub, a.svc, cfg.WS)
	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.ws, a.api, a.metrics)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, a.log, a.metrics)
	return h
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+"/v1",
		"feed", wsBaseURL(base)+"/v1/feed",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
		"program_id", a.cfg.Router.ProgramID.String(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.closeResources()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.closeResources()
		return err
	}

	a.closeResources()
	a.log.Info("server.stopped")
	return nil
}

// closeResources releases the store, Redis client and pool, in that order.
func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev store.
// The app owns the pool lifecycle; PostgresStore.Close is a no-op.
func newStore(ctx context.Context, cfg Config, log Logger) (router.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return router.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	st, err := router.NewPostgresStore(pool, router.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate schema %q: %w", cfg.DBSchema, err)
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, nil
}
