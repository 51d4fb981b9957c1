package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"example.com/bpm-party/internal/auth"
	"example.com/bpm-party/internal/config"
	"example.com/bpm-party/internal/httpapi"
	"example.com/bpm-party/internal/migrate"
	"example.com/bpm-party/internal/relay"
	"example.com/bpm-party/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const pingTimeout = 10 * time.Second

type App struct {
	cfg config.Config
	log zerolog.Logger

	db  *pgxpool.Pool
	rdb *redis.Client

	srv *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*App, error) {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	a := &App{cfg: cfg, log: logger.With().Str("component", "app").Logger()}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	// --- Postgres (optional results archive) ---
	results := &httpapi.ResultsHandler{Logger: logger}
	if cfg.Postgres.URL != "" {
		if cfg.Postgres.RunMigrations {
			if err := migrate.Up(cfg.Postgres.URL, logger); err != nil {
				return nil, err
			}
		}
		dbpool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("pgxpool: %w", err)
		}
		if err := dbpool.Ping(pingCtx); err != nil {
			dbpool.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		a.db = dbpool
		results.Results = store.NewResultsStore(dbpool)
	} else {
		a.log.Warn().Msg("DATABASE_URL is empty, results archive disabled")
	}

	// --- Redis (optional shared identity registry) ---
	var registry relay.Registry
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = a.Close()
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping (%s db=%d): %w", cfg.Redis.Addr, cfg.Redis.DB, err)
		}
		a.rdb = rdb
		registry = relay.NewRedisRegistry(rdb)
	} else {
		a.log.Warn().Msg("REDIS_ADDR is empty, identities are reserved in memory")
		registry = relay.NewMemoryRegistry(nil)
	}

	authSvc := auth.NewService([]byte(cfg.Auth.Secret))
	sw := relay.NewSwitch(logger)

	handler := httpapi.NewRouter(httpapi.RouterConfig{
		Logger: logger,
		Auth:   authSvc,
		Identities: &httpapi.IdentityHandler{
			Registry: registry,
			Switch:   sw,
			Auth:     authSvc,
			TTL:      cfg.Relay.IdentityTTL,
			Logger:   logger,
		},
		Rooms:   &httpapi.RoomHandler{ShareBase: cfg.Relay.ShareBaseURL},
		Results: results,
		Relay: relay.NewWebSocket(relay.Config{
			Logger:        logger,
			Switch:        sw,
			Registry:      registry,
			Tokens:        authSvc,
			PingInterval:  cfg.Relay.PingInterval,
			MaxFrameBytes: cfg.Relay.MaxFrameBytes,
		}),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	a.srv = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
	return a, nil
}

// Handler exposes the routing tree, mostly for tests.
func (a *App) Handler() http.Handler { return a.srv.Handler }

func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.log.Info().Str("addr", a.cfg.HTTP.Addr).Msg("http server starting")

	g.Go(func() error {
		err := a.srv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.log.Info().Msg("http server shutting down")
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error().Err(err).Msg("http server shutdown failed")
		}
		return nil
	})

	err := g.Wait()
	_ = a.Close()
	return err
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	if a.rdb != nil {
		return a.rdb.Close()
	}
	return nil
}
