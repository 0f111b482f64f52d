package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"breaklock/internal/config"
	"breaklock/internal/db"
	"breaklock/internal/engine"
	"breaklock/internal/engine/auth"
	"breaklock/internal/migrate"
	"breaklock/internal/notify"
	"breaklock/internal/reaper"
	"breaklock/internal/repo"
	"breaklock/internal/server"
)

// Service is a fully wired BreakLock instance: store, engine, notifications and
// background workers built from one Config.
type Service struct {
	Config     *config.Config
	Engine     engine.Engine
	Broker     *notify.Broker
	Authorizer *auth.Authorizer
	Log        *zap.Logger

	store    repo.Store
	outbound *notify.Async
	webhooks *notify.WebhookDispatcher
	wg       sync.WaitGroup
}

// Open connects the configured store, applies migrations and wires the engine.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	authorizer, err := auth.NewAuthorizer(cfg.Authz.AdminRoles)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	outbound := notify.Multi{notify.LogOutbound{Log: log.Named("notify")}}
	if sg := cfg.Notify.SendGrid; sg.APIKey != "" {
		outbound = append(outbound, notify.NewSendGrid(sg.APIKey, sg.FromName, sg.FromEmail, cfg.Notify.Domain))
	}
	async := &notify.Async{Next: outbound, Log: log.Named("notify")}

	broker := notify.NewBroker()
	e := engine.New(store, cfg)
	e.Changes = broker
	e.Outbound = async
	e.Log = log.Named("engine")

	s := &Service{
		Config:     cfg,
		Engine:     e,
		Broker:     broker,
		Authorizer: authorizer,
		Log:        log,
		store:      store,
		outbound:   async,
	}
	if len(cfg.Webhooks) > 0 {
		s.webhooks = notify.NewWebhookDispatcher(store, cfg.Webhooks, log.Named("webhooks"))
	}
	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config) (repo.Store, error) {
	opts := repo.Options{DefaultCapacity: cfg.Breaks.DefaultCapacity, Now: time.Now}
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := migrate.Postgres(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return repo.NewPostgres(pool, opts), nil
	default:
		workspace := cfg.Store.Workspace
		if workspace == "" {
			workspace = "."
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, err
		}
		return repo.NewSQLite(conn, opts), nil
	}
}

// Handler builds the HTTP API over the service's engine.
func (s *Service) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   s.Engine,
		Broker:   s.Broker,
		BasePath: s.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:  s.Config.Auth.JWTSecret,
			DevLogin:   s.Config.Auth.DevLogin,
			Authorizer: s.Authorizer,
		},
		Log: s.Log.Named("http"),
	})
}

func (s *Service) Reaper() reaper.Reaper {
	return reaper.Reaper{
		Engine:   s.Engine,
		Interval: s.Config.Reaper.Interval.Duration,
		Log:      s.Log.Named("reaper"),
	}
}

// Start launches the reaper, when enabled, and the webhook dispatcher. They stop when
// ctx is done; Close waits for them.
func (s *Service) Start(ctx context.Context) {
	if s.Config.Reaper.Enabled {
		r := s.Reaper()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			r.Run(ctx)
		}()
	}
	if s.webhooks != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.webhooks.Run(ctx)
		}()
	}
}

// Close waits for background workers and pending notifications, then closes the store.
// Cancel the context given to Start first.
func (s *Service) Close() error {
	s.wg.Wait()
	s.outbound.Wait()
	return s.store.Close()
}
