package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LeventeLantos/acta/internal/cache"
	"github.com/LeventeLantos/acta/internal/client"
	"github.com/LeventeLantos/acta/internal/config"
	"github.com/LeventeLantos/acta/internal/llm"
	"github.com/LeventeLantos/acta/internal/logger"
	"github.com/LeventeLantos/acta/internal/prompt"
	"github.com/LeventeLantos/acta/internal/repo"
	"github.com/LeventeLantos/acta/internal/scrub"
	"github.com/LeventeLantos/acta/internal/service"
)

// app holds every long-lived collaborator built from the configuration.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	db       *sql.DB
	store    *repo.SQLStore
	rdb      *redis.Client
	pipeline *service.Pipeline
	digest   *service.Digest
}

// openStore opens the database and applies the schema.
func openStore(ctx context.Context, dc config.DatabaseConfig) (*sql.DB, *repo.SQLStore, error) {
	db, dialect, err := repo.Open(dc.Driver, dc.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if err := repo.Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, repo.NewSQLStore(db, dialect), nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadAll()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	db, store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db, store: store}

	deps := service.Deps{
		Store:    store,
		Prompts:  prompt.NewBuilder(cfg.Pipeline.BasePrompt),
		Scrubber: scrub.New(scrub.DefaultDetectors()...),
		Logger:   log,
		Transport: client.NewTelnyxClient(client.TelnyxConfig{
			BaseURL:            cfg.Carrier.BaseURL,
			APIKey:             cfg.Carrier.APIKey,
			FromNumber:         cfg.Carrier.FromNumber,
			MessagingProfileID: cfg.Carrier.MessagingProfileID,
		}),
	}

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		rc := cache.NewRedisCache(a.rdb, cfg.Redis.TTL)
		deps.Idempotency = rc
		deps.SentCache = rc
		deps.Limiter = cache.NewRedisRateLimiter(a.rdb, cfg.RateLimit.Cooldown, cfg.RateLimit.MaxPerDay)
	} else {
		log.Info("redis disabled, running without idempotency or rate limiting")
	}

	model, err := llm.New(ctx, cfg.Model)
	if err != nil {
		a.close()
		return nil, err
	}
	deps.Model = model

	a.pipeline = service.NewPipeline(deps, service.PipelineConfig{
		Disabled:           cfg.Pipeline.Disabled,
		SendDisabled:       cfg.Pipeline.SendDisabled,
		DefaultCourse:      cfg.Pipeline.DefaultCourse,
		DefaultInstructor:  cfg.Pipeline.DefaultInstructor,
		ContentMax:         cfg.Pipeline.ContentMax,
		InputCentsPerMTok:  cfg.Model.InputCentsPerMTok,
		OutputCentsPerMTok: cfg.Model.OutputCentsPerMTok,
	})
	a.digest = service.NewDigest(store, model, deps.Prompts, cfg.Pipeline.DefaultCourse, log)

	log.Info("acta configured",
		zap.String("addr", cfg.Server.Address),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("model_provider", cfg.Model.Provider),
		zap.String("model", model.Model()),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("pipeline_disabled", cfg.Pipeline.Disabled),
		zap.Bool("send_disabled", cfg.Pipeline.SendDisabled),
		zap.Bool("digest", cfg.Digest.Enabled),
	)
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.log.Sync()
}
