package main

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/mkoziy/genome/loader/internal/annotation"
	"github.com/mkoziy/genome/loader/internal/audit"
	"github.com/mkoziy/genome/loader/internal/config"
	"github.com/mkoziy/genome/loader/internal/database"
	"github.com/mkoziy/genome/loader/internal/loader"
	"github.com/mkoziy/genome/loader/internal/logger"
	"github.com/mkoziy/genome/loader/internal/migrations"
	"github.com/mkoziy/genome/loader/internal/partition"
	"github.com/mkoziy/genome/loader/internal/query"
	"github.com/mkoziy/genome/loader/internal/registry"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg *config.Config
	log *logger.Logger
	db  *bun.DB

	router   *partition.Router
	registry *registry.Registry
	engine   *annotation.Engine
	recorder *audit.Recorder
	loader   *loader.Controller
	queries  *query.Service
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.NewDB(cfg.Database.DSN, cfg.Database.Debug)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrations.RunMigrations(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	router := partition.NewRouter(db, log)
	for _, p := range cfg.Partitions {
		if err := router.Register(p.Name, p.Chromosomes...); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	reg := registry.New(db, log)
	if err := reg.Load(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}

	engine := annotation.New(db, reg, router, annotation.Config{
		LookupTimeout: cfg.Annotation.LookupTimeout,
		RangeSize:     cfg.Annotation.RangeSize,
		Workers:       cfg.Annotation.Workers,
	}, log)
	recorder := audit.NewRecorder(db, log)

	ctrl := loader.NewController(db, router, engine, recorder, loader.Config{
		MicroBatchSize:        cfg.Load.MicroBatchSize,
		SkipTolerance:         cfg.Load.SkipTolerance,
		AbortSkipRatio:        cfg.Load.AbortSkipRatio,
		AbortMinRecords:       cfg.Load.AbortMinRecords,
		EnrichInline:          cfg.Load.EnrichInline,
		DefaultSources:        cfg.Load.DefaultSources,
		ReloadPolicy:          cfg.Load.ReloadPolicy,
		FileWorkers:           cfg.Load.FileWorkers,
		ReferenceGenome:       cfg.Load.ReferenceGenome,
		AnnotationToolVersion: cfg.Load.AnnotationToolVersion,
		Operator:              cfg.Load.Operator,
		Retry:                 cfg.Retry,
	}, log)

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		router:   router,
		registry: reg,
		engine:   engine,
		recorder: recorder,
		loader:   ctrl,
		queries:  query.New(db, router, engine, recorder, log),
	}, nil
}

func (a *app) sweeper() *audit.Sweeper {
	return audit.NewSweeper(a.recorder, audit.SweeperConfig{
		StaleAfter:    a.cfg.Audit.StaleAfter,
		Interval:      a.cfg.Audit.SweepInterval,
		FailAbandoned: a.cfg.Audit.FailAbandoned,
	}, a.loader.Active, a.log)
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("close database", "error", err)
	}
	a.log.Sync()
}
