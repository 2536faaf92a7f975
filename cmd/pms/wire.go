package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/pms/internal/delegate"
	"github.com/rendis/pms/internal/engine"
	"github.com/rendis/pms/internal/expressions"
	"github.com/rendis/pms/internal/isolation"
	"github.com/rendis/pms/internal/metrics"
	"github.com/rendis/pms/internal/plancreator"
	"github.com/rendis/pms/internal/scheduler"
	"github.com/rendis/pms/internal/steps"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/internal/streaming"
	"github.com/rendis/pms/internal/validation"
)

// app is the wired process: store, engine, task executors and compiler.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.SQLStore
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	hub      *streaming.MemoryHub
	steps    *engine.StepRegistry
	tasks    *delegate.LocalDispatcher
	engine   *engine.Engine
	compiler *plancreator.Service
	sweeper  *scheduler.Sweeper
}

// buildApp opens the store and wires every component. The sweeper is built
// but not started.
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	wired := false
	defer func() {
		if !wired {
			_ = a.close()
		}
	}()

	var err error
	if cfg.DSN == "" {
		if err = os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, err
		}
	}
	a.store, err = store.Open(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err = a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.hub = streaming.NewMemoryHub(256)

	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	planValidator, err := validation.NewPlanValidator()
	if err != nil {
		return nil, err
	}

	a.steps = engine.NewStepRegistry()
	a.tasks = delegate.NewLocalDispatcher(delegate.Config{
		PoolSize: cfg.TaskPoolSize,
		Breaker:  delegate.DefaultBreakerConfig(),
	}, delegate.WithLogger(logger))
	if err = steps.Register(a.steps, a.tasks, engines, planValidator.Schemas(), steps.Config{
		Shell: steps.ShellConfig{
			Dir:    cfg.ShellDir,
			Policy: isolation.Policy{AllowedDirs: cfg.ShellAllowedDirs, DeniedDirs: cfg.ShellDeniedDirs},
		},
		Logger: logger,
	}); err != nil {
		return nil, err
	}

	a.engine, err = engine.New(a.store, a.steps, engine.Config{PoolSize: cfg.PoolSize},
		engine.WithTaskDispatcher(a.tasks),
		engine.WithHub(a.hub),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	a.tasks.Bind(a.engine)

	creators := plancreator.NewRegistry[plancreator.PartialPlanCreator](logger)
	filters := plancreator.NewRegistry[plancreator.FilterCreator](logger)
	plancreator.RegisterBuiltins(creators, filters)
	if rc := cfg.RemoteCreator; rc != nil {
		priority := rc.Priority
		if priority == 0 {
			priority = plancreator.DefaultPriority + 1
		}
		creators.Register("remote:"+rc.Endpoint, plancreator.NewRemoteCreator(rc.Endpoint, rc.Supported, nil, planValidator.Schemas()), priority)
	}
	compileTimeout, _ := cfg.compileTimeout()
	a.compiler = plancreator.NewService(creators, filters,
		plancreator.Config{PoolSize: cfg.PoolSize, Timeout: compileTimeout},
		plancreator.WithValidator(planValidator.Check),
		plancreator.WithMetrics(a.metrics),
		plancreator.WithLogger(logger),
	)

	a.sweeper, err = scheduler.NewSweeper(a.store, a.engine, cfg.SweepSchedule, logger)
	if err != nil {
		return nil, err
	}
	wired = true
	return a, nil
}

// close releases components in reverse wiring order.
func (a *app) close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.compiler != nil {
		a.compiler.Close()
	}
	if a.tasks != nil {
		a.tasks.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
