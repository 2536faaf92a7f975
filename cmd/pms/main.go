package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/pms/internal/diagram"
	"github.com/rendis/pms/internal/logging"
	"github.com/rendis/pms/internal/plancreator"
	"github.com/rendis/pms/internal/store"
	pmsmcp "github.com/rendis/pms/pkg/mcp"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/pms/
var version = "dev"

const usage = `usage: pms <command> [flags]

commands:
  serve     run the MCP server on stdio (default)
  compile   compile a pipeline file and print the plan
  diagram   draw a stored plan or plan execution
  migrate   create or upgrade the database schema
  install   write ~/.pms/settings.json
  version   print the version
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "compile":
		err = runCompile(args)
	case "diagram":
		err = runDiagram(args)
	case "migrate":
		err = runMigrate(args)
	case "install":
		err = runInstall(args)
	case "version":
		fmt.Println(version)
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configFlags registers the overrides shared by every command that opens the store.
func configFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.DSN, "dsn", cfg.DSN, "store DSN: file:/path.db or postgres://...")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "libSQL database path, used when -dsn is empty")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
}

// parseConfig layers the command's flags over loadConfig and returns the
// positional arguments.
func parseConfig(name string, args []string, extra func(*flag.FlagSet, *Config)) (Config, []string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configFlags(fs, &cfg)
	if extra != nil {
		extra(fs, &cfg)
	}
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}
	return cfg, fs.Args(), cfg.validate()
}

func runServe(args []string) error {
	cfg, _, err := parseConfig("serve", args, func(fs *flag.FlagSet, cfg *Config) {
		fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "engine worker pool size")
		fs.IntVar(&cfg.TaskPoolSize, "task-pool-size", cfg.TaskPoolSize, "task executor pool size")
		fs.StringVar(&cfg.SweepSchedule, "sweep-schedule", cfg.SweepSchedule, "timeout sweep schedule")
		fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	})
	if err != nil {
		return err
	}
	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("shutdown", slog.String("error", err.Error()))
		}
	}()

	if n, err := a.engine.Recover(ctx); err != nil {
		logger.Error("recover plan executions", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("recovered plan executions", slog.Int("count", n))
	}
	if err := a.sweeper.Start(ctx); err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		go a.serveMetrics(ctx)
	}

	waitTimeout, _ := cfg.waitTimeout()
	pmsmcp.Version = version
	srv := pmsmcp.NewServer(pmsmcp.ServerDeps{
		Engine:      a.engine,
		Compiler:    a.compiler,
		Steps:       a.steps,
		Store:       a.store,
		Hub:         a.hub,
		Logger:      logger,
		WaitTimeout: waitTimeout,
	})
	defer srv.Close()

	logger.Info("pms serving on stdio", slog.String("version", version))
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveMetrics exposes the Prometheus registry and refreshes pool gauges.
func (a *app) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	hs := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = hs.Shutdown(shutdownCtx)
				cancel()
				return
			case <-t.C:
				a.engine.PoolMetrics()
			}
		}
	}()

	a.logger.Info("metrics listening", slog.String("addr", a.cfg.MetricsAddr))
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("metrics server", slog.String("error", err.Error()))
	}
}

func runCompile(args []string) error {
	var pctx plancreator.Context
	cfg, rest, err := parseConfig("compile", args, func(fs *flag.FlagSet, _ *Config) {
		fs.StringVar(&pctx.AccountID, "account", "", "account id")
		fs.StringVar(&pctx.OrgID, "org", "", "organization id")
		fs.StringVar(&pctx.ProjectID, "project", "", "project id")
	})
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("compile needs exactly one pipeline file")
	}
	doc, err := os.ReadFile(rest[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		return err
	}
	defer a.close()

	pctx.Steps = a.steps
	plan, err := a.compiler.CreatePlanFromYAML(ctx, &pctx, doc)
	if err != nil {
		return err
	}
	if err := a.store.SavePlan(ctx, plan); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

func runDiagram(args []string) error {
	var planID, peID, format, out string
	cfg, _, err := parseConfig("diagram", args, func(fs *flag.FlagSet, _ *Config) {
		fs.StringVar(&planID, "plan", "", "plan id")
		fs.StringVar(&peID, "execution", "", "plan execution id; its node statuses are drawn")
		fs.StringVar(&format, "format", "text", "text, mermaid, svg or png")
		fs.StringVar(&out, "o", "", "write to this file instead of stdout")
	})
	if err != nil {
		return err
	}
	if planID == "" && peID == "" {
		return errors.New("diagram needs -plan or -execution")
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		return err
	}
	defer a.close()

	var execs []*store.NodeExecution
	if peID != "" {
		pe, err := a.store.GetPlanExecution(ctx, peID)
		if err != nil {
			return err
		}
		planID = pe.PlanID
		if execs, err = a.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{PlanExecutionID: peID}); err != nil {
			return err
		}
	}
	plan, err := a.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	model, err := diagram.Build(plan, execs)
	if err != nil {
		return err
	}

	var data []byte
	switch format {
	case "text":
		data = []byte(diagram.RenderText(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case diagram.FormatSVG, diagram.FormatPNG:
		if data, err = diagram.RenderImage(ctx, model, format); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	if out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func runMigrate(args []string) error {
	cfg, _, err := parseConfig("migrate", args, nil)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		return err
	}
	fmt.Println("database schema is up to date")
	return a.close()
}

func runInstall(args []string) error {
	cfg, _, err := parseConfig("install", args, func(fs *flag.FlagSet, cfg *Config) {
		fs.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "engine worker pool size")
		fs.IntVar(&cfg.TaskPoolSize, "task-pool-size", cfg.TaskPoolSize, "task executor pool size")
		fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	})
	if err != nil {
		return err
	}
	dir := pmsDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}
