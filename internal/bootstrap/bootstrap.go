// Package bootstrap assembles a runner from configuration: pipeline, host,
// step log storage, signed reports and the schedule.
package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"matrixci/internal/attest"
	"matrixci/internal/config"
	"matrixci/internal/core"
	"matrixci/internal/host"
	"matrixci/internal/security"
	"matrixci/internal/storage"
)

// App holds the wired components of one pipeline.
type App struct {
	Config    *config.Config
	Pipeline  *core.Pipeline
	Runner    *core.Runner
	Scheduler *core.Scheduler
	Logs      *storage.LogStorage
	Logger    *slog.Logger
}

// New loads the pipeline named by cfg and wires a runner for it. A
// ConfigError in the pipeline stops here, before any run can start.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	p, err := core.LoadPipeline(cfg.Pipeline.Path)
	if err != nil {
		return nil, err
	}
	return NewWithPipeline(cfg, p, logger)
}

// NewWithPipeline wires a runner for an already loaded pipeline.
func NewWithPipeline(cfg *config.Config, p *core.Pipeline, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logs := storage.NewLogStorage(cfg.Logs.Dir)

	var reporter core.Reporter
	if cfg.Report.Dir != "" {
		keys, generated, err := security.EnsureKeyPair(cfg.Report.PublicKey, cfg.Report.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("report keys: %w", err)
		}
		if generated {
			logger.Info("generated report signing key", "public", cfg.Report.PublicKey, "key", keys.KeyID())
		}
		reporter = &attest.Reporter{Dir: cfg.Report.Dir, Keys: keys, Logger: logger}
	}

	runner, err := core.NewRunner(p, NewHost(cfg, logger), core.Options{
		JobTimeout:       cfg.Runner.JobTimeout,
		StepTimeout:      cfg.Runner.StepTimeout,
		MaxParallel:      cfg.Runner.MaxParallel,
		CancelSuperseded: cfg.Runner.CancelSuperseded == nil || *cfg.Runner.CancelSuperseded,
		MaxRuns:          cfg.Runner.MaxRuns,
		Logs:             logs,
		Reporter:         reporter,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Pipeline:  p,
		Runner:    runner,
		Scheduler: core.NewScheduler(p.Triggers, time.Now(), logger),
		Logs:      logs,
		Logger:    logger,
	}, nil
}

// NewHost returns the execution host selected by cfg.Host.Kind.
func NewHost(cfg *config.Config, logger *slog.Logger) core.Host {
	if cfg.Host.Kind == "agent" {
		return host.NewRemote(cfg.Host.AgentURL)
	}
	return &host.Local{
		Root:      cfg.Host.Root,
		Platforms: cfg.Host.Platforms,
		Install:   cfg.Host.Install,
		MaxOutput: cfg.Host.MaxOutput,
		Logger:    logger,
	}
}
