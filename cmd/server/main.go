package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"matrixci/internal/api"
	"matrixci/internal/bootstrap"
	"matrixci/internal/config"
	"matrixci/internal/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, pipelinePath, addr string

	flagSet := pflag.NewFlagSet("matrixci-server", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the runner config YAML")
	flagSet.StringVarP(&pipelinePath, "pipeline", "p", "", "pipeline file (overrides pipeline.path)")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if pipelinePath != "" {
		cfg.Pipeline.Path = pipelinePath
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	logger := cfg.NewLogger()

	app, err := bootstrap.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(app.Pipeline.Triggers.Schedules()) > 0 {
		go app.Scheduler.Start(ctx, cfg.Scheduler.Interval, time.Now, func(ctx context.Context, ev core.Event) {
			app.Runner.Dispatch(ctx, ev)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(ctx, app.Runner, app.Logs, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("matrixci server listening",
			"addr", cfg.Server.Addr,
			"pipeline", app.Pipeline.Name,
			"jobs", len(app.Runner.Entries()),
			"host", cfg.Host.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	app.Runner.CancelAll(core.ErrCancelled)
	return app.Runner.Wait(shutdownCtx)
}
