package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"matrixci/internal/agent"
	"matrixci/internal/host"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr      string
		root      string
		platforms string
		install   []string
		maxOutput int
		logLevel  string
	)

	flagSet := pflag.NewFlagSet("matrixci-agent", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", ":9090", "listen address")
	flagSet.StringVar(&root, "root", "", "directory for job workspaces (default: system temp)")
	flagSet.StringVar(&platforms, "platforms", "", "comma-separated OS values this agent can provision (default: any)")
	flagSet.StringArrayVar(&install, "install", nil, "toolchain install command, {{os}} and {{toolchain}} are substituted")
	flagSet.IntVar(&maxOutput, "max-output", host.DefaultMaxOutput, "bytes of output kept per command, oldest dropped first")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	local := &host.Local{Root: root, Install: install, MaxOutput: maxOutput, Logger: logger}
	if platforms != "" {
		local.Platforms = strings.Split(platforms, ",")
	}
	server := agent.NewServer(local, logger)
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: addr, Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("matrixci agent listening", "addr", addr, "platforms", local.Platforms)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
