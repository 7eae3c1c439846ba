package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"matrixci/internal/bootstrap"
	"matrixci/internal/config"
	"matrixci/internal/core"
)

// exitError carries a process exit code without printing anything extra.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitError) ExitCode() int { return int(e) }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage:
  matrixci validate [pipeline.yaml]
  matrixci matrix   [pipeline.yaml]
  matrixci run      [pipeline.yaml] --event push --branch master
  matrixci submit   --server http://localhost:8080 --event push --branch master
`)
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return exitError(2)
	}
	switch args[0] {
	case "validate":
		return runValidate(args[1:])
	case "matrix":
		return runMatrix(args[1:])
	case "run":
		return runLocal(args[1:])
	case "submit":
		return runSubmit(args[1:])
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func pipelinePath(flagSet *pflag.FlagSet) string {
	if flagSet.NArg() > 0 {
		return flagSet.Arg(0)
	}
	return "pipeline.yaml"
}

func runValidate(args []string) error {
	flagSet := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	path := pipelinePath(flagSet)
	p, err := core.LoadPipeline(path)
	if err != nil {
		var cfgErr *core.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "%s: invalid pipeline\n", path)
			for _, problem := range cfgErr.Problems {
				fmt.Fprintln(os.Stderr, "  -", problem)
			}
			return exitError(1)
		}
		return err
	}
	entries, err := core.Expand(p.Matrix.Axes)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d triggers, %d jobs, %d steps each)\n", p.Name, len(p.Triggers), len(entries), len(p.Job.Steps))
	return nil
}

func runMatrix(args []string) error {
	flagSet := pflag.NewFlagSet("matrix", pflag.ContinueOnError)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	p, err := core.LoadPipeline(pipelinePath(flagSet))
	if err != nil {
		return err
	}
	entries, err := core.Expand(p.Matrix.Axes)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		blocking := "blocking"
		if !p.Matrix.Blocking(e) {
			blocking = "allow-failure"
		}
		fmt.Fprintf(tw, "%s\t%s\n", e.Key(), blocking)
	}
	return tw.Flush()
}

type eventFlags struct {
	kind     string
	branch   string
	number   int
	cron     string
	revision string
}

func (f *eventFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.kind, "event", "push", "event kind: push, pull_request or schedule")
	flagSet.StringVar(&f.branch, "branch", "", "pushed branch, or pull request base branch")
	flagSet.IntVar(&f.number, "pr", 0, "pull request number")
	flagSet.StringVar(&f.cron, "cron", "", "cron expression of the firing schedule trigger")
	flagSet.StringVar(&f.revision, "revision", "", "revision being built")
}

func (f *eventFlags) event(now time.Time) (core.Event, error) {
	var ev core.Event
	switch core.TriggerKind(f.kind) {
	case core.TriggerPush:
		if f.branch == "" {
			return ev, errors.New("--branch is required for push events")
		}
		ev = core.PushEvent(f.branch)
	case core.TriggerPullRequest:
		ev = core.PullRequestEvent(f.number, f.branch)
	case core.TriggerSchedule:
		if f.cron == "" {
			return ev, errors.New("--cron is required for schedule events")
		}
		sched, err := core.ParseSchedule(f.cron)
		if err != nil {
			return ev, err
		}
		due := sched.Latest(now)
		if due.IsZero() {
			return ev, fmt.Errorf("cron %q has not fired in the last year", f.cron)
		}
		ev = core.ScheduleEvent(sched.String(), due)
	default:
		return ev, fmt.Errorf("unknown event kind %q", f.kind)
	}
	ev.Revision = f.revision
	return ev, nil
}

func runLocal(args []string) error {
	var (
		configPath string
		ef         eventFlags
	)
	flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "runner config YAML")
	ef.add(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		cfg.Pipeline.Path = flagSet.Arg(0)
	}
	logger := cfg.NewLogger()

	ev, err := ef.event(time.Now())
	if err != nil {
		return err
	}
	app, err := bootstrap.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, ok, err := app.Runner.Run(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("no trigger of %s matches %s\n", app.Pipeline.Name, describe(ev))
		return nil
	}
	printResult(os.Stdout, result)
	if !result.Succeeded() {
		return exitError(1)
	}
	return nil
}

func describe(ev core.Event) string {
	switch ev.Kind {
	case core.TriggerPullRequest:
		return fmt.Sprintf("pull request #%d into %q", ev.PullRequest, ev.Branch)
	case core.TriggerSchedule:
		return fmt.Sprintf("schedule %q at %s", ev.Cron, ev.Due().Format(time.RFC3339))
	default:
		return fmt.Sprintf("push to %q", ev.Branch)
	}
}

func printResult(w io.Writer, result core.RunResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "JOB\tSTATUS\tFAILED STEP\tERROR\n")
	for _, j := range result.Jobs {
		status := string(j.Status)
		if !j.Blocking {
			status += " (allowed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.Entry, status, j.FailedStep, j.Error)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "run %s: %s\n", result.RunID, result.Status)
}

func runSubmit(args []string) error {
	var (
		server string
		wait   bool
		ef     eventFlags
	)
	flagSet := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	flagSet.StringVar(&server, "server", "http://localhost:8080", "matrixci server URL")
	flagSet.BoolVar(&wait, "wait", false, "poll until the run finishes")
	ef.add(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	server = strings.TrimRight(server, "/")

	var path string
	var body any
	switch core.TriggerKind(ef.kind) {
	case core.TriggerPush:
		path, body = "/v1/events/push", map[string]any{"branch": ef.branch, "revision": ef.revision}
	case core.TriggerPullRequest:
		path, body = "/v1/events/pull_request", map[string]any{"number": ef.number, "base": ef.branch, "revision": ef.revision}
	default:
		return fmt.Errorf("submit supports push and pull_request events, not %q", ef.kind)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(server+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	defer resp.Body.Close()

	var dispatched struct {
		Accepted bool   `json:"accepted"`
		RunID    string `json:"run_id"`
		Jobs     int    `json:"jobs"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dispatched); err != nil {
		return fmt.Errorf("decode response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server rejected event: %s", dispatched.Error)
	}
	if !dispatched.Accepted {
		fmt.Println("no trigger matched; no run created")
		return nil
	}
	fmt.Printf("run %s started with %d jobs\n", dispatched.RunID, dispatched.Jobs)
	if !wait {
		return nil
	}

	for {
		time.Sleep(2 * time.Second)
		r, err := client.Get(server + "/v1/runs/" + dispatched.RunID + "/result")
		if err != nil {
			return err
		}
		if r.StatusCode == http.StatusConflict {
			r.Body.Close()
			continue
		}
		var result core.RunResult
		err = json.NewDecoder(r.Body).Decode(&result)
		r.Body.Close()
		if err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		printResult(os.Stdout, result)
		if !result.Succeeded() {
			return exitError(1)
		}
		return nil
	}
}
