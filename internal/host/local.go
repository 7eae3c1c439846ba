package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"time"

	"matrixci/internal/core"
)

// Local provisions workspaces as temporary directories on this machine and
// runs commands directly, without a shell.
type Local struct {
	// Root is the parent directory of job workspaces. Empty means the
	// system temp directory.
	Root string

	// Platforms lists the OS labels this machine accepts. Empty accepts
	// any label; the job's OS is then only exported to its environment.
	Platforms []string

	// Install is run once per workspace when the job requests a toolchain,
	// with {{toolchain}} and {{os}} substituted. Empty skips installation.
	Install []string

	// MaxOutput bounds the captured output of one command; only the last
	// MaxOutput bytes are kept. Zero means DefaultMaxOutput.
	MaxOutput int

	Logger *slog.Logger
}

const (
	// DefaultMaxOutput is the per-command output limit of a Local host.
	DefaultMaxOutput = 4 << 20

	// killGrace is how long Run waits for output pipes to close after the
	// command was killed. Background children holding the pipes are
	// abandoned after that.
	killGrace = 2 * time.Second
)

// Provision creates an isolated workspace for env and installs its
// toolchain.
func (l *Local) Provision(ctx context.Context, env core.Environment) (core.Workspace, error) {
	if len(l.Platforms) > 0 && env.OS != "" && !slices.Contains(l.Platforms, env.OS) {
		return nil, fmt.Errorf("platform %q is not available on this host", env.OS)
	}
	dir, err := os.MkdirTemp(l.Root, "matrixci-job-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &LocalWorkspace{Dir: dir, env: environ(env), maxOutput: l.MaxOutput}

	if len(l.Install) > 0 && env.Toolchain != "" {
		install := core.Command{Executable: expandInstall(l.Install[0], env)}
		for _, arg := range l.Install[1:] {
			install.Args = append(install.Args, expandInstall(arg, env))
		}
		l.logger().Info("installing toolchain", "toolchain", env.Toolchain, "command", install.String())
		res, err := ws.Run(ctx, install, nil)
		if err == nil && res.ExitCode != 0 {
			err = fmt.Errorf("exit code %d: %s", res.ExitCode, tail(res.Output, 512))
		}
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("install toolchain %q: %w", env.Toolchain, err)
		}
	}
	return ws, nil
}

func (l *Local) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// LocalWorkspace is a directory that a single job's commands run in.
type LocalWorkspace struct {
	Dir       string
	env       []string
	maxOutput int
}

// Run executes cmd in the workspace directory with combined output. When
// ctx ends, the command and every process it started are killed, and Run
// returns within killGrace even if a background child keeps the output
// open.
func (w *LocalWorkspace) Run(ctx context.Context, cmd core.Command, env map[string]string) (core.CommandResult, error) {
	c := exec.CommandContext(ctx, cmd.Executable, cmd.Args...)
	c.Dir = w.Dir
	c.Env = append(append(os.Environ(), w.env...), sortedEnv(env)...)
	killProcessGroup(c)
	c.WaitDelay = killGrace

	limit := w.maxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	out := &tailBuffer{limit: limit}
	c.Stdout = out
	c.Stderr = out

	err := c.Run()
	if errors.Is(err, exec.ErrWaitDelay) && ctx.Err() == nil {
		// Exited cleanly but left a child holding the output open.
		err = nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return core.CommandResult{ExitCode: exitErr.ExitCode(), Output: out.String()}, nil
	}
	if err != nil {
		return core.CommandResult{ExitCode: -1, Output: out.String()}, err
	}
	return core.CommandResult{Output: out.String()}, nil
}

// Close removes the workspace directory.
func (w *LocalWorkspace) Close() error {
	return os.RemoveAll(w.Dir)
}

// environ exports the job's environment descriptor: CI, CI_OS,
// CI_TOOLCHAIN and MATRIX_<AXIS> for every axis.
func environ(env core.Environment) []string {
	out := []string{"CI=true", "CI_OS=" + env.OS, "CI_TOOLCHAIN=" + env.Toolchain}
	for _, av := range env.Entry {
		out = append(out, "MATRIX_"+envName(av.Name)+"="+av.Value)
	}
	return out
}

func envName(axis string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			return r
		}
		return '_'
	}, axis)
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func expandInstall(s string, env core.Environment) string {
	return strings.NewReplacer("{{toolchain}}", env.Toolchain, "{{os}}", env.OS).Replace(s)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// tailBuffer keeps the last limit bytes written to it. exec.Cmd serializes
// writes when Stdout and Stderr are the same writer.
type tailBuffer struct {
	limit   int
	buf     []byte
	dropped int64
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	// Compaction is amortized: only past twice the limit.
	if len(b.buf) > 2*b.limit {
		over := len(b.buf) - b.limit
		b.dropped += int64(over)
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	data, dropped := b.buf, b.dropped
	if over := len(data) - b.limit; over > 0 {
		data, dropped = data[over:], dropped+int64(over)
	}
	if dropped == 0 {
		return string(data)
	}
	return fmt.Sprintf("[%d bytes of earlier output dropped]\n", dropped) + string(data)
}
