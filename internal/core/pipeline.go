package core

import (
	"regexp"
	"strings"
	"time"
)

// Pipeline is a loaded pipeline definition. ParsePipeline builds it once
// and nothing mutates it afterwards; runners and schedulers only read it.
type Pipeline struct {
	Name     string
	Triggers Triggers
	Matrix   Matrix
	Job      JobSpec
}

// Matrix holds the axes whose cross product yields one job per entry.
type Matrix struct {
	Axes []Axis

	// AllowFailure lists partial assignments (axis -> value). Jobs whose
	// entry matches any of them are informational: they run and report
	// their own status, but do not fail the run.
	AllowFailure []map[string]string

	// MaxParallel bounds concurrently running jobs of one run. Zero means
	// no bound.
	MaxParallel int
}

// Axis is one dimension of environment variation, in declaration order.
type Axis struct {
	Name   string
	Values []string
}

// JobSpec is the template every matrix entry's job is built from.
type JobSpec struct {
	OSAxis        string
	ToolchainAxis string
	Timeout       time.Duration
	Steps         []Step
}

// Step is one named unit of work in a job.
type Step struct {
	Name    string
	Command Command
	Env     map[string]string
	Timeout time.Duration
}

// Command is an executable plus its arguments. It is never passed through
// a shell; the host runs it directly.
type Command struct {
	Executable string
	Args       []string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Executable
	}
	return c.Executable + " " + strings.Join(c.Args, " ")
}

// Blocking reports whether a job for entry decides the run's outcome.
func (m Matrix) Blocking(entry MatrixEntry) bool {
	for _, partial := range m.AllowFailure {
		if entry.Matches(partial) {
			return false
		}
	}
	return true
}

// placeholderPattern matches "{{ matrix.<axis> }}" in step arguments and
// environment values.
var placeholderPattern = regexp.MustCompile(`\{\{\s*matrix\.([A-Za-z0-9_-]+)\s*\}\}`)

// placeholders returns the axis names referenced by s.
func placeholders(s string) []string {
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		names = append(names, m[1])
	}
	return names
}

func substitute(s string, entry MatrixEntry) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := entry.Get(name); ok {
			return value
		}
		return match
	})
}

// resolve returns a copy of s with matrix placeholders replaced by the
// entry's values.
func (s Step) resolve(entry MatrixEntry) Step {
	out := Step{
		Name:    s.Name,
		Timeout: s.Timeout,
		Command: Command{Executable: substitute(s.Command.Executable, entry)},
	}
	for _, arg := range s.Command.Args {
		out.Command.Args = append(out.Command.Args, substitute(arg, entry))
	}
	if len(s.Env) > 0 {
		out.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			out.Env[k] = substitute(v, entry)
		}
	}
	return out
}
