package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// pipelineFile is the on-disk shape of a pipeline definition.
type pipelineFile struct {
	Name     string        `yaml:"name"`
	Triggers []triggerFile `yaml:"triggers"`
	Matrix   matrixFile    `yaml:"matrix"`
	Job      jobFile       `yaml:"job"`
}

type triggerFile struct {
	line        int
	keys        []string
	pullRequest branchFilter
	push        branchFilter
	cron        string
}

type branchFilter struct {
	Branches []string `yaml:"branches"`
}

type scheduleFile struct {
	Cron string `yaml:"cron"`
}

// UnmarshalYAML accepts a bare "pull_request" scalar or a single-key
// mapping such as {push: {branches: [master]}}. A key with a null value
// still counts as declared.
func (t *triggerFile) UnmarshalYAML(node *yaml.Node) error {
	t.line = node.Line
	if node.Kind == yaml.ScalarNode {
		t.keys = append(t.keys, node.Value)
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: trigger must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		t.keys = append(t.keys, key.Value)
		switch TriggerKind(key.Value) {
		case TriggerPullRequest:
			if err := value.Decode(&t.pullRequest); err != nil {
				return fmt.Errorf("line %d: pull_request: %w", value.Line, err)
			}
		case TriggerPush:
			if err := value.Decode(&t.push); err != nil {
				return fmt.Errorf("line %d: push: %w", value.Line, err)
			}
		case TriggerSchedule:
			var sf scheduleFile
			if err := value.Decode(&sf); err != nil {
				return fmt.Errorf("line %d: schedule: %w", value.Line, err)
			}
			t.cron = sf.Cron
		}
	}
	return nil
}

type matrixFile struct {
	Axes         axesFile            `yaml:"axes"`
	AllowFailure []map[string]string `yaml:"allow_failure"`
	MaxParallel  int                 `yaml:"max_parallel"`
}

// axesFile keeps the declaration order of the axes mapping, which a Go map
// would lose.
type axesFile []Axis

func (a *axesFile) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix.axes must be a mapping of axis name to values", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		axis := Axis{Name: key.Value}
		switch value.Kind {
		case yaml.SequenceNode:
			for _, item := range value.Content {
				if item.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: axis %q: values must be scalars", item.Line, axis.Name)
				}
				axis.Values = append(axis.Values, item.Value)
			}
		case yaml.ScalarNode:
			// "os: []" arrives as a sequence; a null or bare scalar is
			// treated as an empty axis and reported by validation.
			if value.Tag != "!!null" {
				return fmt.Errorf("line %d: axis %q: values must be a list", value.Line, axis.Name)
			}
		default:
			return fmt.Errorf("line %d: axis %q: values must be a list", value.Line, axis.Name)
		}
		*a = append(*a, axis)
	}
	return nil
}

type jobFile struct {
	OSAxis        *string    `yaml:"os_axis"`
	ToolchainAxis *string    `yaml:"toolchain_axis"`
	Timeout       string     `yaml:"timeout"`
	Steps         []stepFile `yaml:"steps"`
}

type stepFile struct {
	Name    string            `yaml:"name"`
	Command commandFile       `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Timeout string            `yaml:"timeout"`
}

// commandFile is either "cargo" or ["cargo", "build"].
type commandFile []string

func (c *commandFile) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "" {
			*c = commandFile{node.Value}
		}
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return err
		}
		*c = parts
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", node.Line)
}

// ParsePipeline parses and validates YAML content into a Pipeline. Every
// validation problem is reported in a single *ConfigError.
func ParsePipeline(data []byte) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file pipelineFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigError{Problems: []string{"pipeline definition is empty"}}
		}
		return nil, &ConfigError{Problems: []string{err.Error()}}
	}
	return file.build()
}

// LoadPipeline reads a pipeline file and returns the validated Pipeline.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	p, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (f *pipelineFile) build() (*Pipeline, error) {
	cfgErr := &ConfigError{}
	p := &Pipeline{Name: f.Name}
	if p.Name == "" {
		p.Name = "pipeline"
	}

	p.Triggers = buildTriggers(f.Triggers, cfgErr)

	p.Matrix = Matrix{
		Axes:         []Axis(f.Matrix.Axes),
		AllowFailure: f.Matrix.AllowFailure,
		MaxParallel:  f.Matrix.MaxParallel,
	}
	if _, err := Expand(p.Matrix.Axes); err != nil {
		var axisErr *ConfigError
		if errors.As(err, &axisErr) {
			cfgErr.Problems = append(cfgErr.Problems, axisErr.Problems...)
		}
	}
	if p.Matrix.MaxParallel < 0 {
		cfgErr.addf("matrix.max_parallel must not be negative")
	}
	axisValues := make(map[string]map[string]bool, len(p.Matrix.Axes))
	for _, axis := range p.Matrix.Axes {
		values := make(map[string]bool, len(axis.Values))
		for _, v := range axis.Values {
			values[v] = true
		}
		axisValues[axis.Name] = values
	}
	for i, partial := range p.Matrix.AllowFailure {
		if len(partial) == 0 {
			cfgErr.addf("matrix.allow_failure[%d] is empty and would match every job", i)
		}
		for name, value := range partial {
			values, ok := axisValues[name]
			if !ok {
				cfgErr.addf("matrix.allow_failure[%d] names unknown axis %q", i, name)
				continue
			}
			if !values[value] {
				cfgErr.addf("matrix.allow_failure[%d]: axis %q has no value %q", i, name, value)
			}
		}
	}

	p.Job.OSAxis = pickAxis(f.Job.OSAxis, "os", axisValues, "job.os_axis", cfgErr)
	p.Job.ToolchainAxis = pickAxis(f.Job.ToolchainAxis, "toolchain", axisValues, "job.toolchain_axis", cfgErr)
	p.Job.Timeout = parseDuration(f.Job.Timeout, "job.timeout", cfgErr)
	p.Job.Steps = buildSteps(f.Job.Steps, axisValues, cfgErr)

	if err := cfgErr.orNil(); err != nil {
		return nil, err
	}
	return p, nil
}

func buildTriggers(files []triggerFile, cfgErr *ConfigError) Triggers {
	if len(files) == 0 {
		cfgErr.addf("no triggers declared")
	}
	var out Triggers
	seenCron := make(map[string]bool)
	for i, tf := range files {
		if len(tf.keys) != 1 {
			cfgErr.addf("triggers[%d] (line %d) must declare exactly one of pull_request, push, schedule", i, tf.line)
			continue
		}
		switch kind := TriggerKind(tf.keys[0]); kind {
		case TriggerPullRequest:
			out = append(out, Trigger{Kind: kind, Branches: tf.pullRequest.Branches})
		case TriggerPush:
			if len(tf.push.Branches) == 0 {
				cfgErr.addf("triggers[%d]: push needs at least one branch", i)
				continue
			}
			out = append(out, Trigger{Kind: kind, Branches: tf.push.Branches})
		case TriggerSchedule:
			schedule, err := ParseSchedule(tf.cron)
			if err != nil {
				cfgErr.addf("triggers[%d]: schedule: %v", i, err)
				continue
			}
			if seenCron[schedule.String()] {
				cfgErr.addf("triggers[%d]: schedule %q declared twice", i, schedule.String())
				continue
			}
			seenCron[schedule.String()] = true
			out = append(out, Trigger{Kind: kind, Cron: schedule.String(), schedule: schedule})
		default:
			cfgErr.addf("triggers[%d]: unknown trigger %q", i, tf.keys[0])
		}
	}
	return out
}

// pickAxis resolves the os/toolchain axis name. An explicit name must
// exist; the default name is used only when such an axis is declared.
func pickAxis(explicit *string, fallback string, axes map[string]map[string]bool, field string, cfgErr *ConfigError) string {
	if explicit != nil {
		if *explicit == "" {
			return ""
		}
		if _, ok := axes[*explicit]; !ok {
			cfgErr.addf("%s names unknown axis %q", field, *explicit)
			return ""
		}
		return *explicit
	}
	if _, ok := axes[fallback]; ok {
		return fallback
	}
	return ""
}

func parseDuration(value, field string, cfgErr *ConfigError) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		cfgErr.addf("%s: %v", field, err)
		return 0
	}
	if d < 0 {
		cfgErr.addf("%s must not be negative", field)
		return 0
	}
	return d
}

func buildSteps(files []stepFile, axes map[string]map[string]bool, cfgErr *ConfigError) []Step {
	if len(files) == 0 {
		cfgErr.addf("job.steps is empty")
	}
	steps := make([]Step, 0, len(files))
	names := make(map[string]bool, len(files))
	for i, sf := range files {
		field := fmt.Sprintf("job.steps[%d]", i)
		if sf.Name == "" {
			cfgErr.addf("%s has no name", field)
		} else if names[sf.Name] {
			cfgErr.addf("duplicate step name %q", sf.Name)
		}
		names[sf.Name] = true

		if len(sf.Command) == 0 || sf.Command[0] == "" {
			cfgErr.addf("%s (%s) has no command", field, sf.Name)
			continue
		}
		step := Step{
			Name: sf.Name,
			Command: Command{
				Executable: sf.Command[0],
				Args:       append(append([]string{}, sf.Command[1:]...), sf.Args...),
			},
			Env:     sf.Env,
			Timeout: parseDuration(sf.Timeout, field+".timeout", cfgErr),
		}

		texts := append([]string{step.Command.Executable}, step.Command.Args...)
		for _, v := range step.Env {
			texts = append(texts, v)
		}
		for _, text := range texts {
			for _, name := range placeholders(text) {
				if _, ok := axes[name]; !ok {
					cfgErr.addf("%s (%s) references unknown axis %q", field, sf.Name, name)
				}
			}
		}
		steps = append(steps, step)
	}
	return steps
}
