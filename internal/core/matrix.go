package core

import (
	"strings"
)

// AxisValue is the value one axis takes in a matrix entry.
type AxisValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MatrixEntry assigns one value to every axis, in axis declaration order.
type MatrixEntry []AxisValue

// Get returns the value of axis name.
func (e MatrixEntry) Get(name string) (string, bool) {
	for _, av := range e {
		if av.Name == name {
			return av.Value, true
		}
	}
	return "", false
}

// Key is a stable, human readable identity such as
// "os=ubuntu-latest,toolchain=stable".
func (e MatrixEntry) Key() string {
	parts := make([]string, len(e))
	for i, av := range e {
		parts[i] = av.Name + "=" + av.Value
	}
	return strings.Join(parts, ",")
}

// Matches reports whether every axis named in partial has the given value
// in e. An empty partial matches everything.
func (e MatrixEntry) Matches(partial map[string]string) bool {
	for name, want := range partial {
		got, ok := e.Get(name)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Expand returns the cross product of axes as an explicit list. Entries are
// ordered lexicographically over axis declaration order, the last axis
// varying fastest. An axis with no values is a configuration error rather
// than an empty matrix; no axes at all yields a single empty entry.
func Expand(axes []Axis) ([]MatrixEntry, error) {
	cfgErr := &ConfigError{}
	seenAxes := make(map[string]bool, len(axes))
	for _, axis := range axes {
		if seenAxes[axis.Name] {
			cfgErr.addf("matrix axis %q declared twice", axis.Name)
		}
		seenAxes[axis.Name] = true
		if len(axis.Values) == 0 {
			cfgErr.addf("matrix axis %q has no values", axis.Name)
			continue
		}
		seen := make(map[string]bool, len(axis.Values))
		for _, v := range axis.Values {
			if seen[v] {
				cfgErr.addf("matrix axis %q lists value %q twice", axis.Name, v)
			}
			seen[v] = true
		}
	}
	if err := cfgErr.orNil(); err != nil {
		return nil, err
	}

	entries := []MatrixEntry{{}}
	for _, axis := range axes {
		next := make([]MatrixEntry, 0, len(entries)*len(axis.Values))
		for _, entry := range entries {
			for _, value := range axis.Values {
				combined := make(MatrixEntry, len(entry), len(entry)+1)
				copy(combined, entry)
				next = append(next, append(combined, AxisValue{Name: axis.Name, Value: value}))
			}
		}
		entries = next
	}
	return entries, nil
}
