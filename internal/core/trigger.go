package core

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind names the kind of repository event a trigger reacts to.
type TriggerKind string

const (
	TriggerPullRequest TriggerKind = "pull_request"
	TriggerPush        TriggerKind = "push"
	TriggerSchedule    TriggerKind = "schedule"
)

// Trigger is one declared condition under which a run is created.
type Trigger struct {
	Kind TriggerKind

	// Branches lists push target branches, or pull request base branches.
	// An empty list on a pull_request trigger accepts every base branch.
	Branches []string

	// Cron is the schedule expression of a schedule trigger.
	Cron     string
	schedule Schedule
}

// Triggers is the declared trigger set of a pipeline.
type Triggers []Trigger

// Matches reports whether ev satisfies at least one trigger. It has no side
// effects; a false result is a normal skip, not an error.
func (ts Triggers) Matches(ev Event) bool {
	for _, t := range ts {
		if t.Matches(ev) {
			return true
		}
	}
	return false
}

// Schedules returns the schedule triggers in declaration order.
func (ts Triggers) Schedules() []Trigger {
	var out []Trigger
	for _, t := range ts {
		if t.Kind == TriggerSchedule {
			out = append(out, t)
		}
	}
	return out
}

// Matches reports whether ev satisfies t.
func (t Trigger) Matches(ev Event) bool {
	if ev.Kind != t.Kind {
		return false
	}
	switch t.Kind {
	case TriggerPush:
		return slices.Contains(t.Branches, ev.Branch)
	case TriggerPullRequest:
		return len(t.Branches) == 0 || slices.Contains(t.Branches, ev.Branch)
	case TriggerSchedule:
		return normalizeCron(ev.Cron) == normalizeCron(t.Cron) && t.schedule.IsDue(ev.Due())
	}
	return false
}

// Schedule returns the parsed schedule of a schedule trigger.
func (t Trigger) Schedule() Schedule { return t.schedule }

// Schedule is a parsed 5-field cron expression evaluated in UTC unless the
// expression carries its own CRON_TZ= prefix.
type Schedule struct {
	expr  string
	inner cron.Schedule
}

// ParseSchedule parses a standard cron expression. Interval descriptors
// ("@every 5m") are rejected because they have no fixed due times.
func ParseSchedule(expr string) (Schedule, error) {
	expr = normalizeCron(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(expr, "@every") {
		return Schedule{}, fmt.Errorf("cron %q: interval schedules are not supported", expr)
	}
	spec := expr
	if !strings.HasPrefix(spec, "TZ=") && !strings.HasPrefix(spec, "CRON_TZ=") {
		spec = "CRON_TZ=UTC " + spec
	}
	inner, err := cron.ParseStandard(spec)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron %q: %w", expr, err)
	}
	return Schedule{expr: expr, inner: inner}, nil
}

func (s Schedule) String() string { return s.expr }

// normalizeCron collapses the whitespace between cron fields so that
// equivalent spellings of one expression compare equal.
func normalizeCron(expr string) string {
	return strings.Join(strings.Fields(expr), " ")
}

// Next returns the first due time strictly after t, or the zero time when
// the schedule never fires again.
func (s Schedule) Next(t time.Time) time.Time {
	if s.inner == nil {
		return time.Time{}
	}
	return s.inner.Next(t)
}

// IsDue reports whether t is exactly one of the schedule's due times.
func (s Schedule) IsDue(t time.Time) bool {
	if s.inner == nil || t.IsZero() {
		return false
	}
	return s.inner.Next(t.Add(-time.Nanosecond)).Equal(t)
}

// DueTimes returns every due time in (after, until], oldest first.
func (s Schedule) DueTimes(after, until time.Time) []time.Time {
	var out []time.Time
	for t := s.Next(after); !t.IsZero() && !t.After(until); t = s.Next(t) {
		out = append(out, t)
	}
	return out
}

// Latest returns the most recent due time at or before t, looking back at
// most a year. It returns the zero time when nothing fired in that window.
func (s Schedule) Latest(t time.Time) time.Time {
	for _, back := range []time.Duration{time.Hour, 24 * time.Hour, 31 * 24 * time.Hour, 366 * 24 * time.Hour} {
		if due := s.DueTimes(t.Add(-back), t); len(due) > 0 {
			return due[len(due)-1]
		}
	}
	return time.Time{}
}

// EventKind mirrors TriggerKind for incoming events.
type EventKind = TriggerKind

// Event is something that happened in the repository or on the clock.
type Event struct {
	Kind EventKind `json:"kind"`

	// Branch is the push target branch, or the pull request base branch.
	Branch string `json:"branch,omitempty"`

	// PullRequest is the pull request number for pull_request events.
	PullRequest int `json:"pull_request,omitempty"`

	// Revision is informational: the commit the run builds.
	Revision string `json:"revision,omitempty"`

	Cron    string     `json:"cron,omitempty"`
	DueTime *time.Time `json:"due_time,omitempty"`
}

// Due returns the due time of a schedule event, or the zero time.
func (ev Event) Due() time.Time {
	if ev.DueTime == nil {
		return time.Time{}
	}
	return *ev.DueTime
}

// PushEvent is a push to branch.
func PushEvent(branch string) Event {
	return Event{Kind: TriggerPush, Branch: branch}
}

// PullRequestEvent is the submission or update of pull request number
// against base.
func PullRequestEvent(number int, base string) Event {
	return Event{Kind: TriggerPullRequest, PullRequest: number, Branch: base}
}

// ScheduleEvent is the arrival of one due time of a cron expression.
func ScheduleEvent(expr string, due time.Time) Event {
	return Event{Kind: TriggerSchedule, Cron: normalizeCron(expr), DueTime: &due}
}

// supersedeKey groups events whose newer runs replace older ones. Scheduled
// runs never supersede each other.
func (ev Event) supersedeKey() string {
	switch ev.Kind {
	case TriggerPush:
		return "push/" + ev.Branch
	case TriggerPullRequest:
		if ev.PullRequest > 0 {
			return fmt.Sprintf("pull_request/%d", ev.PullRequest)
		}
	}
	return ""
}

// IdempotencyKey identifies the event for deduplication by callers.
func (ev Event) IdempotencyKey() string {
	switch ev.Kind {
	case TriggerSchedule:
		return fmt.Sprintf("schedule/%s@%s", ev.Cron, ev.Due().UTC().Format(time.RFC3339))
	case TriggerPullRequest:
		return fmt.Sprintf("pull_request/%d/%s", ev.PullRequest, ev.Revision)
	default:
		return fmt.Sprintf("%s/%s/%s", ev.Kind, ev.Branch, ev.Revision)
	}
}
