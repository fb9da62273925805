package polos

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind distinguishes how a workflow starts.
type TriggerKind string

const (
	// TriggerManual workflows start only through explicit invocation.
	TriggerManual TriggerKind = "manual"
	// TriggerEvent workflows start when an event is published on a topic.
	TriggerEvent TriggerKind = "event"
	// TriggerCron workflows start on a schedule owned by the orchestrator.
	TriggerCron TriggerKind = "cron"
)

// Trigger describes when the orchestrator should start a workflow. The
// zero value is the manual trigger.
type Trigger struct {
	Kind  TriggerKind
	Topic string // event trigger
	Expr  string // cron trigger

	schedule cron.Schedule
}

// EventTrigger starts the workflow whenever an event is published on topic.
func EventTrigger(topic string) Trigger {
	return Trigger{Kind: TriggerEvent, Topic: topic}
}

// CronTrigger starts the workflow on a cron schedule. The expression is
// validated here, at definition time, so a bad schedule fails the program
// instead of silently never firing. Standard 5-field expressions and
// descriptors (@hourly, @daily, …) are accepted.
func CronTrigger(expr string) (Trigger, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return Trigger{}, fmt.Errorf("cron trigger %q: %w", expr, err)
	}
	return Trigger{Kind: TriggerCron, Expr: expr, schedule: schedule}, nil
}

// MustCronTrigger is CronTrigger that panics on an invalid expression. For
// package-level definition declarations.
func MustCronTrigger(expr string) Trigger {
	t, err := CronTrigger(expr)
	if err != nil {
		panic(err)
	}
	return t
}

// Scheduled reports whether the trigger is cron-driven. Scheduled workflows
// are omitted from queue registration; the orchestrator lanes them itself.
func (t Trigger) Scheduled() bool { return t.Kind == TriggerCron }

// Next returns the first firing at or after from. Zero time for non-cron
// triggers.
func (t Trigger) Next(from time.Time) time.Time {
	if t.schedule == nil {
		return time.Time{}
	}
	return t.schedule.Next(from)
}
