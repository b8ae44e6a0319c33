// Package cron implements the durable job catalog and due-time
// scheduler for main-session system events and isolated agent runs.
package cron

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Target selects where a job's payload is delivered.
type Target string

const (
	// TargetMain injects a system event into the dispatcher side-door.
	TargetMain Target = "main"

	// TargetIsolated spawns a standalone agent run via the configured hook.
	TargetIsolated Target = "isolated"
)

// WakeMode controls whether a main-target run actively drives a
// heartbeat or waits for the next natural one.
type WakeMode string

const (
	WakeNextHeartbeat WakeMode = "next_heartbeat"
	WakeNow           WakeMode = "now"
)

// Payload is the tagged job payload. Kind "systemEvent" (Text) is
// required for main-target jobs, "agentTurn" (Message, Model) for
// isolated-target jobs.
type Payload struct {
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
	Model   string `json:"model,omitempty"`
}

const (
	PayloadSystemEvent = "systemEvent"
	PayloadAgentTurn   = "agentTurn"
)

// JobState is the mutable scheduling state of a job.
// Invariant: a disabled job has no NextRunAtMS.
type JobState struct {
	NextRunAtMS *int64 `json:"next_run_at_ms,omitempty"`
	RunningAtMS *int64 `json:"running_at_ms,omitempty"`
	LastStatus  string `json:"last_status,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	LastRunAtMS int64  `json:"last_run_at_ms,omitempty"`
	RunCount    int    `json:"run_count"`
}

// Job is one catalog entry.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	CreatedAtMS    int64    `json:"created_at_ms"`
	UpdatedAtMS    int64    `json:"updated_at_ms"`
	Schedule       Schedule `json:"schedule"`
	Target         Target   `json:"target"`
	WakeMode       WakeMode `json:"wake_mode"`
	Payload        Payload  `json:"payload"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`
	State          JobState `json:"state"`
}

// Validate rejects malformed jobs at creation time, in particular a
// target/payload kind mismatch.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if err := j.Schedule.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}

	switch j.Target {
	case TargetMain:
		if j.Payload.Kind != PayloadSystemEvent {
			return fmt.Errorf("job %s: target=main requires a systemEvent payload, got %q", j.Name, j.Payload.Kind)
		}
	case TargetIsolated:
		if j.Payload.Kind != PayloadAgentTurn {
			return fmt.Errorf("job %s: target=isolated requires an agentTurn payload, got %q", j.Name, j.Payload.Kind)
		}
	default:
		return fmt.Errorf("job %s: unknown target %q", j.Name, j.Target)
	}

	switch j.WakeMode {
	case "", WakeNextHeartbeat, WakeNow:
	default:
		return fmt.Errorf("job %s: unknown wake mode %q", j.Name, j.WakeMode)
	}
	return nil
}

// clone returns a deep-enough copy for handing out of the scheduler lock.
func (j *Job) clone() *Job {
	c := *j
	if j.State.NextRunAtMS != nil {
		v := *j.State.NextRunAtMS
		c.State.NextRunAtMS = &v
	}
	if j.State.RunningAtMS != nil {
		v := *j.State.RunningAtMS
		c.State.RunningAtMS = &v
	}
	return &c
}

// RunAction labels a run-record entry.
type RunAction string

const (
	ActionStarted  RunAction = "started"
	ActionFinished RunAction = "finished"
	ActionRemoved  RunAction = "removed"
)

// RunStatus is the outcome of one execution.
type RunStatus string

const (
	StatusOK      RunStatus = "ok"
	StatusError   RunStatus = "error"
	StatusSkipped RunStatus = "skipped"
)

// RunRecord is one persisted run-history entry.
type RunRecord struct {
	JobID      string    `json:"job_id"`
	Action     RunAction `json:"action"`
	Status     RunStatus `json:"status,omitempty"`
	TSMS       int64     `json:"ts_ms"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// SystemEventSink is the dispatcher side-door main-target runs inject
// synthetic user turns through.
type SystemEventSink interface {
	EnqueueSystemEvent(ctx context.Context, text string, meta map[string]string) error
}

// SystemEventSinkFunc adapts a function to a SystemEventSink.
type SystemEventSinkFunc func(ctx context.Context, text string, meta map[string]string) error

func (f SystemEventSinkFunc) EnqueueSystemEvent(ctx context.Context, text string, meta map[string]string) error {
	return f(ctx, text, meta)
}

// ReasonInFlight is the skip reason a busy heartbeat reports; forced
// wakes retry while they see it.
const ReasonInFlight = "requests-in-flight"

// HeartbeatResult reports one forced heartbeat attempt.
type HeartbeatResult struct {
	Status RunStatus
	Reason string
}

// HeartbeatRunner forces one heartbeat immediately (wake_mode=now).
type HeartbeatRunner interface {
	RunOnce(ctx context.Context) (HeartbeatResult, error)
}

// HeartbeatRunnerFunc adapts a function to a HeartbeatRunner.
type HeartbeatRunnerFunc func(ctx context.Context) (HeartbeatResult, error)

func (f HeartbeatRunnerFunc) RunOnce(ctx context.Context) (HeartbeatResult, error) {
	return f(ctx)
}

// RunOutcome is what an isolated agent run reports back.
type RunOutcome struct {
	Status  RunStatus
	Summary string
	Error   string
}

// IsolatedRunner executes isolated-target jobs.
type IsolatedRunner interface {
	Run(ctx context.Context, job *Job, message string) (RunOutcome, error)
}

// IsolatedRunnerFunc adapts a function to an IsolatedRunner.
type IsolatedRunnerFunc func(ctx context.Context, job *Job, message string) (RunOutcome, error)

func (f IsolatedRunnerFunc) Run(ctx context.Context, job *Job, message string) (RunOutcome, error) {
	return f(ctx, job, message)
}

// EventType labels a job lifecycle notification.
type EventType string

const (
	EventAdded    EventType = "added"
	EventUpdated  EventType = "updated"
	EventRemoved  EventType = "removed"
	EventStarted  EventType = "started"
	EventFinished EventType = "finished"
)

// JobEvent is delivered to listeners on every lifecycle transition.
// Listeners run cooperatively on the scheduler goroutine.
type JobEvent struct {
	Type   EventType
	Job    *Job
	Record *RunRecord
}

// Listener receives job lifecycle events.
type Listener func(ev JobEvent)

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
