package cron

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, clock *fakeClock, opts ...SchedulerOption) *Scheduler {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	runlog, err := NewRunLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewRunLog() error = %v", err)
	}
	opts = append([]SchedulerOption{WithNow(clock.Now)}, opts...)
	s, err := NewScheduler(store, runlog, opts...)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	return s
}

func TestSchedulerOneShotMainRun(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var sinkCalls atomic.Int32
	var sinkText string
	var heartbeats []string
	var mu sync.Mutex

	s := newTestScheduler(t, clock,
		WithSystemEventSink(SystemEventSinkFunc(func(ctx context.Context, text string, meta map[string]string) error {
			sinkCalls.Add(1)
			sinkText = text
			return nil
		})),
		WithHeartbeatRequester(func(reason string) {
			mu.Lock()
			heartbeats = append(heartbeats, reason)
			mu.Unlock()
		}),
	)

	job, err := s.Add(&Job{
		Name:     "check",
		Enabled:  true,
		Schedule: At(clock.Now().Add(100 * time.Millisecond)),
		Target:   TargetMain,
		WakeMode: WakeNextHeartbeat,
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "check"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	clock.Advance(200 * time.Millisecond)
	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	if got := sinkCalls.Load(); got != 1 {
		t.Errorf("sink calls = %d, want 1", got)
	}
	if sinkText != "check" {
		t.Errorf("sink text = %q, want %q", sinkText, "check")
	}
	mu.Lock()
	if len(heartbeats) != 1 || heartbeats[0] != "cron:"+job.ID {
		t.Errorf("heartbeat requests = %v, want [cron:%s]", heartbeats, job.ID)
	}
	mu.Unlock()

	after, ok := s.Get(job.ID)
	if !ok {
		t.Fatal("job disappeared after run")
	}
	if after.Enabled {
		t.Error("one-shot job still enabled after ok run")
	}
	if after.State.NextRunAtMS != nil {
		t.Errorf("next_run_at = %v, want nil for disabled one-shot", *after.State.NextRunAtMS)
	}
	if after.State.LastStatus != string(StatusOK) {
		t.Errorf("last_status = %q, want ok", after.State.LastStatus)
	}
	if after.State.RunCount != 1 {
		t.Errorf("run_count = %d, want 1", after.State.RunCount)
	}

	records, err := s.runlog.Read(job.ID)
	if err != nil {
		t.Fatalf("runlog.Read() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("runlog has %d records, want started+finished", len(records))
	}
	if records[0].Action != ActionStarted || records[1].Action != ActionFinished {
		t.Errorf("record actions = %s, %s", records[0].Action, records[1].Action)
	}
	if records[1].Status != StatusOK {
		t.Errorf("finished status = %s, want ok", records[1].Status)
	}
}

func TestSchedulerRecurringReschedule(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC))

	s := newTestScheduler(t, clock,
		WithSystemEventSink(SystemEventSinkFunc(func(ctx context.Context, text string, meta map[string]string) error {
			return nil
		})),
	)

	job, err := s.Add(&Job{
		Name:     "every-minute",
		Enabled:  true,
		Schedule: Cron("* * * * *", ""),
		Target:   TargetMain,
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "tick"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	start := clock.Now()
	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	after, _ := s.Get(job.ID)
	if !after.Enabled {
		t.Error("recurring job disabled after run")
	}
	if after.State.NextRunAtMS == nil {
		t.Fatal("recurring job has no next run")
	}
	if next := time.UnixMilli(*after.State.NextRunAtMS); !next.After(start) {
		t.Errorf("next run %v not after run start %v", next, start)
	}
	if after.State.LastStatus != string(StatusOK) {
		t.Errorf("last_status = %q, want ok", after.State.LastStatus)
	}
}

func TestSchedulerEmptyPayloadSkipped(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var sinkCalls atomic.Int32
	var heartbeatCalls atomic.Int32
	s := newTestScheduler(t, clock,
		WithSystemEventSink(SystemEventSinkFunc(func(ctx context.Context, text string, meta map[string]string) error {
			sinkCalls.Add(1)
			return nil
		})),
		WithHeartbeatRequester(func(reason string) { heartbeatCalls.Add(1) }),
	)

	job, err := s.Add(&Job{
		Name:     "blank",
		Enabled:  true,
		Schedule: At(clock.Now()),
		Target:   TargetMain,
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "   "},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	if sinkCalls.Load() != 0 {
		t.Error("sink called for empty payload")
	}
	if heartbeatCalls.Load() != 0 {
		t.Error("heartbeat requested for empty payload")
	}

	after, _ := s.Get(job.ID)
	if !after.Enabled {
		t.Error("skipped one-shot was disabled; must stay retryable")
	}
	if after.State.NextRunAtMS == nil {
		t.Error("skipped one-shot lost its next run")
	}
	if after.State.LastStatus != string(StatusSkipped) {
		t.Errorf("last_status = %q, want skipped", after.State.LastStatus)
	}
	if after.State.LastError != "empty-payload" {
		t.Errorf("last_error = %q, want empty-payload", after.State.LastError)
	}
}

func TestSchedulerOneShotErrorBackoff(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	// No system event sink: every main run fails.
	s := newTestScheduler(t, clock)

	job, err := s.Add(&Job{
		Name:     "orphan",
		Enabled:  true,
		Schedule: At(clock.Now().Add(-time.Second)),
		Target:   TargetMain,
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "ping"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	after, _ := s.Get(job.ID)
	if after.State.LastStatus != string(StatusError) {
		t.Fatalf("last_status = %q, want error", after.State.LastStatus)
	}
	if !after.Enabled {
		t.Error("failed one-shot was disabled; must stay retryable")
	}
	if after.State.NextRunAtMS == nil {
		t.Fatal("failed one-shot lost its next run")
	}
	// The next attempt is pushed into the future; a stale due-time here
	// would make the job due again on every tick.
	next := time.UnixMilli(*after.State.NextRunAtMS)
	if !next.After(clock.Now()) {
		t.Errorf("next run %v not after %v", next, clock.Now())
	}
	if want := clock.Now().Add(skipRetryDelay); !next.Equal(want) {
		t.Errorf("next run %v, want %v", next, want)
	}

	// After the backoff elapses the job runs (and fails) again.
	clock.Advance(skipRetryDelay + time.Second)
	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	after, _ = s.Get(job.ID)
	if after.State.RunCount != 2 {
		t.Errorf("run_count = %d, want 2", after.State.RunCount)
	}
	if next := time.UnixMilli(*after.State.NextRunAtMS); !next.After(clock.Now()) {
		t.Errorf("next run %v not pushed forward after second failure", next)
	}
}

func TestSchedulerIsolatedNotConfigured(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clock)

	job, err := s.Add(&Job{
		Name:     "lonely",
		Enabled:  true,
		Schedule: At(clock.Now()),
		Target:   TargetIsolated,
		Payload:  Payload{Kind: PayloadAgentTurn, Message: "do research"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	after, _ := s.Get(job.ID)
	if after.State.LastStatus != string(StatusSkipped) {
		t.Errorf("last_status = %q, want skipped", after.State.LastStatus)
	}
	if after.State.LastError != "isolated-not-configured" {
		t.Errorf("last_error = %q, want isolated-not-configured", after.State.LastError)
	}
	if !after.Enabled {
		t.Error("skipped isolated job was disabled")
	}
}

func TestSchedulerIsolatedOutcomePersisted(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var heartbeats []string
	var mu sync.Mutex
	s := newTestScheduler(t, clock,
		WithIsolatedRunner(IsolatedRunnerFunc(func(ctx context.Context, job *Job, message string) (RunOutcome, error) {
			if message != "summarize the week" {
				t.Errorf("isolated message = %q", message)
			}
			return RunOutcome{Status: StatusOK, Summary: "done"}, nil
		})),
		WithHeartbeatRequester(func(reason string) {
			mu.Lock()
			heartbeats = append(heartbeats, reason)
			mu.Unlock()
		}),
	)

	job, err := s.Add(&Job{
		Name:     "weekly",
		Enabled:  true,
		Schedule: At(clock.Now()),
		Target:   TargetIsolated,
		WakeMode: WakeNow,
		Payload:  Payload{Kind: PayloadAgentTurn, Message: "summarize the week"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	after, _ := s.Get(job.ID)
	if after.State.LastStatus != string(StatusOK) {
		t.Errorf("last_status = %q, want ok", after.State.LastStatus)
	}
	if after.Enabled {
		t.Error("one-shot isolated job still enabled after ok")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(heartbeats) != 1 || heartbeats[0] != "cron:"+job.ID+":post" {
		t.Errorf("heartbeats = %v, want [cron:%s:post]", heartbeats, job.ID)
	}
}

func TestSchedulerDeleteAfterRun(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clock,
		WithSystemEventSink(SystemEventSinkFunc(func(ctx context.Context, text string, meta map[string]string) error {
			return nil
		})),
	)

	job, err := s.Add(&Job{
		Name:           "ephemeral",
		Enabled:        true,
		Schedule:       At(clock.Now()),
		Target:         TargetMain,
		Payload:        Payload{Kind: PayloadSystemEvent, Text: "once"},
		DeleteAfterRun: true,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	if _, ok := s.Get(job.ID); ok {
		t.Error("delete_after_run job still in catalog")
	}
	records, err := s.runlog.Read(job.ID)
	if err != nil {
		t.Fatalf("runlog.Read() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("run history kept after delete: %d records", len(records))
	}
}

func TestSchedulerWakeNowRetriesBusyHeartbeat(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var attempts atomic.Int32
	s := newTestScheduler(t, clock,
		WithSystemEventSink(SystemEventSinkFunc(func(ctx context.Context, text string, meta map[string]string) error {
			return nil
		})),
		WithHeartbeatRequester(func(string) {}),
		WithHeartbeatRunner(HeartbeatRunnerFunc(func(ctx context.Context) (HeartbeatResult, error) {
			if attempts.Add(1) < 3 {
				return HeartbeatResult{Status: StatusSkipped, Reason: ReasonInFlight}, nil
			}
			return HeartbeatResult{Status: StatusOK}, nil
		})),
	)

	job, err := s.Add(&Job{
		Name:     "urgent",
		Enabled:  true,
		Schedule: At(clock.Now()),
		Target:   TargetMain,
		WakeMode: WakeNow,
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "now please"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("heartbeat attempts = %d, want 3", got)
	}
	after, _ := s.Get(job.ID)
	if after.State.LastStatus != string(StatusOK) {
		t.Errorf("last_status = %q, want ok", after.State.LastStatus)
	}
}

func TestSchedulerRecoveryClearsStuckRunning(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	stuck := clock.Now().Add(-3 * time.Hour).UnixMilli()
	seed := []*Job{{
		ID:       "stuck-job",
		Name:     "stuck",
		Enabled:  true,
		Schedule: Cron("* * * * *", ""),
		Target:   TargetMain,
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "tick"},
		State:    JobState{RunningAtMS: &stuck},
	}}
	if err := store.Save(seed); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	runlog, err := NewRunLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewRunLog() error = %v", err)
	}
	s, err := NewScheduler(store, runlog, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	job, ok := s.Get("stuck-job")
	if !ok {
		t.Fatal("seeded job missing after recovery")
	}
	if job.State.RunningAtMS != nil {
		t.Error("stuck running flag not cleared on startup")
	}
	if job.State.NextRunAtMS == nil {
		t.Error("next run not recomputed on startup")
	}
}

func TestSchedulerValidateRejectsMismatchedPayload(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clock)

	_, err := s.Add(&Job{
		Name:     "mismatch",
		Enabled:  true,
		Schedule: At(clock.Now()),
		Target:   TargetMain,
		Payload:  Payload{Kind: PayloadAgentTurn, Message: "wrong kind"},
	})
	if err == nil {
		t.Fatal("Add() accepted main target with agentTurn payload")
	}
	if !strings.Contains(err.Error(), "systemEvent") {
		t.Errorf("Add() error = %v, want payload kind hint", err)
	}
}

func TestSchedulerRemove(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := newTestScheduler(t, clock)

	job, err := s.Add(&Job{
		Name:     "doomed",
		Enabled:  true,
		Schedule: At(clock.Now().Add(time.Hour)),
		Target:   TargetMain,
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "bye"},
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := s.Remove(job.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok := s.Get(job.ID); ok {
		t.Error("removed job still present")
	}
	if err := s.Remove(job.ID); err == nil {
		t.Error("Remove() of unknown job should fail")
	}
}
