package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// tickMin and tickMax clamp the scheduler's sleep between wakeups.
	tickMin = time.Millisecond
	tickMax = 60 * time.Second

	// stuckThreshold: a running_at older than this is considered a
	// leftover from a crash and cleared at startup.
	stuckThreshold = 2 * time.Hour

	// wakeRetryInterval and wakeRetryBudget bound the wake_mode=now
	// loop when the heartbeat reports requests in flight.
	wakeRetryInterval = 250 * time.Millisecond
	wakeRetryBudget   = 120 * time.Second

	// skipRetryDelay spaces out re-attempts of a job that finished
	// skipped, so a stuck one-shot does not spin the ticker.
	skipRetryDelay = 5 * time.Second
)

// Scheduler owns the job catalog and runs due jobs from a single
// cooperative ticker.
//
// The catalog lock covers add/update/remove and due-job computation;
// job execution happens outside it, with running_at providing mutual
// exclusion against the next tick.
type Scheduler struct {
	store  *Store
	runlog *RunLog
	logger *slog.Logger
	now    func() time.Time

	sink             SystemEventSink
	requestHeartbeat func(reason string)
	heartbeatRunner  HeartbeatRunner
	isolated         IsolatedRunner

	mu        sync.Mutex
	jobs      map[string]*Job
	listeners []Listener
	started   bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSystemEventSink wires the dispatcher side-door for main jobs.
func WithSystemEventSink(sink SystemEventSink) SchedulerOption {
	return func(s *Scheduler) { s.sink = sink }
}

// WithHeartbeatRequester wires the request_heartbeat hook.
func WithHeartbeatRequester(fn func(reason string)) SchedulerOption {
	return func(s *Scheduler) { s.requestHeartbeat = fn }
}

// WithHeartbeatRunner wires the forced-heartbeat hook (wake_mode=now).
func WithHeartbeatRunner(r HeartbeatRunner) SchedulerOption {
	return func(s *Scheduler) { s.heartbeatRunner = r }
}

// WithIsolatedRunner wires the isolated agent run hook.
func WithIsolatedRunner(r IsolatedRunner) SchedulerOption {
	return func(s *Scheduler) { s.isolated = r }
}

// NewScheduler loads the catalog and performs the startup recovery
// pass: stuck running flags older than two hours are cleared, next-run
// times of enabled jobs are recomputed, and the catalog is rewritten
// once.
func NewScheduler(store *Store, runlog *RunLog, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		store:  store,
		runlog: runlog,
		logger: slog.Default().With("component", "cron"),
		now:    time.Now,
		jobs:   make(map[string]*Job),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	jobs, err := store.Load()
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, job := range jobs {
		if job.State.RunningAtMS != nil {
			age := now.Sub(msToTime(*job.State.RunningAtMS))
			if age > stuckThreshold {
				s.logger.Warn("clearing stuck running flag",
					"job_id", job.ID, "name", job.Name, "age", age)
			}
			job.State.RunningAtMS = nil
		}
		if job.Enabled {
			next, err := job.Schedule.Next(now)
			if err != nil {
				return nil, fmt.Errorf("job %s: %w", job.ID, err)
			}
			ms := next.UnixMilli()
			job.State.NextRunAtMS = &ms
		} else {
			job.State.NextRunAtMS = nil
		}
		s.jobs[job.ID] = job
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe registers a lifecycle listener. Listeners run on the
// scheduler goroutine and must not block.
func (s *Scheduler) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start launches the ticker loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop ceases ticking and waits for an in-flight run to complete, up to
// the ctx deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		delay := s.nextDelay()
		timer := time.NewTimer(delay)

		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.runDue(ctx)
		}
	}
}

// nextDelay computes the sleep until the earliest next run, clamped to
// [tickMin, tickMax].
func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	delay := tickMax
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMS == nil || job.State.RunningAtMS != nil {
			continue
		}
		d := msToTime(*job.State.NextRunAtMS).Sub(now)
		if d < delay {
			delay = d
		}
	}
	if delay < tickMin {
		delay = tickMin
	}
	return delay
}

// runDue executes every due job serially.
func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMS == nil {
			continue
		}
		if job.State.RunningAtMS != nil {
			// Prior run still in flight; the flag is cleared when it
			// finishes.
			continue
		}
		if !msToTime(*job.State.NextRunAtMS).After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.executeJob(ctx, job.ID)
	}
	return len(due)
}

// RunJob force-runs a job by id regardless of its next-run time.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job %q", id)
	}
	if job.State.RunningAtMS != nil {
		s.mu.Unlock()
		return fmt.Errorf("job %q is already running", id)
	}
	s.mu.Unlock()

	s.executeJob(ctx, id)
	return nil
}

// Add validates and persists a new job. An empty ID is assigned.
func (s *Scheduler) Add(job *Job) (*Job, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.WakeMode == "" {
		job.WakeMode = WakeNextHeartbeat
	}
	job.CreatedAtMS = now.UnixMilli()
	job.UpdatedAtMS = now.UnixMilli()

	if job.Enabled {
		next, err := job.Schedule.Next(now)
		if err != nil {
			return nil, err
		}
		ms := next.UnixMilli()
		job.State.NextRunAtMS = &ms
	} else {
		job.State.NextRunAtMS = nil
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("job %q already exists", job.ID)
	}
	s.jobs[job.ID] = job
	err := s.persistLocked()
	clone := job.clone()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notify(JobEvent{Type: EventAdded, Job: clone})
	s.kick()
	return clone, nil
}

// Update replaces a job definition, revalidating and rescheduling it.
func (s *Scheduler) Update(job *Job) (*Job, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	existing, ok := s.jobs[job.ID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("unknown job %q", job.ID)
	}
	job.CreatedAtMS = existing.CreatedAtMS
	job.UpdatedAtMS = now.UnixMilli()
	job.State = existing.State

	if job.Enabled {
		next, err := job.Schedule.Next(now)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		ms := next.UnixMilli()
		job.State.NextRunAtMS = &ms
	} else {
		job.State.NextRunAtMS = nil
	}

	s.jobs[job.ID] = job
	err := s.persistLocked()
	clone := job.clone()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notify(JobEvent{Type: EventUpdated, Job: clone})
	s.kick()
	return clone, nil
}

// Remove deletes a job and records a removed run entry.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown job %q", id)
	}
	delete(s.jobs, id)
	err := s.persistLocked()
	clone := job.clone()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	rec := RunRecord{JobID: id, Action: ActionRemoved, TSMS: s.now().UnixMilli()}
	if err := s.runlog.Append(rec); err != nil {
		s.logger.Warn("append removed record", "job_id", id, "error", err)
	}
	s.notify(JobEvent{Type: EventRemoved, Job: clone, Record: &rec})
	s.kick()
	return nil
}

// Get returns a copy of the job by id.
func (s *Scheduler) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// List returns copies of all jobs.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.clone())
	}
	return out
}

// Stats summarizes the catalog for the /status surface.
type Stats struct {
	Total   int
	Enabled int
	Running int
}

// Stats returns catalog counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Total: len(s.jobs)}
	for _, job := range s.jobs {
		if job.Enabled {
			st.Enabled++
		}
		if job.State.RunningAtMS != nil {
			st.Running++
		}
	}
	return st
}

// executeJob runs one job end to end: mark running, dispatch by target,
// record the outcome, and reschedule.
func (s *Scheduler) executeJob(ctx context.Context, id string) {
	start := s.now()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.State.RunningAtMS != nil {
		s.mu.Unlock()
		return
	}
	ms := start.UnixMilli()
	job.State.RunningAtMS = &ms
	if err := s.persistLocked(); err != nil {
		job.State.RunningAtMS = nil
		s.mu.Unlock()
		s.logger.Error("persist running flag", "job_id", id, "error", err)
		return
	}
	clone := job.clone()
	s.mu.Unlock()

	startRec := RunRecord{JobID: id, Action: ActionStarted, TSMS: start.UnixMilli()}
	if err := s.runlog.Append(startRec); err != nil {
		s.logger.Warn("append started record", "job_id", id, "error", err)
	}
	s.notify(JobEvent{Type: EventStarted, Job: clone, Record: &startRec})

	var outcome RunOutcome
	switch clone.Target {
	case TargetIsolated:
		outcome = s.runIsolated(ctx, clone)
	default:
		outcome = s.runMain(ctx, clone)
	}

	s.finishJob(ctx, id, start, outcome)
}

// runMain injects the system event and drives the heartbeat.
func (s *Scheduler) runMain(ctx context.Context, job *Job) RunOutcome {
	text := strings.TrimSpace(job.Payload.Text)
	if text == "" {
		// No side effects at all for an empty payload.
		return RunOutcome{Status: StatusSkipped, Error: "empty-payload"}
	}

	if s.sink == nil {
		return RunOutcome{Status: StatusError, Error: "no system event sink configured"}
	}
	meta := map[string]string{"job_id": job.ID, "job_name": job.Name}
	if err := s.sink.EnqueueSystemEvent(ctx, text, meta); err != nil {
		return RunOutcome{Status: StatusError, Error: err.Error()}
	}

	outcome := RunOutcome{Status: StatusOK}
	if job.WakeMode == WakeNow {
		// Absent hook: skip the wait silently; the heartbeat request
		// below still nudges the main loop.
		if s.heartbeatRunner != nil {
			outcome = s.driveHeartbeat(ctx)
		}
	}

	if s.requestHeartbeat != nil {
		s.requestHeartbeat("cron:" + job.ID)
	}
	return outcome
}

// driveHeartbeat forces a heartbeat now, retrying while requests are in
// flight, bounded by wakeRetryBudget.
func (s *Scheduler) driveHeartbeat(ctx context.Context) RunOutcome {
	deadline := s.now().Add(wakeRetryBudget)

	for {
		res, err := s.heartbeatRunner.RunOnce(ctx)
		if err != nil {
			return RunOutcome{Status: StatusError, Error: err.Error()}
		}
		if res.Status != StatusSkipped || res.Reason != ReasonInFlight {
			return RunOutcome{Status: res.Status, Error: res.Reason}
		}
		if s.now().After(deadline) {
			return RunOutcome{Status: StatusSkipped, Error: res.Reason}
		}

		select {
		case <-ctx.Done():
			return RunOutcome{Status: StatusError, Error: ctx.Err().Error()}
		case <-s.stop:
			return RunOutcome{Status: StatusSkipped, Error: "shutdown"}
		case <-time.After(wakeRetryInterval):
		}
	}
}

// runIsolated invokes the isolated agent hook.
func (s *Scheduler) runIsolated(ctx context.Context, job *Job) RunOutcome {
	if s.isolated == nil {
		return RunOutcome{Status: StatusSkipped, Error: "isolated-not-configured"}
	}

	outcome, err := s.isolated.Run(ctx, job, job.Payload.Message)
	if err != nil {
		return RunOutcome{Status: StatusError, Error: err.Error()}
	}
	if outcome.Status == "" {
		outcome.Status = StatusOK
	}

	if job.WakeMode == WakeNow && s.requestHeartbeat != nil {
		s.requestHeartbeat("cron:" + job.ID + ":post")
	}
	return outcome
}

// finishJob records the outcome and computes the job's next schedule:
// recurring jobs get a strictly-future next run; one-shot jobs disable
// (or delete) after ok and stay scheduled with a short backoff after
// skipped or error.
func (s *Scheduler) finishJob(ctx context.Context, id string, start time.Time, outcome RunOutcome) {
	end := s.now()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	job.State.RunningAtMS = nil
	job.State.LastStatus = string(outcome.Status)
	job.State.LastError = outcome.Error
	job.State.LastRunAtMS = start.UnixMilli()
	job.State.RunCount++

	deleted := false
	switch {
	case job.Schedule.Recurring():
		if next, err := job.Schedule.Next(start); err == nil {
			for !next.After(start) {
				next = next.Add(time.Millisecond)
			}
			ms := next.UnixMilli()
			job.State.NextRunAtMS = &ms
		}
	case outcome.Status == StatusOK:
		if job.DeleteAfterRun {
			delete(s.jobs, id)
			deleted = true
		} else {
			job.Enabled = false
			job.State.NextRunAtMS = nil
		}
	case outcome.Status == StatusSkipped, outcome.Status == StatusError:
		// Still retryable; space out the next attempt so a stale
		// due-time cannot spin the ticker at its floor.
		ms := end.Add(skipRetryDelay).UnixMilli()
		job.State.NextRunAtMS = &ms
	}

	if err := s.persistLocked(); err != nil {
		s.logger.Error("persist job outcome", "job_id", id, "error", err)
	}
	clone := job.clone()
	s.mu.Unlock()

	rec := RunRecord{
		JobID:      id,
		Action:     ActionFinished,
		Status:     outcome.Status,
		TSMS:       end.UnixMilli(),
		DurationMS: end.Sub(start).Milliseconds(),
		Summary:    outcome.Summary,
		Error:      outcome.Error,
	}
	if err := s.runlog.Append(rec); err != nil {
		s.logger.Warn("append finished record", "job_id", id, "error", err)
	}
	s.notify(JobEvent{Type: EventFinished, Job: clone, Record: &rec})

	if deleted {
		if err := s.runlog.Remove(id); err != nil {
			s.logger.Warn("remove run log", "job_id", id, "error", err)
		}
		removedRec := RunRecord{JobID: id, Action: ActionRemoved, TSMS: end.UnixMilli()}
		s.notify(JobEvent{Type: EventRemoved, Job: clone, Record: &removedRec})
	}

	s.logger.Info("cron job finished",
		"job_id", id,
		"status", string(outcome.Status),
		"duration_ms", rec.DurationMS)
	s.kick()
}

// persistLocked rewrites the catalog. Caller holds mu.
func (s *Scheduler) persistLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return s.store.Save(jobs)
}

// kick wakes the ticker loop so it recomputes its delay.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) notify(ev JobEvent) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
