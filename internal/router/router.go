package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawgate/internal/catalog"
	"github.com/openclaw/clawgate/internal/events"
	"github.com/openclaw/clawgate/internal/ledger"
	"github.com/openclaw/clawgate/internal/registry"
)

// ConnectionTable resolves a provider id to its live transport.
// *registry.Registry satisfies it.
type ConnectionTable interface {
	Lookup(providerID string) (registry.Transport, error)
}

// Config holds router configuration.
type Config struct {
	// JobTimeout bounds a job's total lifetime after dispatch (default 5m)
	JobTimeout time.Duration

	// Retention is how long terminal jobs stay queryable in memory
	// before only the archive serves them (default 1h)
	Retention time.Duration

	// DebugFunc is an optional callback for debug logging
	DebugFunc func(format string, args ...any)
}

// Router owns the in-flight job table.
type Router struct {
	catalog *catalog.Catalog
	ledger  *ledger.Service
	conns   ConnectionTable
	bus     *events.Bus
	archive *Store
	cfg     Config

	mu   sync.RWMutex
	jobs map[string]*trackedJob

	debugFunc func(format string, args ...any)
}

type trackedJob struct {
	mu    sync.Mutex
	job   Job
	done  chan struct{}
	timer *time.Timer
}

// New creates a router. archive may be nil to disable the durable store.
func New(cat *catalog.Catalog, led *ledger.Service, conns ConnectionTable, bus *events.Bus, archive *Store, cfg Config) *Router {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Router{
		catalog:   cat,
		ledger:    led,
		conns:     conns,
		bus:       bus,
		archive:   archive,
		cfg:       cfg,
		jobs:      make(map[string]*trackedJob),
		debugFunc: cfg.DebugFunc,
	}
}

func (r *Router) debug(format string, args ...any) {
	if r.debugFunc != nil {
		r.debugFunc(format, args...)
	}
}

// Submit validates, reserves, and dispatches a job. Funds are held
// before the frame is written; a dispatch failure releases the hold.
func (r *Router) Submit(ctx context.Context, consumerID, workflowID string, inputs map[string]any) (string, error) {
	entry, err := r.catalog.Get(workflowID)
	if err != nil {
		return "", err
	}
	if !entry.Online {
		return "", ErrCatalogEntryOffline
	}
	if err := entry.Schema.CheckInputs(inputs); err != nil {
		return "", err
	}

	transport, err := r.conns.Lookup(entry.ProviderID)
	if err != nil {
		return "", ErrCatalogEntryOffline
	}

	jobID := uuid.NewString()
	resID, err := r.ledger.Reserve(ctx, consumerID, entry.Price, jobID)
	if err != nil {
		return "", err
	}

	tj := &trackedJob{
		job: Job{
			ID:            jobID,
			ConsumerID:    consumerID,
			ProviderID:    entry.ProviderID,
			WorkflowID:    workflowID,
			State:         StateReserved,
			ReservationID: resID,
			Price:         entry.Price,
			CreatedAt:     time.Now(),
		},
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.jobs[jobID] = tj
	r.mu.Unlock()

	frame := jobFrame{Type: "job", JobID: jobID, WorkflowID: workflowID, Inputs: inputs}
	if err := transport.SendJSON(frame); err != nil {
		r.resolve(tj, StateFailed, func(j *Job) {
			j.FailureReason = fmt.Sprintf("dispatch failed: %v", err)
		})
		return "", fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	// The job may already have resolved while the frame was in flight
	// (provider disconnect, cancel). Only a still-Reserved job moves to
	// Dispatched; a terminal job must not be revived or re-timed.
	tj.mu.Lock()
	dispatched := tj.job.State == StateReserved
	if dispatched {
		tj.job.State = StateDispatched
		tj.timer = time.AfterFunc(r.cfg.JobTimeout, func() { r.timeout(jobID) })
	}
	tj.mu.Unlock()

	if dispatched {
		r.bus.Publish(events.JobTopic(jobID), events.Event{
			Type: events.TypeJobDispatched, JobID: jobID,
			ProviderID: entry.ProviderID, WorkflowID: workflowID,
		})
		r.debug("router: job %s dispatched to provider %s", jobID, entry.ProviderID)
	}
	return jobID, nil
}

// Await blocks until the job reaches a terminal state or ctx ends.
func (r *Router) Await(ctx context.Context, jobID string) (Job, error) {
	r.mu.RLock()
	tj, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		// Terminal jobs may already have aged out to the archive
		if r.archive != nil {
			return r.archive.Get(jobID)
		}
		return Job{}, ErrJobNotFound
	}

	select {
	case <-tj.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}

	tj.mu.Lock()
	defer tj.mu.Unlock()
	return tj.job, nil
}

// Get returns the job's current snapshot, consulting the archive for
// jobs no longer tracked in memory.
func (r *Router) Get(jobID string) (Job, error) {
	r.mu.RLock()
	tj, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if ok {
		tj.mu.Lock()
		defer tj.mu.Unlock()
		return tj.job, nil
	}
	if r.archive != nil {
		return r.archive.Get(jobID)
	}
	return Job{}, ErrJobNotFound
}

// Cancel resolves a non-terminal job to Cancelled and releases its hold.
// A provider result arriving later is dropped as a duplicate terminal.
func (r *Router) Cancel(ctx context.Context, jobID string) error {
	r.mu.RLock()
	tj, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	if !r.resolve(tj, StateCancelled, func(j *Job) {
		j.FailureReason = "cancelled by consumer"
	}) {
		return ErrJobTerminal
	}
	return nil
}

// HandleProgress records a progress frame. The first one moves the job
// to Running. Progress never terminates a job.
func (r *Router) HandleProgress(jobID string, progress float64) {
	r.mu.RLock()
	tj, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		r.debug("router: progress for unknown job %s dropped", jobID)
		return
	}

	tj.mu.Lock()
	if tj.job.State.Terminal() {
		tj.mu.Unlock()
		r.debug("router: progress for terminal job %s dropped", jobID)
		return
	}
	if tj.job.State == StateDispatched {
		tj.job.State = StateRunning
	}
	tj.job.Progress = progress
	tj.mu.Unlock()

	r.bus.Publish(events.JobTopic(jobID), events.Event{
		Type: events.TypeJobProgress, JobID: jobID, Progress: progress,
	})
}

// HandleComplete resolves a job to Succeeded and commits its
// reservation, paying the provider and the platform. Duplicate or
// out-of-order terminal frames are dropped.
func (r *Router) HandleComplete(jobID string, result Result) {
	r.mu.RLock()
	tj, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		r.debug("router: complete for unknown job %s dropped", jobID)
		return
	}
	r.resolve(tj, StateSucceeded, func(j *Job) {
		j.Result = result
		j.Progress = 1
	})
}

// HandleFailed resolves a job to Failed and releases its reservation.
func (r *Router) HandleFailed(jobID, reason string) {
	r.mu.RLock()
	tj, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		r.debug("router: failure for unknown job %s dropped", jobID)
		return
	}
	r.resolve(tj, StateFailed, func(j *Job) {
		j.FailureReason = reason
	})
}

// FailAllForProvider fails every in-flight job bound to the provider.
// Called when the provider's session goes down.
func (r *Router) FailAllForProvider(providerID string) {
	r.mu.RLock()
	var affected []*trackedJob
	for _, tj := range r.jobs {
		tj.mu.Lock()
		match := tj.job.ProviderID == providerID && !tj.job.State.Terminal()
		tj.mu.Unlock()
		if match {
			affected = append(affected, tj)
		}
	}
	r.mu.RUnlock()

	for _, tj := range affected {
		r.resolve(tj, StateFailed, func(j *Job) {
			j.FailureReason = ErrProviderDisconnected.Error()
		})
	}
}

// InFlightCount returns the number of non-terminal tracked jobs.
func (r *Router) InFlightCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int
	for _, tj := range r.jobs {
		tj.mu.Lock()
		if !tj.job.State.Terminal() {
			n++
		}
		tj.mu.Unlock()
	}
	return n
}

func (r *Router) timeout(jobID string) {
	r.mu.RLock()
	tj, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if r.resolve(tj, StateTimedOut, func(j *Job) {
		j.FailureReason = ErrTimedOut.Error()
	}) {
		r.debug("router: job %s timed out", jobID)
	}
}

// resolve performs the terminal transition. The state check and write
// happen under the job lock so exactly one caller wins; the winner then
// settles, archives, and broadcasts. Returns false if the job was
// already terminal.
func (r *Router) resolve(tj *trackedJob, state State, apply func(*Job)) bool {
	tj.mu.Lock()
	if tj.job.State.Terminal() {
		tj.mu.Unlock()
		r.debug("router: duplicate terminal %s for job %s dropped", state, tj.job.ID)
		return false
	}
	tj.job.State = state
	tj.job.CompletedAt = time.Now()
	if apply != nil {
		apply(&tj.job)
	}
	snapshot := tj.job
	timer := tj.timer
	tj.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	r.settle(snapshot)
	if r.archive != nil {
		if err := r.archive.Archive(snapshot); err != nil {
			r.debug("router: archive job %s: %v", snapshot.ID, err)
		}
	}
	r.broadcastTerminal(snapshot)
	close(tj.done)
	r.scheduleEviction(snapshot.ID)
	return true
}

// settle applies the job's ledger consequence: success commits, every
// other terminal state releases. The store's settlement CAS makes this
// safe even if two terminal paths race.
func (r *Router) settle(j Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if j.State == StateSucceeded {
		err = r.ledger.Commit(ctx, j.ReservationID, j.ProviderID)
		if err == nil {
			r.catalog.RecordRun(j.WorkflowID)
		}
	} else {
		err = r.ledger.Release(ctx, j.ReservationID)
	}
	if err != nil {
		// Settlement failures are loud: money state disagrees with job state
		r.debug("router: ERROR settling job %s (%s): %v", j.ID, j.State, err)
	}
}

func (r *Router) broadcastTerminal(j Job) {
	e := events.Event{
		JobID: j.ID, ProviderID: j.ProviderID, WorkflowID: j.WorkflowID,
	}
	if j.State == StateSucceeded {
		e.Type = events.TypeJobCompleted
	} else {
		e.Type = events.TypeJobFailed
		e.Detail = map[string]any{"reason": j.FailureReason, "state": string(j.State)}
	}
	r.bus.Publish(events.JobTopic(j.ID), e)
}

// scheduleEviction drops the terminal job from the in-memory table
// after the retention window; the archive serves it afterwards.
func (r *Router) scheduleEviction(jobID string) {
	time.AfterFunc(r.cfg.Retention, func() {
		r.mu.Lock()
		delete(r.jobs, jobID)
		r.mu.Unlock()
	})
}
