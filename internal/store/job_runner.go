package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes one job. It receives the job's payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner claims due jobs and dispatches them to handlers by kind.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

// RunnerOption configures a JobRunner or OutboxSender.
type RunnerOption func(*runnerOpts)

type runnerOpts struct {
	claimLimit int
	now        func() time.Time
}

// WithClaimLimit caps how many rows one poll claims.
func WithClaimLimit(n int) RunnerOption {
	return func(o *runnerOpts) {
		if n > 0 {
			o.claimLimit = n
		}
	}
}

// WithRunnerClock overrides the time source used for claims and backoff.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(o *runnerOpts) { o.now = now }
}

func buildRunnerOpts(opts []RunnerOption) runnerOpts {
	o := runnerOpts{claimLimit: 10, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	o := buildRunnerOpts(opts)
	return &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     o.claimLimit,
		now:            o.now,
	}
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// EnqueueJSON marshals payload and enqueues a job of the given kind.
func EnqueueJSON(ctx context.Context, repo JobRepo, kind string, runAt time.Time, payload any, dedupeKey string) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return repo.EnqueueJob(ctx, kind, runAt, string(b), dedupeKey)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Call once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.now().Add(-r.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims and executes one batch of due jobs, returning how many ran.
func (r *JobRunner) Poll(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.Poll: claim failed", "error", err)
		return 0
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.Poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.Poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.Poll: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := handler(ctx, job.PayloadJSON); err != nil {
			slog.Error("JobRunner.Poll: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
			// 30s, 60s, 120s, ...
			backoff := time.Duration(30*(1<<job.Attempt)) * time.Second
			if err := r.repo.FailJob(ctx, job.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("JobRunner.Poll: fail job error", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.Poll: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.Poll: job completed", "id", job.ID, "kind", job.Kind)
	}
	return len(jobs)
}
