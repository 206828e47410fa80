package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/util"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts bounds retries of a failing job.
const DefaultJobMaxAttempts = 3

// Job is a durable unit of deferred work, such as a meeting reminder.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a non-terminal
	// job with that key already exists, the existing job ID is returned.
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= at as running
	// and returns them.
	ClaimDueJobs(ctx context.Context, at time.Time, limit int) ([]Job, error)

	CompleteJob(ctx context.Context, id string) error

	// FailJob stores the error and reschedules for nextRunAt while attempts
	// remain; otherwise the job is marked failed.
	FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error

	CancelJob(ctx context.Context, id string) error

	// CancelJobsByDedupePrefix cancels queued jobs whose dedupe key starts
	// with prefix, e.g. every reminder of one meeting.
	CancelJobsByDedupePrefix(ctx context.Context, prefix string) (int, error)

	// ListQueuedJobsByDedupePrefix returns queued jobs whose dedupe key starts
	// with prefix, ordered by run_at.
	ListQueuedJobsByDedupePrefix(ctx context.Context, prefix string) ([]Job, error)

	// RequeueStaleRunningJobs resets jobs running since before staleBefore
	// back to queued (crash recovery).
	RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error)

	GetJob(ctx context.Context, id string) (*Job, error)
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (s *sqlDB) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.queryRow(ctx,
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled', 'failed')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	id := util.GenerateRandomID("job_", 32)
	ts := utcNow()
	_, err := s.exec(ctx,
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), ts, ts,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *sqlDB) CompleteJob(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`, utcNow(), id); err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlDB) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	var attempt, maxAttempts int
	if err := s.queryRow(ctx, `SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts); err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt++
	var err error
	if attempt >= maxAttempts {
		_, err = s.exec(ctx,
			`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, utcNow(), id,
		)
	} else {
		_, err = s.exec(ctx,
			`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, nextRunAt.UTC(), utcNow(), id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *sqlDB) CancelJob(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`, utcNow(), id); err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlDB) CancelJobsByDedupePrefix(ctx context.Context, prefix string) (int, error) {
	result, err := s.exec(ctx,
		`UPDATE jobs SET status = 'canceled', updated_at = ? WHERE status = 'queued' AND dedupe_key LIKE ?`,
		utcNow(), prefix+"%",
	)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs by prefix failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *sqlDB) ListQueuedJobsByDedupePrefix(ctx context.Context, prefix string) ([]Job, error) {
	rows, err := s.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND dedupe_key LIKE ? ORDER BY run_at`,
		prefix+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by prefix failed: %w", err)
	}
	return collectJobs(rows)
}

func (s *sqlDB) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.exec(ctx,
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		utcNow(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlDB) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
