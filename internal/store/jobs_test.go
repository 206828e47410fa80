package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobRepo_EnqueueAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "meeting_reminder", time.Now().Add(time.Hour), `{"meeting_id":"m1"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("GetJob returned nil")
	}
	if job.Kind != "meeting_reminder" || job.Status != JobStatusQueued {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.MaxAttempts != DefaultJobMaxAttempts {
		t.Errorf("expected max attempts %d, got %d", DefaultJobMaxAttempts, job.MaxAttempts)
	}

	missing, err := s.GetJob(ctx, "job_missing")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing job, got %v, %v", missing, err)
	}
}

func TestJobRepo_DedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	runAt := time.Now().Add(time.Hour)

	id1, _ := s.EnqueueJob(ctx, "k", runAt, `{}`, "reminder:m1")
	id2, _ := s.EnqueueJob(ctx, "k", runAt, `{}`, "reminder:m1")
	if id1 != id2 {
		t.Errorf("expected dedupe to return %q, got %q", id1, id2)
	}

	if err := s.CompleteJob(ctx, id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	id3, _ := s.EnqueueJob(ctx, "k", runAt, `{}`, "reminder:m1")
	if id3 == id1 {
		t.Error("expected a new job once the previous one is done")
	}
}

func TestJobRepo_ClaimDueJobs(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	s.EnqueueJob(ctx, "past", time.Now().Add(-time.Hour), `{}`, "")
	s.EnqueueJob(ctx, "future", time.Now().Add(time.Hour), `{}`, "")

	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Kind != "past" {
		t.Fatalf("expected only the past job, got %+v", jobs)
	}
	if jobs[0].Status != JobStatusRunning || jobs[0].LockedAt == nil {
		t.Errorf("claimed job not marked running: %+v", jobs[0])
	}

	again, _ := s.ClaimDueJobs(ctx, time.Now(), 10)
	if len(again) != 0 {
		t.Errorf("running job claimed twice")
	}
}

func TestJobRepo_FailJobRetriesThenFails(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	id, _ := s.EnqueueJob(ctx, "k", time.Now().Add(-time.Minute), `{}`, "")

	for i := 1; i < DefaultJobMaxAttempts; i++ {
		if err := s.FailJob(ctx, id, "boom", time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
		job, _ := s.GetJob(ctx, id)
		if job.Status != JobStatusQueued || job.Attempt != i {
			t.Fatalf("attempt %d: expected queued, got %+v", i, job)
		}
	}
	s.FailJob(ctx, id, "boom", time.Now())
	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusFailed || job.LastError != "boom" {
		t.Errorf("expected failed job, got %+v", job)
	}
}

func TestJobRepo_CancelByDedupePrefix(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	runAt := time.Now().Add(time.Hour)

	a, _ := s.EnqueueJob(ctx, "meeting_reminder", runAt, `{}`, "meeting:abc:reminder")
	b, _ := s.EnqueueJob(ctx, "meeting_complete", runAt, `{}`, "meeting:abc:complete")
	c, _ := s.EnqueueJob(ctx, "meeting_reminder", runAt, `{}`, "meeting:xyz:reminder")

	n, err := s.CancelJobsByDedupePrefix(ctx, "meeting:abc:")
	if err != nil {
		t.Fatalf("CancelJobsByDedupePrefix failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 cancelled, got %d", n)
	}
	for id, want := range map[string]JobStatus{a: JobStatusCanceled, b: JobStatusCanceled, c: JobStatusQueued} {
		job, _ := s.GetJob(ctx, id)
		if job.Status != want {
			t.Errorf("job %s: expected %s, got %s", id, want, job.Status)
		}
	}
}

func TestJobRepo_ListQueuedByDedupePrefix(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	late, _ := s.EnqueueJob(ctx, "meeting_complete", now.Add(2*time.Hour), `{}`, "meeting:abc:complete")
	early, _ := s.EnqueueJob(ctx, "meeting_reminder", now.Add(time.Hour), `{"recipient":"573001234567"}`, "meeting:abc:reminder")
	s.EnqueueJob(ctx, "meeting_reminder", now.Add(time.Hour), `{}`, "meeting:xyz:reminder")
	gone, _ := s.EnqueueJob(ctx, "meeting_reminder", now.Add(time.Hour), `{}`, "meeting:abc:reminder:old")
	if err := s.CancelJob(ctx, gone); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	jobs, err := s.ListQueuedJobsByDedupePrefix(ctx, "meeting:abc:")
	if err != nil {
		t.Fatalf("ListQueuedJobsByDedupePrefix failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", len(jobs))
	}
	if jobs[0].ID != early || jobs[1].ID != late {
		t.Errorf("expected run_at order [%s %s], got [%s %s]", early, late, jobs[0].ID, jobs[1].ID)
	}
	if jobs[0].PayloadJSON != `{"recipient":"573001234567"}` {
		t.Errorf("payload not returned: %q", jobs[0].PayloadJSON)
	}
}

func TestJobRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	id, _ := s.EnqueueJob(ctx, "k", time.Now().Add(-time.Hour), `{}`, "")
	if _, err := s.ClaimDueJobs(ctx, time.Now().Add(-10*time.Minute), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	n, err := s.RequeueStaleRunningJobs(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued, got %d", n)
	}
	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusQueued {
		t.Errorf("expected queued, got %s", job.Status)
	}
}

func TestOutboxRepo_Lifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueOutboxMessage(ctx, "573001234567", OutboxKindReminder, `{"text":"hola"}`, "rem:m1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	dup, _ := s.EnqueueOutboxMessage(ctx, "573001234567", OutboxKindReminder, `{"text":"hola"}`, "rem:m1")
	if dup != id {
		t.Errorf("expected dedupe hit %q, got %q", id, dup)
	}

	msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Recipient != "573001234567" || msgs[0].Status != OutboxStatusSending {
		t.Fatalf("unexpected claim: %+v", msgs)
	}

	if err := s.FailOutboxMessage(ctx, id, "twilio down", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}
	msg, _ := s.GetOutboxMessage(ctx, id)
	if msg.Status != OutboxStatusQueued || msg.Attempts != 1 || msg.NextAttemptAt == nil {
		t.Errorf("expected requeued message, got %+v", msg)
	}
	if got, _ := s.ClaimDueOutboxMessages(ctx, time.Now(), 10); len(got) != 0 {
		t.Error("message claimed before next attempt")
	}

	later := time.Now().Add(2 * time.Hour)
	s.ClaimDueOutboxMessages(ctx, later, 10)
	if err := s.MarkOutboxMessageSent(ctx, id); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}
	msg, _ = s.GetOutboxMessage(ctx, id)
	if msg.Status != OutboxStatusSent {
		t.Errorf("expected sent, got %s", msg.Status)
	}
}

func TestOutboxRepo_FailsAfterMaxAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	id, _ := s.EnqueueOutboxMessage(ctx, "57300", OutboxKindReply, `{}`, "")
	for i := 0; i < DefaultOutboxMaxAttempts; i++ {
		s.FailOutboxMessage(ctx, id, "err", time.Now())
	}
	msg, _ := s.GetOutboxMessage(ctx, id)
	if msg.Status != OutboxStatusFailed {
		t.Errorf("expected failed after %d attempts, got %s", DefaultOutboxMaxAttempts, msg.Status)
	}
}

func TestDedupRepo(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	dup, err := s.IsDuplicate(ctx, "SM123")
	if err != nil || dup {
		t.Fatalf("expected fresh message, got %v %v", dup, err)
	}
	inserted, err := s.RecordInbound(ctx, "SM123", "573001234567")
	if err != nil || !inserted {
		t.Fatalf("RecordInbound first: %v %v", inserted, err)
	}
	inserted, err = s.RecordInbound(ctx, "SM123", "573001234567")
	if err != nil || inserted {
		t.Fatalf("RecordInbound second should be ignored: %v %v", inserted, err)
	}
	if dup, _ := s.IsDuplicate(ctx, "SM123"); !dup {
		t.Error("expected duplicate after record")
	}
	if err := s.MarkProcessed(ctx, "SM123"); err != nil {
		t.Errorf("MarkProcessed failed: %v", err)
	}
}

func TestJobRunner_PollDispatchesAndBacksOff(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()
	runner := NewJobRunner(s, time.Second, WithRunnerClock(func() time.Time { return now }))

	var ok int32
	runner.RegisterHandler("good", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&ok, 1)
		return nil
	})
	runner.RegisterHandler("bad", func(ctx context.Context, payload string) error {
		return errors.New("handler failed")
	})

	good, _ := EnqueueJSON(ctx, s, "good", now.Add(-time.Second), map[string]string{"a": "b"}, "")
	bad, _ := EnqueueJSON(ctx, s, "bad", now.Add(-time.Second), map[string]string{}, "")
	orphan, _ := s.EnqueueJob(ctx, "unknown", now.Add(-time.Second), `{}`, "")

	if n := runner.Poll(ctx); n != 3 {
		t.Fatalf("expected 3 claimed, got %d", n)
	}
	if atomic.LoadInt32(&ok) != 1 {
		t.Error("good handler not executed")
	}
	if j, _ := s.GetJob(ctx, good); j.Status != JobStatusDone {
		t.Errorf("good job: expected done, got %s", j.Status)
	}
	j, _ := s.GetJob(ctx, bad)
	if j.Status != JobStatusQueued || j.LastError != "handler failed" {
		t.Errorf("bad job: expected requeued with error, got %+v", j)
	}
	if !j.RunAt.After(now.Add(29 * time.Second)) {
		t.Errorf("expected 30s backoff, run_at=%v", j.RunAt)
	}
	if j, _ := s.GetJob(ctx, orphan); j.Status != JobStatusQueued || j.Attempt != 1 {
		t.Errorf("orphan job: expected requeue, got %+v", j)
	}
}

func TestJobRunner_RestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "restart.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	id, _ := s1.EnqueueJob(ctx, "meeting_reminder", time.Now().Add(-time.Hour), `{}`, "restart")
	// Claim as if a previous process crashed mid-run.
	if _, err := s1.ClaimDueJobs(ctx, time.Now().Add(-10*time.Minute), 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var executed int32
	runner := NewJobRunner(s2, 10*time.Millisecond)
	runner.RegisterHandler("meeting_reminder", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}
	runner.Poll(ctx)
	runner.Poll(ctx)

	if got := atomic.LoadInt32(&executed); got != 1 {
		t.Errorf("expected exactly 1 execution, got %d", got)
	}
	if j, _ := s2.GetJob(ctx, id); j.Status != JobStatusDone {
		t.Errorf("expected done, got %s", j.Status)
	}
}

func TestOutboxSender_Poll(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	var sent []string
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if msg.Recipient == "fail" {
			return errors.New("unreachable")
		}
		sent = append(sent, msg.Recipient)
		return nil
	}, time.Second)

	okID, _ := s.EnqueueOutboxMessage(ctx, "573001112233", OutboxKindReply, `{}`, "")
	failID, _ := s.EnqueueOutboxMessage(ctx, "fail", OutboxKindReply, `{}`, "")

	if n := sender.Poll(ctx); n != 2 {
		t.Fatalf("expected 2 claimed, got %d", n)
	}
	if len(sent) != 1 || sent[0] != "573001112233" {
		t.Errorf("unexpected deliveries: %v", sent)
	}
	if m, _ := s.GetOutboxMessage(ctx, okID); m.Status != OutboxStatusSent {
		t.Errorf("expected sent, got %s", m.Status)
	}
	if m, _ := s.GetOutboxMessage(ctx, failID); m.Status != OutboxStatusQueued || m.LastError != "unreachable" {
		t.Errorf("expected queued retry, got %+v", m)
	}
}
