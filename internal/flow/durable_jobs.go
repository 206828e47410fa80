package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/datetime"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/scheduling"
	"github.com/TDXCORE/FullStackAgent2025/internal/store"
)

// Job kinds for meeting follow-ups.
const (
	JobKindMeetingReminder = "meeting_reminder"
	JobKindMeetingComplete = "meeting_complete"
)

// MeetingReminderPayload is the JSON payload for meeting_reminder jobs.
type MeetingReminderPayload struct {
	ExternalEventID string `json:"external_event_id"`
	Recipient       string `json:"recipient"`
	Start           string `json:"start"`
}

// MeetingCompletePayload is the JSON payload for meeting_complete jobs.
type MeetingCompletePayload struct {
	ExternalEventID string `json:"external_event_id"`
}

func meetingJobPrefix(externalID string) string {
	return "meeting:" + externalID + ":"
}

// MeetingJobs enqueues the reminder and completion jobs of booked meetings.
type MeetingJobs struct {
	jobs   store.JobRepo
	before time.Duration
	now    func() time.Time
}

// NewMeetingJobs creates a MeetingJobs whose reminders fire before the start
// of each meeting.
func NewMeetingJobs(jobs store.JobRepo, before time.Duration) *MeetingJobs {
	return &MeetingJobs{jobs: jobs, before: before, now: time.Now}
}

// WithClock replaces time.Now for job times and reminder staleness checks.
func (mj *MeetingJobs) WithClock(now func() time.Time) *MeetingJobs {
	mj.now = now
	return mj
}

// Schedule enqueues the jobs for m. Keys carry the start and end instants so
// a rescheduled meeting gets fresh jobs.
func (mj *MeetingJobs) Schedule(ctx context.Context, m *models.Meeting, recipient string) error {
	prefix := meetingJobPrefix(m.ExternalEventID)
	now := mj.now()

	if recipient != "" && m.Start.After(now) {
		runAt := m.Start.Add(-mj.before)
		if runAt.Before(now) {
			runAt = now
		}
		payload := MeetingReminderPayload{
			ExternalEventID: m.ExternalEventID,
			Recipient:       recipient,
			Start:           m.Start.UTC().Format(time.RFC3339),
		}
		key := fmt.Sprintf("%sreminder:%d", prefix, m.Start.Unix())
		if _, err := store.EnqueueJSON(ctx, mj.jobs, JobKindMeetingReminder, runAt, payload, key); err != nil {
			return fmt.Errorf("enqueue reminder: %w", err)
		}
	}

	key := fmt.Sprintf("%scomplete:%d", prefix, m.End.Unix())
	if _, err := store.EnqueueJSON(ctx, mj.jobs, JobKindMeetingComplete, m.End, MeetingCompletePayload{ExternalEventID: m.ExternalEventID}, key); err != nil {
		return fmt.Errorf("enqueue completion: %w", err)
	}
	slog.Debug("MeetingJobs.Schedule: jobs enqueued", "externalID", m.ExternalEventID, "start", m.Start)
	return nil
}

// Cancel drops every queued job of the meeting.
func (mj *MeetingJobs) Cancel(ctx context.Context, externalID string) error {
	n, err := mj.jobs.CancelJobsByDedupePrefix(ctx, meetingJobPrefix(externalID))
	if err != nil {
		return fmt.Errorf("cancel meeting jobs: %w", err)
	}
	slog.Debug("MeetingJobs.Cancel: jobs canceled", "externalID", externalID, "count", n)
	return nil
}

// Reschedule replaces the queued jobs of m. An empty recipient keeps the one
// of the queued reminder, if any.
func (mj *MeetingJobs) Reschedule(ctx context.Context, m *models.Meeting, recipient string) error {
	if recipient == "" {
		r, err := mj.queuedRecipient(ctx, m.ExternalEventID)
		if err != nil {
			return err
		}
		recipient = r
	}
	if err := mj.Cancel(ctx, m.ExternalEventID); err != nil {
		return err
	}
	return mj.Schedule(ctx, m, recipient)
}

// queuedRecipient is the recipient of the meeting's pending reminder, or ""
// when none is queued.
func (mj *MeetingJobs) queuedRecipient(ctx context.Context, externalID string) (string, error) {
	jobs, err := mj.jobs.ListQueuedJobsByDedupePrefix(ctx, meetingJobPrefix(externalID))
	if err != nil {
		return "", fmt.Errorf("load meeting jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Kind != JobKindMeetingReminder {
			continue
		}
		var p MeetingReminderPayload
		if err := json.Unmarshal([]byte(j.PayloadJSON), &p); err != nil {
			slog.Warn("MeetingJobs.queuedRecipient: bad reminder payload", "jobID", j.ID, "error", err)
			continue
		}
		if p.Recipient != "" {
			return p.Recipient, nil
		}
	}
	return "", nil
}

// RegisterJobHandlers registers the meeting job handlers with runner.
func RegisterJobHandlers(runner *store.JobRunner, jobs *MeetingJobs, meetings store.MeetingStore, outbox store.OutboxRepo, coordinator *scheduling.Coordinator, loc *time.Location) {
	runner.RegisterHandler(JobKindMeetingReminder, makeMeetingReminderHandler(meetings, outbox, loc, jobs.now))
	runner.RegisterHandler(JobKindMeetingComplete, makeMeetingCompleteHandler(coordinator))
}

func makeMeetingReminderHandler(meetings store.MeetingStore, outbox store.OutboxRepo, loc *time.Location, now func() time.Time) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p MeetingReminderPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid meeting_reminder payload: %w", err)
		}
		start, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return fmt.Errorf("invalid meeting_reminder start: %w", err)
		}

		m, err := meetings.FindMeetingByExternalID(ctx, p.ExternalEventID)
		if err != nil {
			return fmt.Errorf("failed to load meeting: %w", err)
		}
		// Skip cancelled, completed, moved or already started meetings.
		if m == nil || !m.Status.IsActive() || !m.Start.Equal(start) || !now().Before(m.Start) {
			slog.Info("JobHandler.meeting_reminder: meeting no longer matches, skipping", "externalID", p.ExternalEventID)
			return nil
		}

		text := ReminderText(m, loc)
		dedupe := fmt.Sprintf("reminder:%s:%d", m.ExternalEventID, m.Start.Unix())
		if _, err := EnqueueText(ctx, outbox, p.Recipient, store.OutboxKindReminder, text, dedupe); err != nil {
			return err
		}
		slog.Info("JobHandler.meeting_reminder: reminder queued", "externalID", p.ExternalEventID, "recipient", p.Recipient)
		return nil
	}
}

func makeMeetingCompleteHandler(coordinator *scheduling.Coordinator) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p MeetingCompletePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid meeting_complete payload: %w", err)
		}
		_, err := coordinator.Complete(ctx, p.ExternalEventID)
		switch {
		case err == nil:
			slog.Info("JobHandler.meeting_complete: meeting completed", "externalID", p.ExternalEventID)
			return nil
		case errors.Is(err, scheduling.ErrInvalidTransition), errors.Is(err, scheduling.ErrUnknownMeeting):
			slog.Info("JobHandler.meeting_complete: nothing to complete, skipping", "externalID", p.ExternalEventID, "reason", err)
			return nil
		default:
			return err
		}
	}
}

// ReminderText is the WhatsApp reminder sent before a meeting.
func ReminderText(m *models.Meeting, loc *time.Location) string {
	start := m.Start.In(loc)
	text := fmt.Sprintf("Recordatorio: tienes una reunión con nuestro equipo el %s a las %s.",
		datetime.DisplayDate(start), start.Format(models.ClockLayout))
	if m.OnlineMeetingURL != "" {
		text += "\n\nPuedes unirte a través de este enlace:\n" + m.OnlineMeetingURL
	}
	return FormatResponse(text, KindMeeting)
}
