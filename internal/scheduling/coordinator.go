package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/availability"
	"github.com/TDXCORE/FullStackAgent2025/internal/calendar"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

var (
	ErrRemoteCreate = errors.New("remote calendar create failed")
	ErrRemoteUpdate = errors.New("remote calendar update failed")
	ErrRemoteDelete = errors.New("remote calendar delete failed")
	// ErrInvalidTransition is returned before any remote call when the local
	// meeting is already in a terminal state.
	ErrInvalidTransition = errors.New("meeting is in a terminal state")
	// ErrNotEnded is returned by Complete for meetings that have not finished.
	ErrNotEnded = errors.New("meeting has not ended")
	// ErrUnknownMeeting is returned by Complete when no local row exists.
	ErrUnknownMeeting = errors.New("meeting not found")
)

// MeetingStore persists the local mirror of remote meetings. Lookups return
// nil, nil when no row exists.
type MeetingStore interface {
	CreateMeeting(ctx context.Context, m *models.Meeting) error
	FindMeetingByExternalID(ctx context.Context, externalID string) (*models.Meeting, error)
	UpdateMeetingStatus(ctx context.Context, id string, status models.MeetingStatus) error
	UpdateMeetingTimes(ctx context.Context, id string, start, end time.Time, status models.MeetingStatus) error
}

// MeetingOwner links a new meeting to the lead that booked it.
type MeetingOwner struct {
	UserID              string
	LeadQualificationID string
}

// Coordinator applies meeting changes to the remote calendar first and to the
// local store only after the remote call succeeded.
type Coordinator struct {
	gw         calendar.Gateway
	meetings   MeetingStore
	engine     *availability.Engine
	revalidate bool
	now        func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRevalidation toggles the slot re-check performed right before a create.
func WithRevalidation(enabled bool) CoordinatorOption {
	return func(c *Coordinator) { c.revalidate = enabled }
}

// WithCoordinatorClock replaces time.Now.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator. meetings may be nil, in which case no
// local state is kept.
func NewCoordinator(gw calendar.Gateway, meetings MeetingStore, engine *availability.Engine, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{gw: gw, meetings: meetings, engine: engine, revalidate: true, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create books an accepted request on the remote calendar and records it
// locally with status scheduled. When the remote create fails no local row is
// written. A non-nil meeting together with an error means the remote event
// exists but the local write failed.
func (c *Coordinator) Create(ctx context.Context, req models.NormalizedSchedulingRequest, subject, body string, owner MeetingOwner) (*models.Meeting, error) {
	if req.AttendeeEmail == "" {
		return nil, models.ErrInvalidEmail
	}
	if c.revalidate && c.engine != nil {
		slots, err := c.engine.Day(ctx, req.Start)
		if err != nil {
			return nil, fmt.Errorf("revalidate slot: %w", err)
		}
		if !containsInstant(slots, req.Start) {
			slog.Warn("Coordinator.Create: slot taken before create", "start", req.Start)
			return nil, &Rejection{
				Reason:      ReasonSlotTaken,
				State:       StateAvailabilityConfirmed,
				Message:     fmt.Sprintf("El horario solicitado (%s %s) ya no está disponible.", req.Date, req.Time),
				Alternative: &AvailabilityQuery{Date: req.Date},
			}
		}
	}

	began := time.Now()
	ev, err := c.gw.CreateEvent(ctx, calendar.EventInput{
		Subject:   subject,
		BodyHTML:  body,
		Start:     req.Start,
		End:       req.End(),
		Attendees: []string{req.AttendeeEmail},
		Online:    true,
	})
	if err != nil {
		slog.Error("Coordinator.Create: remote create failed", "start", req.Start, "elapsed", time.Since(began), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRemoteCreate, err)
	}

	now := c.now()
	m := &models.Meeting{
		UserID:              owner.UserID,
		LeadQualificationID: owner.LeadQualificationID,
		ExternalEventID:     ev.ID,
		Subject:             ev.Subject,
		Start:               req.Start,
		End:                 req.End(),
		Status:              models.MeetingStatusScheduled,
		OnlineMeetingURL:    ev.OnlineMeetingURL,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if m.Subject == "" {
		m.Subject = subject
	}
	if c.meetings != nil {
		if err := c.meetings.CreateMeeting(ctx, m); err != nil {
			slog.Error("Coordinator.Create: local insert failed", "external_id", ev.ID, "error", err)
			return m, fmt.Errorf("persist meeting %s: %w", ev.ID, err)
		}
	}
	slog.Info("Coordinator.Create: scheduled", "id", m.ID, "external_id", ev.ID, "start", m.Start, "elapsed", time.Since(began))
	return m, nil
}

// lookup returns the local meeting for externalID, or nil.
func (c *Coordinator) lookup(ctx context.Context, externalID string) (*models.Meeting, error) {
	if c.meetings == nil {
		return nil, nil
	}
	m, err := c.meetings.FindMeetingByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("find meeting %s: %w", externalID, err)
	}
	return m, nil
}

// Reschedule moves a remote event to newStart. A nil newDuration keeps the
// event's current length. Local state changes to rescheduled only after the
// remote patch succeeded.
func (c *Coordinator) Reschedule(ctx context.Context, externalID string, newStart time.Time, newDuration *int) (*models.Meeting, error) {
	local, err := c.lookup(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if local != nil && !local.Status.CanTransition(models.MeetingStatusRescheduled) {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, externalID, local.Status)
	}

	began := time.Now()
	current, err := c.gw.GetEvent(ctx, externalID)
	if err != nil {
		slog.Error("Coordinator.Reschedule: fetch failed", "external_id", externalID, "elapsed", time.Since(began), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRemoteUpdate, err)
	}
	length := current.End.Sub(current.Start)
	if newDuration != nil {
		length = time.Duration(*newDuration) * time.Minute
	}
	newEnd := newStart.Add(length)

	updated, err := c.gw.PatchEvent(ctx, externalID, newStart, newEnd)
	if err != nil {
		slog.Error("Coordinator.Reschedule: patch failed", "external_id", externalID, "elapsed", time.Since(began), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRemoteUpdate, err)
	}

	if local == nil {
		return &models.Meeting{
			ExternalEventID:  externalID,
			Subject:          updated.Subject,
			Start:            newStart,
			End:              newEnd,
			Status:           models.MeetingStatusRescheduled,
			OnlineMeetingURL: updated.OnlineMeetingURL,
			UpdatedAt:        c.now(),
		}, nil
	}
	if err := local.TransitionTo(models.MeetingStatusRescheduled, c.now()); err != nil {
		return nil, err
	}
	local.Start, local.End = newStart, newEnd
	if updated.OnlineMeetingURL != "" {
		local.OnlineMeetingURL = updated.OnlineMeetingURL
	}
	if err := c.meetings.UpdateMeetingTimes(ctx, local.ID, newStart, newEnd, local.Status); err != nil {
		return local, fmt.Errorf("persist reschedule %s: %w", externalID, err)
	}
	slog.Info("Coordinator.Reschedule: rescheduled", "id", local.ID, "external_id", externalID, "start", newStart, "elapsed", time.Since(began))
	return local, nil
}

// Cancel deletes the remote event, then marks the local meeting cancelled.
// Cancelling an already cancelled meeting is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, externalID string) error {
	local, err := c.lookup(ctx, externalID)
	if err != nil {
		return err
	}
	if local != nil {
		if local.Status == models.MeetingStatusCancelled {
			return nil
		}
		if !local.Status.CanTransition(models.MeetingStatusCancelled) {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, externalID, local.Status)
		}
	}

	began := time.Now()
	if err := c.gw.DeleteEvent(ctx, externalID); err != nil {
		slog.Error("Coordinator.Cancel: delete failed", "external_id", externalID, "elapsed", time.Since(began), "error", err)
		return fmt.Errorf("%w: %w", ErrRemoteDelete, err)
	}
	if local == nil {
		slog.Info("Coordinator.Cancel: cancelled remote event without local row", "external_id", externalID)
		return nil
	}
	if err := local.TransitionTo(models.MeetingStatusCancelled, c.now()); err != nil {
		return err
	}
	if err := c.meetings.UpdateMeetingStatus(ctx, local.ID, local.Status); err != nil {
		return fmt.Errorf("persist cancel %s: %w", externalID, err)
	}
	slog.Info("Coordinator.Cancel: cancelled", "id", local.ID, "external_id", externalID, "elapsed", time.Since(began))
	return nil
}

// Complete marks a finished meeting as completed. It never touches the
// remote calendar.
func (c *Coordinator) Complete(ctx context.Context, externalID string) (*models.Meeting, error) {
	local, err := c.lookup(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMeeting, externalID)
	}
	if local.Status == models.MeetingStatusCompleted {
		return local, nil
	}
	now := c.now()
	if now.Before(local.End) {
		return nil, fmt.Errorf("%w: %s ends at %s", ErrNotEnded, externalID, local.End)
	}
	if err := local.TransitionTo(models.MeetingStatusCompleted, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if err := c.meetings.UpdateMeetingStatus(ctx, local.ID, local.Status); err != nil {
		return nil, fmt.Errorf("persist completion %s: %w", externalID, err)
	}
	return local, nil
}

// Find searches the remote calendar by subject text. Nil bounds use the
// gateway's default window.
func (c *Coordinator) Find(ctx context.Context, subject string, start, end *time.Time) ([]calendar.Event, error) {
	events, err := c.gw.FindBySubject(ctx, subject, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", availability.ErrRemoteRead, err)
	}
	return events, nil
}
