package models

import (
	"fmt"
	"time"
)

// Canonical layouts for dates and clock times exchanged between components.
const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// TimeSlot is one free, fixed-length meeting candidate. Slots are produced by
// the availability engine only and compare by instant.
type TimeSlot struct {
	Date  string    `json:"date"` // YYYY-MM-DD in the operating timezone
	Time  string    `json:"time"` // HH:MM in the operating timezone
	Start time.Time `json:"datetime"`
}

// NewTimeSlot builds a slot whose date and time labels are derived from start.
func NewTimeSlot(start time.Time) TimeSlot {
	return TimeSlot{
		Date:  start.Format(DateLayout),
		Time:  start.Format(ClockLayout),
		Start: start,
	}
}

// Equal reports whether both slots start at the same instant.
func (s TimeSlot) Equal(o TimeSlot) bool {
	return s.Start.Equal(o.Start)
}

// BusyInterval is a range already occupied on the remote calendar.
type BusyInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether [start, end) intersects the busy interval.
func (b BusyInterval) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && end.After(b.Start)
}

// SchedulingRequest is the raw user input for a schedule or reschedule action.
// It is never persisted.
type SchedulingRequest struct {
	RawDate         string `json:"date"`
	RawTime         string `json:"time"`
	DurationMinutes int    `json:"duration_minutes"`
	AttendeeEmail   string `json:"attendee_email"`
}

// NormalizedSchedulingRequest is a request that passed every validation step.
type NormalizedSchedulingRequest struct {
	Date            string    `json:"date"`
	Time            string    `json:"time"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	AttendeeEmail   string    `json:"attendee_email"`
}

// End returns the instant the requested meeting would finish.
func (r NormalizedSchedulingRequest) End() time.Time {
	return r.Start.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// MeetingStatus is the lifecycle state of a local meeting record.
type MeetingStatus string

const (
	MeetingStatusScheduled   MeetingStatus = "scheduled"
	MeetingStatusCompleted   MeetingStatus = "completed"
	MeetingStatusCancelled   MeetingStatus = "cancelled"
	MeetingStatusRescheduled MeetingStatus = "rescheduled"
)

// IsActive reports whether the meeting still occupies its calendar slot.
func (s MeetingStatus) IsActive() bool {
	return s == MeetingStatusScheduled || s == MeetingStatusRescheduled
}

// CanTransition reports whether a meeting in status s may move to next.
// Cancelled and completed are terminal.
func (s MeetingStatus) CanTransition(next MeetingStatus) bool {
	switch s {
	case MeetingStatusScheduled, MeetingStatusRescheduled:
		return next == MeetingStatusRescheduled || next == MeetingStatusCancelled || next == MeetingStatusCompleted
	default:
		return false
	}
}

// Meeting is the local mirror of exactly one remote calendar event, keyed by
// ExternalEventID. Rows are never deleted, only status-transitioned.
type Meeting struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"user_id"`
	LeadQualificationID string        `json:"lead_qualification_id"`
	ExternalEventID     string        `json:"external_event_id"`
	Subject             string        `json:"subject"`
	Start               time.Time     `json:"start"`
	End                 time.Time     `json:"end"`
	Status              MeetingStatus `json:"status"`
	OnlineMeetingURL    string        `json:"online_meeting_url,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Duration returns the scheduled length of the meeting.
func (m Meeting) Duration() time.Duration {
	return m.End.Sub(m.Start)
}

// TransitionTo applies a status change, refusing moves out of terminal states.
func (m *Meeting) TransitionTo(next MeetingStatus, at time.Time) error {
	if !m.Status.CanTransition(next) {
		return fmt.Errorf("meeting %s cannot move from %s to %s", m.ID, m.Status, next)
	}
	m.Status = next
	m.UpdatedAt = at
	return nil
}
