// Package calendar talks to the shared sales mailbox calendar. It exposes busy
// intervals for availability and create/read/patch/delete for meeting events.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

var (
	// ErrNotConfigured is returned by every call when credentials are missing.
	ErrNotConfigured = errors.New("calendar gateway not configured")
	// ErrTokenAcquisition wraps failures obtaining an access token.
	ErrTokenAcquisition = errors.New("calendar token acquisition failed")
	// ErrTimeout is returned when a remote call exceeds its fixed deadline.
	ErrTimeout = errors.New("calendar request timed out")
	// ErrNotFound is returned when the remote event does not exist.
	ErrNotFound = errors.New("calendar event not found")
)

// APIError is a non-success HTTP response from the calendar provider.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph API error: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph API error: status %d: %s", e.StatusCode, e.Message)
}

// Event is a meeting on the remote calendar.
type Event struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Attendees        []string  `json:"attendees,omitempty"`
	OnlineMeetingURL string    `json:"online_meeting_url,omitempty"`
	WebLink          string    `json:"web_link,omitempty"`
}

// EventInput describes an event to create.
type EventInput struct {
	Subject   string
	BodyHTML  string
	Start     time.Time
	End       time.Time
	Attendees []string
	Online    bool
}

// Validate checks the minimum fields needed to create an event.
func (in EventInput) Validate() error {
	if in.Subject == "" {
		return errors.New("event subject is required")
	}
	if !in.End.After(in.Start) {
		return errors.New("event end must be after start")
	}
	if len(in.Attendees) == 0 {
		return errors.New("event needs at least one attendee")
	}
	return nil
}

// Gateway is the remote calendar boundary used by the availability engine and
// the meeting coordinator. A transport failure is always an error and never an
// empty result.
type Gateway interface {
	ListBusy(ctx context.Context, start, end time.Time) ([]models.BusyInterval, error)
	CreateEvent(ctx context.Context, in EventInput) (*Event, error)
	GetEvent(ctx context.Context, externalID string) (*Event, error)
	PatchEvent(ctx context.Context, externalID string, start, end time.Time) (*Event, error)
	DeleteEvent(ctx context.Context, externalID string) error
	FindBySubject(ctx context.Context, text string, start, end *time.Time) ([]Event, error)
}
