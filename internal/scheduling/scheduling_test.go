package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TDXCORE/FullStackAgent2025/internal/availability"
	"github.com/TDXCORE/FullStackAgent2025/internal/calendar"
	"github.com/TDXCORE/FullStackAgent2025/internal/config"
	"github.com/TDXCORE/FullStackAgent2025/internal/datetime"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

type fakeMeetings struct {
	mu   sync.Mutex
	rows map[string]*models.Meeting
}

func newFakeMeetings() *fakeMeetings {
	return &fakeMeetings{rows: map[string]*models.Meeting{}}
}

func (f *fakeMeetings) CreateMeeting(_ context.Context, m *models.Meeting) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	cp := *m
	f.rows[m.ID] = &cp
	return nil
}

func (f *fakeMeetings) FindMeetingByExternalID(_ context.Context, externalID string) (*models.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ExternalEventID == externalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeMeetings) UpdateMeetingStatus(_ context.Context, id string, status models.MeetingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return errors.New("no such meeting")
	}
	m.Status = status
	return nil
}

func (f *fakeMeetings) UpdateMeetingTimes(_ context.Context, id string, start, end time.Time, status models.MeetingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return errors.New("no such meeting")
	}
	m.Start, m.End, m.Status = start, end, status
	return nil
}

type fixture struct {
	now       time.Time
	loc       *time.Location
	gw        *calendar.MemoryGateway
	meetings  *fakeMeetings
	validator *Validator
	coord     *Coordinator
}

// newFixture pins the clock to Wednesday 2025-06-04 10:00 in Bogota.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	policy := config.Default()
	loc := policy.Location()
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, loc)
	clock := func() time.Time { return now }

	gw := calendar.NewMemoryGateway()
	engine := availability.NewEngine(gw, policy, availability.WithClock(clock))
	normalizer := datetime.New(loc).WithClock(clock)
	meetings := newFakeMeetings()
	return &fixture{
		now:       now,
		loc:       loc,
		gw:        gw,
		meetings:  meetings,
		validator: NewValidator(engine, normalizer),
		coord:     NewCoordinator(gw, meetings, engine, WithCoordinatorClock(clock)),
	}
}

func request(date, clock string) models.SchedulingRequest {
	return models.SchedulingRequest{RawDate: date, RawTime: clock, DurationMinutes: 60, AttendeeEmail: "lead@example.com"}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		req     models.SchedulingRequest
		mode    Mode
		reason  Reason
		state   State
		altDate *string
	}{
		{"unparseable date", request("cuando puedas", "10:00"), ModeSchedule, ReasonBadDateFormat, StateReceived, nil},
		{"unparseable time", request("2025-06-10", "a media tarde"), ModeSchedule, ReasonBadTimeFormat, StateDateParsed, nil},
		{"impossible clock", request("2025-06-10", "25:99"), ModeSchedule, ReasonBadTimeFormat, StateDateParsed, nil},
		{"duration too long", models.SchedulingRequest{RawDate: "2025-06-10", RawTime: "10:00", DurationMinutes: 200}, ModeSchedule, ReasonBadDuration, StateTimeParsed, nil},
		{"duration too short", models.SchedulingRequest{RawDate: "2025-06-10", RawTime: "10:00", DurationMinutes: 10}, ModeSchedule, ReasonBadDuration, StateTimeParsed, nil},
		{"24 hours ahead", request("2025-06-05", "10:00"), ModeSchedule, ReasonInsufficientLeadTime, StateTimeParsed, strPtr("")},
		{"24 hours ahead early morning", request("2025-06-05", "8am"), ModeSchedule, ReasonInsufficientLeadTime, StateTimeParsed, strPtr("")},
		{"saturday", request("2025-06-14", "10:00"), ModeSchedule, ReasonNonBusinessDay, StateLeadTimeOK, strPtr("2025-06-16")},
		{"sunday reschedule", request("15/06/2025", "10:00"), ModeReschedule, ReasonNonBusinessDay, StateLeadTimeOK, strPtr("2025-06-16")},
		{"after hours", request("2025-06-10", "5pm"), ModeSchedule, ReasonOutsideBusinessHours, StateBusinessDayOK, strPtr("2025-06-10")},
		{"before hours", request("2025-06-10", "07:30"), ModeSchedule, ReasonOutsideBusinessHours, StateBusinessDayOK, strPtr("2025-06-10")},
		{"off the hour", request("2025-06-10", "10:30"), ModeSchedule, ReasonSlotTaken, StateBusinessHoursOK, strPtr("2025-06-10")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			normalized, rej, err := f.validator.Validate(context.Background(), tt.req, tt.mode)
			require.NoError(t, err)
			assert.Nil(t, normalized)
			require.NotNil(t, rej)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, tt.state, rej.State)
			assert.NotEmpty(t, rej.Message)
			assert.Equal(t, StateRejected, rej.Trace[len(rej.Trace)-1])
			if tt.altDate == nil {
				assert.Nil(t, rej.Alternative)
			} else {
				require.NotNil(t, rej.Alternative)
				assert.Equal(t, *tt.altDate, rej.Alternative.Date)
			}
		})
	}
}

func strPtr(s string) *string { return &s }

func TestValidateAcceptThenSlotTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.validator.Check(ctx, request("martes", "3:00 PM"), ModeSchedule)
	require.NoError(t, err)
	require.Nil(t, res.Rejection)
	require.NotNil(t, res.Request)
	assert.Equal(t, "2025-06-10", res.Request.Date)
	assert.Equal(t, "15:00", res.Request.Time)
	assert.Equal(t, time.Date(2025, 6, 10, 15, 0, 0, 0, f.loc), res.Request.Start)
	assert.Equal(t, []State{
		StateReceived, StateDateParsed, StateTimeParsed, StateLeadTimeOK,
		StateBusinessDayOK, StateBusinessHoursOK, StateAvailabilityConfirmed, StateAccepted,
	}, res.Trace)

	m, err := f.coord.Create(ctx, *res.Request, config.DefaultMeetingSubject, "<p>Agenda</p>", MeetingOwner{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, models.MeetingStatusScheduled, m.Status)

	_, rej, err := f.validator.Validate(ctx, request("martes", "3:00 PM"), ModeSchedule)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonSlotTaken, rej.Reason)
}

func TestValidateRemoteFailureIsError(t *testing.T) {
	f := newFixture(t)
	f.gw.SetFail(calendar.ErrTimeout)

	normalized, rej, err := f.validator.Validate(context.Background(), request("2025-06-10", "10:00"), ModeSchedule)
	require.Error(t, err)
	assert.ErrorIs(t, err, availability.ErrRemoteRead)
	assert.Nil(t, normalized)
	assert.Nil(t, rej)
}

func TestValidateRescheduleWithoutDuration(t *testing.T) {
	f := newFixture(t)
	normalized, rej, err := f.validator.Validate(context.Background(),
		models.SchedulingRequest{RawDate: "2025-06-10", RawTime: "9:00"}, ModeReschedule)
	require.NoError(t, err)
	require.Nil(t, rej)
	assert.Zero(t, normalized.DurationMinutes)
}

func accept(t *testing.T, f *fixture, date, clock string) models.NormalizedSchedulingRequest {
	t.Helper()
	normalized, rej, err := f.validator.Validate(context.Background(), request(date, clock), ModeSchedule)
	require.NoError(t, err)
	require.Nil(t, rej)
	return *normalized
}

func TestCreateThenCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := accept(t, f, "2025-06-10", "10:00")

	m, err := f.coord.Create(ctx, req, config.DefaultMeetingSubject, "", MeetingOwner{})
	require.NoError(t, err)
	require.NotEmpty(t, m.ExternalEventID)
	assert.NotEmpty(t, m.OnlineMeetingURL)

	require.NoError(t, f.coord.Cancel(ctx, m.ExternalEventID))

	local, err := f.meetings.FindMeetingByExternalID(ctx, m.ExternalEventID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingStatusCancelled, local.Status)

	from := f.now
	found, err := f.coord.Find(ctx, "consultoría", &from, nil)
	require.NoError(t, err)
	assert.Empty(t, found)

	// idempotent
	require.NoError(t, f.coord.Cancel(ctx, m.ExternalEventID))

	_, err = f.coord.Reschedule(ctx, m.ExternalEventID, req.Start.AddDate(0, 0, 1), nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCreateRemoteFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	req := accept(t, f, "2025-06-10", "10:00")
	f.gw.SetFail(&calendar.APIError{StatusCode: 500, Message: "boom"})

	m, err := NewCoordinator(f.gw, f.meetings, nil).Create(context.Background(), req, "s", "", MeetingOwner{})
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrRemoteCreate)
	var apiErr *calendar.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Empty(t, f.meetings.rows)
}

func TestCreateRevalidatesSlot(t *testing.T) {
	f := newFixture(t)
	req := accept(t, f, "2025-06-10", "11:00")
	f.gw.AddBusy(req.Start, req.End())

	_, err := f.coord.Create(context.Background(), req, "s", "", MeetingOwner{})
	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, ReasonSlotTaken, rej.Reason)
	assert.Empty(t, f.meetings.rows)
}

func TestRescheduleKeepsDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := accept(t, f, "2025-06-10", "10:00")
	req.DurationMinutes = 30
	m, err := f.coord.Create(ctx, req, "s", "", MeetingOwner{})
	require.NoError(t, err)

	newStart := time.Date(2025, 6, 11, 14, 0, 0, 0, f.loc)
	updated, err := f.coord.Reschedule(ctx, m.ExternalEventID, newStart, nil)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingStatusRescheduled, updated.Status)
	assert.Equal(t, 30*time.Minute, updated.Duration())

	longer := 90
	updated, err = f.coord.Reschedule(ctx, m.ExternalEventID, newStart, &longer)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, updated.Duration())

	local, _ := f.meetings.FindMeetingByExternalID(ctx, m.ExternalEventID)
	assert.Equal(t, newStart, local.Start)
	assert.Equal(t, newStart.Add(90*time.Minute), local.End)
}

func TestRescheduleRemoteFailureLeavesLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := accept(t, f, "2025-06-10", "10:00")
	m, err := f.coord.Create(ctx, req, "s", "", MeetingOwner{})
	require.NoError(t, err)

	_, err = f.coord.Reschedule(ctx, "missing", req.Start, nil)
	assert.ErrorIs(t, err, ErrRemoteUpdate)
	assert.ErrorIs(t, err, calendar.ErrNotFound)

	local, _ := f.meetings.FindMeetingByExternalID(ctx, m.ExternalEventID)
	assert.Equal(t, models.MeetingStatusScheduled, local.Status)
	assert.Equal(t, req.Start, local.Start)
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := accept(t, f, "2025-06-10", "10:00")
	m, err := f.coord.Create(ctx, req, "s", "", MeetingOwner{})
	require.NoError(t, err)

	_, err = f.coord.Complete(ctx, m.ExternalEventID)
	assert.ErrorIs(t, err, ErrNotEnded)

	later := NewCoordinator(f.gw, f.meetings, nil, WithCoordinatorClock(func() time.Time { return req.End().Add(time.Minute) }))
	done, err := later.Complete(ctx, m.ExternalEventID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingStatusCompleted, done.Status)

	assert.ErrorIs(t, later.Cancel(ctx, m.ExternalEventID), ErrInvalidTransition)
}
