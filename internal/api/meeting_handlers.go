package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/availability"
	"github.com/TDXCORE/FullStackAgent2025/internal/calendar"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/scheduling"
	"github.com/TDXCORE/FullStackAgent2025/internal/util"
)

// maxAvailabilityDays caps the days parameter of GET /availability.
const maxAvailabilityDays = 15

const icsContentType = "text/calendar; charset=utf-8"

// AvailabilityResult is the body of GET /availability.
type AvailabilityResult struct {
	Start    string                  `json:"start"`
	Days     int                     `json:"days"`
	FellBack bool                    `json:"fell_back"`
	Dates    []availability.DaySlots `json:"dates"`
}

// CreateMeetingRequest is the body of POST /meetings.
type CreateMeetingRequest struct {
	Date            string `json:"date"`
	Time            string `json:"time"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	AttendeeEmail   string `json:"attendee_email"`
	Subject         string `json:"subject,omitempty"`
	Phone           string `json:"phone,omitempty"`
}

// RescheduleMeetingRequest is the body of PATCH /meetings/{id}.
type RescheduleMeetingRequest struct {
	Date            string `json:"date"`
	Time            string `json:"time"`
	DurationMinutes *int   `json:"duration_minutes,omitempty"`
	Phone           string `json:"phone,omitempty"`
}

func (s *Server) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	engine := s.validator.Engine()
	policy := engine.Policy()
	q := r.URL.Query()

	days := policy.DisplayDays
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAvailabilityDays {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("days must be between 1 and %d", maxAvailabilityDays)))
			return
		}
		days = n
	}

	start := engine.EarliestStart()
	if raw := q.Get("date"); raw != "" {
		date, ok := s.validator.Normalizer().ParseDate(raw)
		if !ok {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("unrecognized date %q", raw)))
			return
		}
		day, err := time.ParseInLocation(models.DateLayout, date, policy.Location())
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		if day.After(start) {
			start = day
		}
	}

	res, err := engine.Search(r.Context(), start, days)
	switch {
	case errors.Is(err, availability.ErrNoAvailability):
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(
			"No hay horarios disponibles; contacta a "+policy.SupportEmail,
			AvailabilityResult{Start: start.Format(models.DateLayout), Days: days, Dates: []availability.DaySlots{}}))
		return
	case err != nil:
		slog.Error("Server.availabilityHandler: search failed", "start", start, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Calendar unavailable"))
		return
	}

	if q.Get("format") == "ics" {
		w.Header().Set("Content-Type", icsContentType)
		if err := calendar.WriteSlotsICS(w, res.Slots, policy.SlotLength(), engine.Now()); err != nil {
			slog.Error("Server.availabilityHandler: ics export failed", "error", err)
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(AvailabilityResult{
		Start:    res.Start.Format(models.DateLayout),
		Days:     res.Days,
		FellBack: res.FellBack,
		Dates:    availability.GroupByDate(res.Slots),
	}))
}

func (s *Server) listMeetingsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		meetings []models.Meeting
		err      error
	)
	if userID := q.Get("user_id"); userID != "" {
		meetings, err = s.meetings.ListMeetingsByUser(r.Context(), userID)
	} else {
		meetings, err = s.meetings.ListMeetings(r.Context(), models.MeetingStatus(q.Get("status")))
	}
	if err != nil {
		slog.Error("Server.listMeetingsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list meetings"))
		return
	}
	if q.Get("format") == "ics" {
		s.writeMeetingsICS(w, meetings)
		return
	}
	if meetings == nil {
		meetings = []models.Meeting{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(meetings))
}

// lookupMeeting resolves a local id or a calendar event id.
func (s *Server) lookupMeeting(r *http.Request, id string) (*models.Meeting, error) {
	m, err := s.meetings.GetMeeting(r.Context(), id)
	if err != nil || m != nil {
		return m, err
	}
	return s.meetings.FindMeetingByExternalID(r.Context(), id)
}

func (s *Server) getMeetingHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	asICS := strings.HasSuffix(id, ".ics")
	id = strings.TrimSuffix(id, ".ics")

	m, err := s.lookupMeeting(r, id)
	if err != nil {
		slog.Error("Server.getMeetingHandler: lookup failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load meeting"))
		return
	}
	if m == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Meeting not found"))
		return
	}
	if asICS {
		s.writeMeetingsICS(w, []models.Meeting{*m})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(m))
}

func (s *Server) writeMeetingsICS(w http.ResponseWriter, meetings []models.Meeting) {
	w.Header().Set("Content-Type", icsContentType)
	if err := calendar.WriteICS(w, meetings, time.Now()); err != nil {
		slog.Error("Server.writeMeetingsICS: export failed", "error", err)
	}
}

// writeRejection answers a policy refusal with 422 and the rejection details.
func writeRejection(w http.ResponseWriter, rej *scheduling.Rejection) {
	writeJSONResponse(w, http.StatusUnprocessableEntity, models.Rejected(rej.Message, rej))
}

func (s *Server) createMeetingHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateMeetingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !strings.Contains(req.AttendeeEmail, "@") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidEmail.Error()))
		return
	}
	if err := models.RequireDateTime(req.Date, req.Time); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	ctx := r.Context()
	policy := s.validator.Engine().Policy()

	var owner scheduling.MeetingOwner
	phone := util.NormalizePhone(req.Phone)
	if phone != "" && s.leads != nil {
		u, err := s.leads.GetOrCreateUser(ctx, phone)
		if err != nil {
			slog.Error("Server.createMeetingHandler: user lookup failed", "phone", phone, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load user"))
			return
		}
		owner.UserID = u.ID
	}

	norm, rej, err := s.validator.Validate(ctx, models.SchedulingRequest{
		RawDate:         req.Date,
		RawTime:         req.Time,
		DurationMinutes: req.DurationMinutes,
		AttendeeEmail:   req.AttendeeEmail,
	}, scheduling.ModeSchedule)
	if err != nil {
		slog.Error("Server.createMeetingHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Calendar unavailable"))
		return
	}
	if rej != nil {
		writeRejection(w, rej)
		return
	}

	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = policy.MeetingSubject
	}
	m, err := s.coordinator.Create(ctx, *norm, subject, "<p>Reunión agendada desde la API.</p>", owner)
	var taken *scheduling.Rejection
	switch {
	case errors.As(err, &taken):
		writeRejection(w, taken)
		return
	case m == nil:
		slog.Error("Server.createMeetingHandler: create failed", "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to create meeting"))
		return
	case err != nil:
		slog.Error("Server.createMeetingHandler: event created but not stored", "external_id", m.ExternalEventID, "error", err)
	}

	if s.jobs != nil {
		if err := s.jobs.Schedule(ctx, m, phone); err != nil {
			slog.Error("Server.createMeetingHandler: follow-up jobs not queued", "external_id", m.ExternalEventID, "error", err)
		}
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(m))
}

func (s *Server) rescheduleMeetingHandler(w http.ResponseWriter, r *http.Request) {
	var req RescheduleMeetingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := models.RequireDateTime(req.Date, req.Time); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	ctx := r.Context()
	m, err := s.lookupMeeting(r, r.PathValue("id"))
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load meeting"))
		return
	}
	if m == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Meeting not found"))
		return
	}

	sreq := models.SchedulingRequest{RawDate: req.Date, RawTime: req.Time}
	if req.DurationMinutes != nil {
		sreq.DurationMinutes = *req.DurationMinutes
	}
	norm, rej, err := s.validator.Validate(ctx, sreq, scheduling.ModeReschedule)
	if err != nil {
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Calendar unavailable"))
		return
	}
	if rej != nil {
		writeRejection(w, rej)
		return
	}

	moved, err := s.coordinator.Reschedule(ctx, m.ExternalEventID, norm.Start, req.DurationMinutes)
	switch {
	case errors.Is(err, scheduling.ErrInvalidTransition):
		writeJSONResponse(w, http.StatusConflict, models.Error("Meeting is cancelled or completed"))
		return
	case moved == nil:
		slog.Error("Server.rescheduleMeetingHandler: reschedule failed", "external_id", m.ExternalEventID, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to reschedule meeting"))
		return
	case err != nil:
		slog.Error("Server.rescheduleMeetingHandler: event moved but not stored", "external_id", m.ExternalEventID, "error", err)
	}

	if s.jobs != nil {
		if err := s.jobs.Reschedule(ctx, moved, util.NormalizePhone(req.Phone)); err != nil {
			slog.Error("Server.rescheduleMeetingHandler: follow-up jobs not requeued", "external_id", m.ExternalEventID, "error", err)
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(moved))
}

func (s *Server) cancelMeetingHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	m, err := s.lookupMeeting(r, id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load meeting"))
		return
	}
	if m == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Meeting not found"))
		return
	}
	externalID := m.ExternalEventID

	err = s.coordinator.Cancel(ctx, externalID)
	switch {
	case errors.Is(err, scheduling.ErrInvalidTransition):
		writeJSONResponse(w, http.StatusConflict, models.Error("Meeting is already cancelled or completed"))
		return
	case err != nil:
		slog.Error("Server.cancelMeetingHandler: cancel failed", "external_id", externalID, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to cancel meeting"))
		return
	}
	if s.jobs != nil {
		if err := s.jobs.Cancel(ctx, externalID); err != nil {
			slog.Error("Server.cancelMeetingHandler: follow-up jobs not canceled", "external_id", externalID, "error", err)
		}
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Meeting cancelled", nil))
}
