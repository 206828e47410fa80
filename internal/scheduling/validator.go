// Package scheduling validates meeting requests against the scheduling policy
// and coordinates meeting changes between the remote calendar and the local
// store.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/availability"
	"github.com/TDXCORE/FullStackAgent2025/internal/config"
	"github.com/TDXCORE/FullStackAgent2025/internal/datetime"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

// State is a step of the validation pipeline.
type State string

const (
	StateReceived              State = "RECEIVED"
	StateDateParsed            State = "DATE_PARSED"
	StateTimeParsed            State = "TIME_PARSED"
	StateLeadTimeOK            State = "LEAD_TIME_OK"
	StateBusinessDayOK         State = "BUSINESS_DAY_OK"
	StateBusinessHoursOK       State = "BUSINESS_HOURS_OK"
	StateAvailabilityConfirmed State = "AVAILABILITY_CONFIRMED"
	StateAccepted              State = "ACCEPTED"
	StateRejected              State = "REJECTED"
)

// Reason identifies why a request was rejected.
type Reason string

const (
	ReasonBadDateFormat        Reason = "bad_date_format"
	ReasonBadTimeFormat        Reason = "bad_time_format"
	ReasonBadDuration          Reason = "bad_duration"
	ReasonInsufficientLeadTime Reason = "insufficient_lead_time"
	ReasonNonBusinessDay       Reason = "non_business_day"
	ReasonOutsideBusinessHours Reason = "outside_business_hours"
	ReasonSlotTaken            Reason = "slot_taken"
)

// IsInputError reports whether the user can fix the request by rephrasing it.
func (r Reason) IsInputError() bool {
	return r == ReasonBadDateFormat || r == ReasonBadTimeFormat || r == ReasonBadDuration
}

// Mode selects which checks apply.
type Mode int

const (
	// ModeSchedule validates a new meeting, duration included.
	ModeSchedule Mode = iota
	// ModeReschedule checks the duration only when one is given.
	ModeReschedule
)

// AvailabilityQuery is the follow-up a caller should run after a rejection.
// An empty Date asks for the earliest availability.
type AvailabilityQuery struct {
	Date string `json:"date,omitempty"`
}

// Rejection is a policy or input failure. It is a normal outcome, not an error.
type Rejection struct {
	Reason      Reason             `json:"reason"`
	State       State              `json:"state"`
	Message     string             `json:"message"`
	Alternative *AvailabilityQuery `json:"alternative,omitempty"`
	Trace       []State            `json:"trace,omitempty"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("scheduling request rejected at %s: %s", r.State, r.Reason)
}

// Validator runs the scheduling state machine.
type Validator struct {
	engine     *availability.Engine
	normalizer *datetime.Normalizer
	policy     *config.Policy
}

// NewValidator creates a Validator. The normalizer and engine must share the
// policy's timezone and clock.
func NewValidator(engine *availability.Engine, normalizer *datetime.Normalizer) *Validator {
	return &Validator{engine: engine, normalizer: normalizer, policy: engine.Policy()}
}

// Engine returns the availability engine used for slot confirmation.
func (v *Validator) Engine() *availability.Engine { return v.engine }

// Normalizer returns the date normalizer.
func (v *Validator) Normalizer() *datetime.Normalizer { return v.normalizer }

// Result is the outcome of one Check call.
type Result struct {
	Request   *models.NormalizedSchedulingRequest
	Rejection *Rejection
	Trace     []State
}

// Validate runs the pipeline and returns either the normalized request or a
// rejection. A non-nil error means the calendar could not be read.
func (v *Validator) Validate(ctx context.Context, req models.SchedulingRequest, mode Mode) (*models.NormalizedSchedulingRequest, *Rejection, error) {
	res, err := v.Check(ctx, req, mode)
	if err != nil {
		return nil, nil, err
	}
	return res.Request, res.Rejection, nil
}

// Check is Validate with the visited states attached.
func (v *Validator) Check(ctx context.Context, req models.SchedulingRequest, mode Mode) (Result, error) {
	trace := []State{StateReceived}
	reject := func(reason Reason, msg string, alt *AvailabilityQuery) (Result, error) {
		rej := &Rejection{
			Reason:      reason,
			State:       trace[len(trace)-1],
			Message:     msg,
			Alternative: alt,
			Trace:       append(append([]State(nil), trace...), StateRejected),
		}
		slog.Info("Validator.Check: rejected", "reason", reason, "state", rej.State, "date", req.RawDate, "time", req.RawTime)
		return Result{Rejection: rej, Trace: rej.Trace}, nil
	}

	date, ok := v.normalizer.ParseDate(req.RawDate)
	if !ok {
		return reject(ReasonBadDateFormat, fmt.Sprintf(
			"No pude interpretar el formato de fecha '%s'. Por favor, indica una fecha válida como '15/05/2025', 'próximo lunes' o '15 de mayo'.",
			strings.TrimSpace(req.RawDate)), nil)
	}
	trace = append(trace, StateDateParsed)

	clock, ok := datetime.NormalizeClock(req.RawTime)
	if !ok {
		return reject(ReasonBadTimeFormat, fmt.Sprintf(
			"No pude interpretar el formato de hora '%s'. Por favor, indica una hora válida como '14:30', '2:30 PM' o '3pm'.",
			strings.TrimSpace(req.RawTime)), nil)
	}
	trace = append(trace, StateTimeParsed)

	// A reschedule without a duration keeps the meeting's current length.
	duration := req.DurationMinutes
	if mode == ModeSchedule && duration == 0 {
		duration = v.policy.DefaultDurationMinutes
	}
	if mode == ModeSchedule || duration != 0 {
		if duration < config.MinMeetingDurationMinutes || duration > config.MaxMeetingDurationMinutes {
			return reject(ReasonBadDuration, fmt.Sprintf(
				"La duración debe estar entre %d y %d minutos.",
				config.MinMeetingDurationMinutes, config.MaxMeetingDurationMinutes), nil)
		}
	}

	loc := v.policy.Location()
	start, err := datetime.Combine(date, clock, loc)
	if err != nil {
		return reject(ReasonBadDateFormat, "Error al procesar la fecha. Por favor, intenta con otro formato.", nil)
	}

	earliest := v.engine.EarliestStart()
	if start.Before(earliest) {
		return reject(ReasonInsufficientLeadTime, fmt.Sprintf(
			"Las reuniones deben agendarse con al menos %s de anticipación (a partir del %s).",
			leadTimeLabel(v.policy), earliest.Format(datetime.DisplayDateLayout)), &AvailabilityQuery{})
	}
	trace = append(trace, StateLeadTimeOK)

	if !availability.IsBusinessDay(start) {
		next := availability.NextBusinessDay(start)
		return reject(ReasonNonBusinessDay, fmt.Sprintf(
			"Las reuniones solo pueden agendarse en días laborables (lunes a viernes). El %s es %s. Te sugiero agendar para el próximo día laborable (%s).",
			start.Format(datetime.DisplayDateLayout), datetime.WeekdayName(start.Weekday()), datetime.DisplayDate(next)),
			&AvailabilityQuery{Date: next.Format(models.DateLayout)})
	}
	trace = append(trace, StateBusinessDayOK)

	if start.Hour() < v.policy.BusinessStartHour || start.Hour() >= v.policy.BusinessEndHour {
		return reject(ReasonOutsideBusinessHours, fmt.Sprintf(
			"Las reuniones solo pueden agendarse en horario de oficina (%02d:00 - %02d:00). La hora solicitada (%s) está fuera de este rango.",
			v.policy.BusinessStartHour, v.policy.BusinessEndHour, clock),
			&AvailabilityQuery{Date: date})
	}
	trace = append(trace, StateBusinessHoursOK)

	slots, err := v.engine.Day(ctx, start)
	if err != nil {
		return Result{Trace: trace}, fmt.Errorf("confirm availability: %w", err)
	}
	if !containsInstant(slots, start) {
		return reject(ReasonSlotTaken, fmt.Sprintf(
			"El horario solicitado (%s %s) no está disponible.", date, clock),
			&AvailabilityQuery{Date: date})
	}
	trace = append(trace, StateAvailabilityConfirmed, StateAccepted)

	normalized := &models.NormalizedSchedulingRequest{
		Date:            date,
		Time:            clock,
		Start:           start,
		DurationMinutes: duration,
		AttendeeEmail:   strings.TrimSpace(req.AttendeeEmail),
	}
	slog.Debug("Validator.Check: accepted", "start", start, "duration", duration)
	return Result{Request: normalized, Trace: trace}, nil
}

func containsInstant(slots []models.TimeSlot, start time.Time) bool {
	for _, s := range slots {
		if s.Start.Equal(start) {
			return true
		}
	}
	return false
}

func leadTimeLabel(p *config.Policy) string {
	lead := p.MinLeadTime.Std()
	if lead%time.Hour == 0 {
		return fmt.Sprintf("%d horas", int(lead.Hours()))
	}
	return lead.String()
}
