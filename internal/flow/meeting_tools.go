package flow

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/availability"
	"github.com/TDXCORE/FullStackAgent2025/internal/datetime"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/scheduling"
)

const meetingAgenda = `<p><b>Agenda:</b></p>
<ul>
<li>Presentación del equipo</li>
<li>Revisión de requerimientos</li>
<li>Discusión de soluciones técnicas</li>
<li>Próximos pasos</li>
</ul>`

const (
	msgScheduleFailed   = "Hubo un problema al agendar la reunión. Por favor, intenta nuevamente o contacta con nuestro equipo de soporte."
	msgRescheduleFailed = "No se pudo reprogramar la reunión. Por favor, verifica el ID de la reunión e intenta más tarde."
	msgCancelFailed     = "No se pudo cancelar la reunión. Por favor, verifique el ID de la reunión e intente más tarde."
	msgTerminalMeeting  = "La reunión ya fue cancelada o completada, por lo que no puede modificarse."
)

// AvailableSlots renders the free slots from preferred (free text, may be
// empty) for the lead. Unreadable or too-early dates fall back to the first
// bookable day.
func (a *Agent) AvailableSlots(ctx context.Context, preferred string) string {
	loc := a.policy.Location()
	earliest := a.engine.EarliestStart()
	minLabel := earliest.Format(datetime.DisplayDateLayout)

	start := earliest
	var header string
	switch date, ok := a.normalizer.ParseDate(preferred); {
	case strings.TrimSpace(preferred) == "":
		header = fmt.Sprintf("Horarios disponibles a partir del %s:", minLabel)
	case !ok:
		header = "No pude interpretar el formato de fecha proporcionado. A continuación te muestro los horarios disponibles más próximos:"
	default:
		day, err := time.ParseInLocation(models.DateLayout, date, loc)
		if err != nil || day.Before(availability.StartOfDay(earliest)) {
			header = fmt.Sprintf("No es posible agendar reuniones para la fecha solicitada. Las reuniones deben agendarse con al menos %s de anticipación (a partir del %s).\n\nA continuación te muestro los horarios disponibles más próximos:",
				leadTimeLabel(a.policy.MinLeadTime.Std()), minLabel)
		} else {
			start = day
			header = fmt.Sprintf("Horarios disponibles para el %s y días siguientes:", day.Format(datetime.DisplayDateLayout))
		}
	}

	res, err := a.engine.Search(ctx, start, a.policy.DisplayDays)
	if errors.Is(err, availability.ErrNoAvailability) {
		return FormatResponse(fmt.Sprintf("No se encontraron horarios disponibles para las próximas dos semanas. Por favor, contacta directamente con nuestro equipo al correo %s para agendar una reunión personalizada.",
			a.policy.SupportEmail), KindWarning)
	}
	if err != nil {
		slog.Error("Agent.AvailableSlots: search failed", "preferred", preferred, "error", err)
		return FormatResponse("Hubo un problema al consultar la disponibilidad. Por favor, intenta nuevamente o indica una fecha específica (por ejemplo, 'próximo lunes' o '15 de mayo').", KindError)
	}

	var b strings.Builder
	b.WriteString(header)
	if res.FellBack {
		fmt.Fprintf(&b, "\n\nNo hay horarios disponibles para las fechas solicitadas. Te muestro los horarios disponibles a partir del %s:",
			res.Start.In(loc).Format(datetime.DisplayDateLayout))
	}
	b.WriteString("\n")
	for _, day := range availability.GroupByDate(res.Slots) {
		clocks := make([]string, 0, len(day.Slots))
		for _, s := range day.Slots {
			clocks = append(clocks, s.Time)
		}
		fmt.Fprintf(&b, "\n* %s: %s", datetime.DisplayDate(day.Slots[0].Start.In(loc)), strings.Join(clocks, ", "))
	}
	b.WriteString("\n\nPor favor, indícame qué fecha y hora te conviene más para agendar la reunión.")
	return FormatResponse(b.String(), KindAvailableSlots)
}

func leadTimeLabel(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d horas", int(d.Hours()))
	}
	return d.String()
}

// renderRejection explains a rejected request and, when the rejection names
// an alternative, lists the slots around it.
func (a *Agent) renderRejection(ctx context.Context, rej *scheduling.Rejection) string {
	if rej.Alternative == nil {
		return FormatResponse(rej.Message, KindError)
	}
	return FormatResponse(rej.Message, KindWarning) + "\n\n" + a.AvailableSlots(ctx, rej.Alternative.Date)
}

func (a *Agent) scheduleMeeting(ctx context.Context, sess *session, p models.ScheduleMeetingParams) string {
	email := strings.TrimSpace(p.Email)
	if email == "" {
		email = sess.user.Email
	}
	if !strings.Contains(email, "@") {
		return FormatResponse("Por favor, proporciona un correo electrónico válido.", KindError)
	}
	if err := models.RequireDateTime(p.Date, p.Time); err != nil {
		return a.AvailableSlots(ctx, p.Date)
	}

	req := models.SchedulingRequest{RawDate: p.Date, RawTime: p.Time, DurationMinutes: p.Duration, AttendeeEmail: email}
	norm, rej, err := a.validator.Validate(ctx, req, scheduling.ModeSchedule)
	if err != nil {
		slog.Error("Agent.scheduleMeeting: validation failed", "phone", sess.phone, "error", err)
		return FormatResponse(msgScheduleFailed, KindError)
	}
	if rej != nil {
		return a.renderRejection(ctx, rej)
	}

	owner := scheduling.MeetingOwner{UserID: sess.user.ID, LeadQualificationID: sess.lead.ID}
	m, err := a.coordinator.Create(ctx, *norm, a.policy.MeetingSubject, a.meetingBody(sess), owner)
	var slotGone *scheduling.Rejection
	switch {
	case errors.As(err, &slotGone):
		return a.renderRejection(ctx, slotGone)
	case m == nil:
		slog.Error("Agent.scheduleMeeting: create failed", "phone", sess.phone, "error", err)
		return FormatResponse(msgScheduleFailed, KindError)
	case err != nil:
		slog.Error("Agent.scheduleMeeting: meeting booked but not stored locally", "externalID", m.ExternalEventID, "error", err)
	}

	if err := a.advance(ctx, sess, models.LeadStepCompleted); err != nil {
		slog.Error("Agent.scheduleMeeting: step update failed", "lead", sess.lead.ID, "error", err)
	}
	if a.jobs != nil {
		if err := a.jobs.Schedule(ctx, m, sess.phone); err != nil {
			slog.Error("Agent.scheduleMeeting: follow-up jobs not queued", "externalID", m.ExternalEventID, "error", err)
		}
	}

	start := m.Start.In(a.policy.Location())
	text := fmt.Sprintf("Reunión agendada exitosamente para el %s a las %s.\n\nSe ha enviado una invitación a %s.\n\nID de la reunión: %s",
		start.Format(datetime.DisplayDateLayout), start.Format(models.ClockLayout), email, m.ExternalEventID)
	if m.OnlineMeetingURL != "" {
		text += "\n\nPuedes unirte a la reunión a través de este enlace:\n" + m.OnlineMeetingURL
	}
	return FormatResponse(text, KindMeetingScheduled)
}

func (a *Agent) meetingBody(sess *session) string {
	var b strings.Builder
	b.WriteString("<p>Reunión de consultoría para revisar el proyecto de desarrollo de software.</p>\n")
	if sess.user.FullName != "" {
		fmt.Fprintf(&b, "<p>Prospecto: %s", html.EscapeString(sess.user.FullName))
		if sess.user.Company != "" {
			fmt.Fprintf(&b, " (%s)", html.EscapeString(sess.user.Company))
		}
		b.WriteString("</p>\n")
	}
	b.WriteString(meetingAgenda)
	return b.String()
}

func (a *Agent) rescheduleMeeting(ctx context.Context, sess *session, p models.RescheduleMeetingParams) string {
	id := strings.TrimSpace(p.MeetingID)
	if id == "" {
		return FormatResponse("Necesito el ID de la reunión para reprogramarla.", KindError)
	}
	if err := models.RequireDateTime(p.NewDate, p.NewTime); err != nil {
		return FormatResponse("Necesito la nueva fecha y hora para reprogramar la reunión.", KindError)
	}
	req := models.SchedulingRequest{RawDate: p.NewDate, RawTime: p.NewTime}
	if p.Duration != nil {
		req.DurationMinutes = *p.Duration
	}
	norm, rej, err := a.validator.Validate(ctx, req, scheduling.ModeReschedule)
	if err != nil {
		slog.Error("Agent.rescheduleMeeting: validation failed", "externalID", id, "error", err)
		return FormatResponse(msgRescheduleFailed, KindError)
	}
	if rej != nil {
		return a.renderRejection(ctx, rej)
	}

	m, err := a.coordinator.Reschedule(ctx, id, norm.Start, p.Duration)
	switch {
	case errors.Is(err, scheduling.ErrInvalidTransition):
		return FormatResponse(msgTerminalMeeting, KindWarning)
	case m == nil:
		slog.Error("Agent.rescheduleMeeting: reschedule failed", "externalID", id, "error", err)
		return FormatResponse(msgRescheduleFailed, KindError)
	case err != nil:
		slog.Error("Agent.rescheduleMeeting: remote moved but local update failed", "externalID", id, "error", err)
	}

	if a.jobs != nil {
		if err := a.jobs.Reschedule(ctx, m, sess.phone); err != nil {
			slog.Error("Agent.rescheduleMeeting: follow-up jobs not requeued", "externalID", id, "error", err)
		}
	}

	start := m.Start.In(a.policy.Location())
	text := fmt.Sprintf("Reunión reprogramada exitosamente para el %s a las %s.",
		start.Format(datetime.DisplayDateLayout), start.Format(models.ClockLayout))
	if m.OnlineMeetingURL != "" {
		text += "\n\nPuedes unirte a la reunión a través de este enlace:\n" + m.OnlineMeetingURL
	}
	return FormatResponse(text, KindMeetingRescheduled)
}

func (a *Agent) cancelMeeting(ctx context.Context, p models.CancelMeetingParams) string {
	id := strings.TrimSpace(p.MeetingID)
	if id == "" {
		return FormatResponse("Necesito el ID de la reunión para cancelarla.", KindError)
	}
	err := a.coordinator.Cancel(ctx, id)
	switch {
	case errors.Is(err, scheduling.ErrInvalidTransition):
		return FormatResponse(msgTerminalMeeting, KindWarning)
	case err != nil:
		slog.Error("Agent.cancelMeeting: cancel failed", "externalID", id, "error", err)
		return FormatResponse(msgCancelFailed, KindError)
	}
	if a.jobs != nil {
		if err := a.jobs.Cancel(ctx, id); err != nil {
			slog.Error("Agent.cancelMeeting: follow-up jobs not canceled", "externalID", id, "error", err)
		}
	}
	return FormatResponse("La reunión ha sido cancelada exitosamente.", KindMeetingCancelled)
}

func (a *Agent) findMeetings(ctx context.Context, p models.FindMeetingsParams) string {
	subject := strings.TrimSpace(p.SubjectContains)
	from := a.engine.Now()
	to := from.AddDate(0, 0, a.policy.FindWindowDays)
	events, err := a.coordinator.Find(ctx, subject, &from, &to)
	if err != nil {
		slog.Error("Agent.findMeetings: search failed", "subject", subject, "error", err)
		return FormatResponse("Error al buscar reuniones. Por favor, intente más tarde.", KindError)
	}
	if len(events) == 0 {
		return FormatResponse(fmt.Sprintf("No se encontraron reuniones con el asunto '%s'.", subject), KindWarning)
	}

	loc := a.policy.Location()
	var b strings.Builder
	fmt.Fprintf(&b, "Reuniones encontradas con el asunto '%s':\n", subject)
	for i, ev := range events {
		start := ev.Start.In(loc)
		fmt.Fprintf(&b, "\n%d. Asunto: %s\n   Fecha: %s %s\n   ID: %s",
			i+1, ev.Subject, start.Format(datetime.DisplayDateLayout), start.Format(models.ClockLayout), ev.ID)
		if len(ev.Attendees) > 0 {
			fmt.Fprintf(&b, "\n   Asistentes: %s", strings.Join(ev.Attendees, ", "))
		}
		if ev.OnlineMeetingURL != "" {
			fmt.Fprintf(&b, "\n   Enlace: %s", ev.OnlineMeetingURL)
		}
	}
	return FormatResponse(b.String(), KindMeeting)
}
