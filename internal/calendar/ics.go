package calendar

import (
	"fmt"
	"io"
	"time"

	ics "github.com/emersion/go-ical"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

const icsProductID = "-//TDXCORE//LeadAgent//ES"

// WriteICS encodes meetings as an RFC 5545 calendar. Cancelled meetings are
// exported with STATUS:CANCELLED so clients can remove them.
func WriteICS(w io.Writer, meetings []models.Meeting, now time.Time) error {
	cal := ics.NewCalendar()
	cal.Props.SetText(ics.PropVersion, "2.0")
	cal.Props.SetText(ics.PropProductID, icsProductID)

	for _, m := range meetings {
		comp := ics.NewComponent(ics.CompEvent)
		uid := m.ExternalEventID
		if uid == "" {
			uid = m.ID
		}
		comp.Props.SetText(ics.PropUID, uid)
		comp.Props.SetText(ics.PropSummary, m.Subject)
		comp.Props.SetDateTime(ics.PropDateTimeStamp, now.UTC())
		comp.Props.SetDateTime(ics.PropDateTimeStart, m.Start.UTC())
		comp.Props.SetDateTime(ics.PropDateTimeEnd, m.End.UTC())
		if m.OnlineMeetingURL != "" {
			comp.Props.SetText(ics.PropURL, m.OnlineMeetingURL)
			comp.Props.SetText(ics.PropLocation, m.OnlineMeetingURL)
		}
		switch m.Status {
		case models.MeetingStatusCancelled:
			comp.Props.SetText(ics.PropStatus, "CANCELLED")
		default:
			comp.Props.SetText(ics.PropStatus, "CONFIRMED")
		}
		cal.Children = append(cal.Children, comp)
	}

	if err := ics.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode ICS: %w", err)
	}
	return nil
}

// WriteSlotsICS exports free slots as tentative placeholder events.
func WriteSlotsICS(w io.Writer, slots []models.TimeSlot, length time.Duration, now time.Time) error {
	cal := ics.NewCalendar()
	cal.Props.SetText(ics.PropVersion, "2.0")
	cal.Props.SetText(ics.PropProductID, icsProductID)

	for _, s := range slots {
		comp := ics.NewComponent(ics.CompEvent)
		comp.Props.SetText(ics.PropUID, fmt.Sprintf("slot-%d@leadagent", s.Start.Unix()))
		comp.Props.SetText(ics.PropSummary, "Disponible")
		comp.Props.SetDateTime(ics.PropDateTimeStamp, now.UTC())
		comp.Props.SetDateTime(ics.PropDateTimeStart, s.Start.UTC())
		comp.Props.SetDateTime(ics.PropDateTimeEnd, s.Start.Add(length).UTC())
		comp.Props.SetText(ics.PropStatus, "TENTATIVE")
		comp.Props.SetText(ics.PropTransparency, "TRANSPARENT")
		cal.Children = append(cal.Children, comp)
	}

	if err := ics.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode ICS: %w", err)
	}
	return nil
}
