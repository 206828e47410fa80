// Package availability turns busy intervals from the remote calendar into
// bookable meeting slots.
package availability

import (
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/config"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

// SlotPolicy bounds slot generation.
type SlotPolicy struct {
	StartHour  int
	EndHour    int
	SlotLength time.Duration
}

// DefaultSlotPolicy is 08:00-17:00 with one-hour slots.
var DefaultSlotPolicy = SlotPolicy{StartHour: 8, EndHour: 17, SlotLength: time.Hour}

// PolicyFrom extracts the slot policy from the scheduling configuration.
func PolicyFrom(p *config.Policy) SlotPolicy {
	return SlotPolicy{
		StartHour:  p.BusinessStartHour,
		EndHour:    p.BusinessEndHour,
		SlotLength: p.SlotLength(),
	}
}

// IsBusinessDay reports whether t falls Monday through Friday.
func IsBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// StartOfDay returns midnight of t's date in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// NextBusinessDay returns the first business day strictly after t's date.
func NextBusinessDay(t time.Time) time.Time {
	day := StartOfDay(t).AddDate(0, 0, 1)
	for !IsBusinessDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

// ComputeSlots lists the free slots of the first `days` business days
// starting at windowStart's date. Weekends are skipped and do not count.
// A slot is free when no busy interval overlaps it. The result is ordered by
// instant with no duplicates, and is a pure function of its inputs.
func ComputeSlots(windowStart time.Time, days int, busy []models.BusyInterval, p SlotPolicy) []models.TimeSlot {
	if days <= 0 || p.SlotLength <= 0 {
		return nil
	}
	var slots []models.TimeSlot
	day := StartOfDay(windowStart)
	for produced := 0; produced < days; day = day.AddDate(0, 0, 1) {
		if !IsBusinessDay(day) {
			continue
		}
		produced++
		y, m, d := day.Date()
		closing := time.Date(y, m, d, p.EndHour, 0, 0, 0, day.Location())
		for s := time.Date(y, m, d, p.StartHour, 0, 0, 0, day.Location()); !s.Add(p.SlotLength).After(closing); s = s.Add(p.SlotLength) {
			if overlapsAny(s, s.Add(p.SlotLength), busy) {
				continue
			}
			slots = append(slots, models.NewTimeSlot(s))
		}
	}
	return slots
}

func overlapsAny(start, end time.Time, busy []models.BusyInterval) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}

// QueryWindow returns the calendar range to read for ComputeSlots: from
// midnight of start's date, at least days+2 calendar days, extended when
// needed so that `days` business days always fit.
func QueryWindow(start time.Time, days int) (time.Time, time.Time) {
	from := StartOfDay(start)
	span := days + 2
	counted, calendarDays := 0, 0
	for day := from; counted < days; day = day.AddDate(0, 0, 1) {
		calendarDays++
		if IsBusinessDay(day) {
			counted++
		}
	}
	if calendarDays > span {
		span = calendarDays
	}
	return from, from.AddDate(0, 0, span)
}

// DaySlots groups the slots of one calendar date.
type DaySlots struct {
	Date    string            `json:"date"`
	Weekday time.Weekday      `json:"weekday"`
	Slots   []models.TimeSlot `json:"slots"`
}

// GroupByDate groups ordered slots by date, preserving order.
func GroupByDate(slots []models.TimeSlot) []DaySlots {
	var out []DaySlots
	for _, s := range slots {
		if n := len(out); n > 0 && out[n-1].Date == s.Date {
			out[n-1].Slots = append(out[n-1].Slots, s)
			continue
		}
		out = append(out, DaySlots{Date: s.Date, Weekday: s.Start.Weekday(), Slots: []models.TimeSlot{s}})
	}
	return out
}
