package datetime

import "time"

// DisplayDateLayout is the day-first format shown to users.
const DisplayDateLayout = "02/01/2006"

var spanishWeekdays = [...]string{
	time.Sunday:    "domingo",
	time.Monday:    "lunes",
	time.Tuesday:   "martes",
	time.Wednesday: "miércoles",
	time.Thursday:  "jueves",
	time.Friday:    "viernes",
	time.Saturday:  "sábado",
}

// WeekdayName returns the lowercase Spanish weekday name.
func WeekdayName(wd time.Weekday) string {
	return spanishWeekdays[wd]
}

// DisplayDate renders t as "lunes 09/06/2025".
func DisplayDate(t time.Time) string {
	return WeekdayName(t.Weekday()) + " " + t.Format(DisplayDateLayout)
}
