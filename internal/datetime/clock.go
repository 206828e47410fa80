package datetime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

var meridiemPattern = regexp.MustCompile(`[aApP]\.?[mM]\.?`)

// clockPatterns are matched at the start of the normalized input, in order.
var clockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(\d{1,2}):(\d{2})(?:p\.?m\.?|pm)`),
	regexp.MustCompile(`^(\d{1,2})(?:p\.?m\.?|pm)`),
	regexp.MustCompile(`^(\d{1,2}):(\d{2})(?:a\.?m\.?|am)`),
	regexp.MustCompile(`^(\d{1,2})(?:a\.?m\.?|am)`),
	regexp.MustCompile(`^(\d{1,2}):(\d{2})`),
	regexp.MustCompile(`^(\d{1,2})h(\d{2})?`),
}

// HasMeridiem reports whether text carries an AM/PM marker.
func HasMeridiem(text string) bool {
	return meridiemPattern.MatchString(text)
}

// ConvertTo24h converts "3:30pm", "9 a.m.", "15h30" and similar to HH:MM.
// Input that matches no pattern is returned unchanged; callers must validate
// the result with ParseClock.
func ConvertTo24h(text string) string {
	s := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(text)), " ", "")
	for _, re := range clockPatterns {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if len(m) > 2 && m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		switch {
		case strings.Contains(s, "p") && hour < 12:
			hour += 12
		case strings.Contains(s, "a") && hour == 12:
			hour = 0
		}
		return fmt.Sprintf("%02d:%02d", hour, minute)
	}
	return text
}

// ParseClock strictly parses a 24h HH:MM value and returns it zero-padded.
func ParseClock(text string) (string, bool) {
	t, err := time.Parse(models.ClockLayout, strings.TrimSpace(text))
	if err != nil {
		return "", false
	}
	return t.Format(models.ClockLayout), true
}

// NormalizeClock applies the meridiem conversion when a marker is present and
// then the strict HH:MM check.
func NormalizeClock(text string) (string, bool) {
	candidate := text
	if HasMeridiem(text) {
		candidate = ConvertTo24h(text)
	}
	return ParseClock(candidate)
}

// Combine joins a canonical date and clock into an instant in loc.
func Combine(date, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(models.DateLayout+" "+models.ClockLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("combine %s %s: %w", date, clock, err)
	}
	return t, nil
}
