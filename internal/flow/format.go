package flow

import (
	"regexp"
	"strings"
)

// ResponseKind selects the leading emoji of a formatted reply.
type ResponseKind string

const (
	KindConsent            ResponseKind = "consent"
	KindPersonalData       ResponseKind = "personal_data"
	KindBANT               ResponseKind = "bant"
	KindRequirements       ResponseKind = "requirements"
	KindMeeting            ResponseKind = "meeting"
	KindAvailableSlots     ResponseKind = "available_slots"
	KindMeetingScheduled   ResponseKind = "meeting_scheduled"
	KindMeetingRescheduled ResponseKind = "meeting_rescheduled"
	KindMeetingCancelled   ResponseKind = "meeting_cancelled"
	KindError              ResponseKind = "error"
	KindWarning            ResponseKind = "warning"
	KindSuccess            ResponseKind = "success"
	KindGeneral            ResponseKind = "general"
)

var kindEmoji = map[ResponseKind]string{
	KindConsent:            "✅",
	KindPersonalData:       "👤",
	KindBANT:               "💼",
	KindRequirements:       "📋",
	KindMeeting:            "📅",
	KindAvailableSlots:     "🕒",
	KindMeetingScheduled:   "✅📆",
	KindMeetingRescheduled: "🔄📆",
	KindMeetingCancelled:   "❌📆",
	KindError:              "❗",
	KindWarning:            "⚠️",
	KindSuccess:            "✅",
	KindGeneral:            "💬",
}

const maxParagraphs = 5

var (
	bulletPattern = regexp.MustCompile(`(?m)^\* `)
	titlePattern  = regexp.MustCompile(`(?m)^([A-Za-zÁÉÍÓÚÑáéíóúñ][A-Za-zÁÉÍÓÚÑáéíóúñ ]*:)`)
	datePattern   = regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{4})\b`)
	clockPattern  = regexp.MustCompile(`\b(\d{1,2}:\d{2})\b`)
)

// FormatResponse prepares text for WhatsApp: bullets, bold titles, bold dates
// and times, and a leading emoji for kind. Long replies keep the first
// paragraph and the last three.
func FormatResponse(text string, kind ResponseKind) string {
	emoji, ok := kindEmoji[kind]
	if !ok {
		emoji = kindEmoji[KindGeneral]
	}

	text = bulletPattern.ReplaceAllString(text, "• ")
	text = titlePattern.ReplaceAllString(text, "*$1*")
	text = datePattern.ReplaceAllString(text, "*$1*")
	text = clockPattern.ReplaceAllString(text, "*$1*")

	formatted := emoji + " " + text

	paragraphs := strings.Split(formatted, "\n\n")
	if len(paragraphs) > maxParagraphs {
		kept := append([]string{paragraphs[0]}, paragraphs[len(paragraphs)-3:]...)
		formatted = strings.Join(kept, "\n\n")
	}
	return formatted
}
