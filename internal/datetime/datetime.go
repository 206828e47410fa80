// Package datetime turns free-form Spanish date and time expressions into the
// canonical YYYY-MM-DD and HH:MM values used by the scheduling core.
//
// Failure to parse is not an error: ParseDate reports it through its boolean
// result and ConvertTo24h returns its input unchanged, so callers must check.
package datetime

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// numericLayouts are tried in order; the first one that consumes the whole
// input wins. Single-digit day and month fields are accepted.
var numericLayouts = []struct {
	layout       string
	twoDigitYear bool
}{
	{"2006-1-2", false},  // YYYY-MM-DD
	{"2/1/2006", false},  // DD/MM/YYYY
	{"2-1-2006", false},  // DD-MM-YYYY
	{"2.1.2006", false},  // DD.MM.YYYY
	{"1/2/2006", false},  // MM/DD/YYYY
	{"2/1/06", true},     // DD/MM/YY
	{"2006/1/2", false},  // YYYY/MM/DD
}

var dayMonthPattern = regexp.MustCompile(`(?:el\s+)?(\d{1,2})\s+(?:de\s+)?(enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|setiembre|octubre|noviembre|diciembre)`)

var monthNames = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"setiembre": time.September, "octubre": time.October,
	"noviembre": time.November, "diciembre": time.December,
}

var weekdayNames = []struct {
	name string
	day  time.Weekday
}{
	{"lunes", time.Monday},
	{"martes", time.Tuesday},
	{"miercoles", time.Wednesday},
	{"jueves", time.Thursday},
	{"viernes", time.Friday},
	{"sabado", time.Saturday},
	{"domingo", time.Sunday},
}

// relative resolves a phrase to a date given today's date.
type relative func(today time.Time) time.Time

// phrases is the relative-date table, keyed by accent-folded phrase.
var phrases = buildPhrases()

// phraseOrder lists the phrases longest first so that substring matching
// prefers "pasado manana" over "manana".
var phraseOrder = sortedPhrases(phrases)

func buildPhrases() map[string]relative {
	p := map[string]relative{
		"hoy":              addDays(0),
		"manana":           addDays(1),
		"pasado manana":    addDays(2),
		"en una semana":    addDays(7),
		"en dos semanas":   addDays(14),
		"proxima semana":   addDays(7),
		"siguiente semana": addDays(7),
	}
	for _, wd := range weekdayNames {
		p["proximo "+wd.name] = nextWeekday(wd.day)
		p[wd.name+" proximo"] = nextWeekday(wd.day)
		p[wd.name] = nextWeekday(wd.day)
		p["este "+wd.name] = thisWeekday(wd.day)
	}
	return p
}

func sortedPhrases(p map[string]relative) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

func addDays(n int) relative {
	return func(today time.Time) time.Time { return today.AddDate(0, 0, n) }
}

// nextWeekday returns the next occurrence strictly after today (1..7 days).
func nextWeekday(wd time.Weekday) relative {
	return func(today time.Time) time.Time {
		ahead := (int(wd) - int(today.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return today.AddDate(0, 0, ahead)
	}
}

// thisWeekday returns the occurrence within the current 7-day window,
// today included (0..6 days).
func thisWeekday(wd time.Weekday) relative {
	return func(today time.Time) time.Time {
		return today.AddDate(0, 0, (int(wd)-int(today.Weekday())+7)%7)
	}
}

// Normalizer parses dates relative to a clock in the operating timezone.
type Normalizer struct {
	loc *time.Location
	now func() time.Time
}

// New creates a Normalizer for loc using the wall clock.
func New(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc, now: time.Now}
}

// WithClock returns a copy of the normalizer that reads time from now.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	return &Normalizer{loc: n.loc, now: now}
}

// Location returns the operating timezone.
func (n *Normalizer) Location() *time.Location { return n.loc }

// Today returns midnight of the current day in the operating timezone.
func (n *Normalizer) Today() time.Time {
	now := n.now().In(n.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, n.loc)
}

// ParseDate returns the canonical YYYY-MM-DD form of text. The boolean is
// false when no supported format matched.
//
// Numeric dates that fall before today are moved to next year. This happens
// for every numeric input, not only ambiguous ones.
func (n *Normalizer) ParseDate(text string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return "", false
	}
	today := n.Today()

	if d, ok := n.parseNumeric(s, today); ok {
		return d.Format(models.DateLayout), true
	}

	folded := fold(s)
	if resolve, ok := phrases[folded]; ok {
		return resolve(today).Format(models.DateLayout), true
	}
	if resolve, ok := matchPhrase(folded); ok {
		return resolve(today).Format(models.DateLayout), true
	}

	if m := dayMonthPattern.FindStringSubmatch(folded); m != nil {
		day, _ := strconv.Atoi(m[1])
		month := monthNames[m[2]]
		d, ok := makeDate(today.Year(), month, day, n.loc)
		if !ok {
			slog.Debug("Normalizer.ParseDate: impossible day-month date", "input", text)
			return "", false
		}
		if d.Before(today) {
			if d, ok = makeDate(today.Year()+1, month, day, n.loc); !ok {
				return "", false
			}
		}
		return d.Format(models.DateLayout), true
	}

	slog.Debug("Normalizer.ParseDate: unparseable date", "input", text)
	return "", false
}

func (n *Normalizer) parseNumeric(s string, today time.Time) (time.Time, bool) {
	for _, f := range numericLayouts {
		d, err := time.ParseInLocation(f.layout, s, n.loc)
		if err != nil {
			continue
		}
		year := d.Year()
		if f.twoDigitYear {
			year = expandYear(d.Year()%100, today.Year())
		}
		d, ok := makeDate(year, d.Month(), d.Day(), n.loc)
		if !ok {
			continue
		}
		if d.Before(today) {
			bumped, ok := makeDate(today.Year()+1, d.Month(), d.Day(), n.loc)
			if !ok {
				continue
			}
			slog.Debug("Normalizer.ParseDate: past date moved to next year", "input", s, "date", bumped.Format(models.DateLayout))
			d = bumped
		}
		return d, true
	}
	return time.Time{}, false
}

// expandYear places a two-digit year in the current century unless that
// would be more than 50 years ahead of now, in which case the previous
// century is used.
func expandYear(yy, currentYear int) int {
	century := currentYear - currentYear%100
	if yy > currentYear%100+50 {
		return century - 100 + yy
	}
	return century + yy
}

// makeDate builds a date, rejecting days that do not exist in the month.
func makeDate(year int, month time.Month, day int, loc *time.Location) (time.Time, bool) {
	d := time.Date(year, month, day, 0, 0, 0, 0, loc)
	if d.Year() != year || d.Month() != month || d.Day() != day {
		return time.Time{}, false
	}
	return d, true
}

// matchPhrase finds the phrase contained in s, preferring the longest and,
// among equally long ones, the earliest in the text.
func matchPhrase(s string) (relative, bool) {
	best, bestIdx := "", -1
	for _, p := range phraseOrder {
		if best != "" && len(p) < len(best) {
			break
		}
		idx := strings.Index(s, p)
		if idx < 0 {
			continue
		}
		if best == "" || idx < bestIdx {
			best, bestIdx = p, idx
		}
	}
	if best == "" {
		return nil, false
	}
	return phrases[best], true
}

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold strips diacritics so "próximo miércoles" and "proximo miercoles" match.
func fold(s string) string {
	out, _, err := transform.String(accentFolder, s)
	if err != nil {
		return s
	}
	return out
}
