package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/calendar"
	"github.com/TDXCORE/FullStackAgent2025/internal/config"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

var (
	// ErrRemoteRead means busy intervals could not be read. It is never
	// reported as an empty slot list.
	ErrRemoteRead = errors.New("calendar read failed")
	// ErrNoAvailability means the fallback search found no free slot.
	ErrNoAvailability = errors.New("no availability")
)

// Engine reads busy intervals from the calendar and computes free slots.
type Engine struct {
	gw     calendar.Gateway
	policy *config.Policy
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine over gw.
func NewEngine(gw calendar.Gateway, policy *config.Policy, opts ...Option) *Engine {
	e := &Engine{gw: gw, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the scheduling policy in use.
func (e *Engine) Policy() *config.Policy { return e.policy }

// Now returns the current instant in the operating timezone.
func (e *Engine) Now() time.Time { return e.now().In(e.policy.Location()) }

// EarliestStart is the first instant a meeting may start under the lead time.
func (e *Engine) EarliestStart() time.Time {
	return e.Now().Add(e.policy.MinLeadTime.Std())
}

// Slots reads the calendar once and returns the free slots for `days`
// business days from start.
func (e *Engine) Slots(ctx context.Context, start time.Time, days int) ([]models.TimeSlot, error) {
	start = start.In(e.policy.Location())
	from, to := QueryWindow(start, days)
	began := time.Now()
	busy, err := e.gw.ListBusy(ctx, from, to)
	if err != nil {
		slog.Error("Engine.Slots: busy read failed", "from", from, "to", to, "elapsed", time.Since(began), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRemoteRead, err)
	}
	slots := ComputeSlots(start, days, busy, PolicyFrom(e.policy))
	slog.Debug("Engine.Slots: computed", "from", from, "days", days, "busy", len(busy), "slots", len(slots))
	return slots, nil
}

// Day returns the free slots on date's calendar day only.
func (e *Engine) Day(ctx context.Context, date time.Time) ([]models.TimeSlot, error) {
	date = date.In(e.policy.Location())
	if !IsBusinessDay(date) {
		return nil, nil
	}
	slots, err := e.Slots(ctx, StartOfDay(date), 1)
	if err != nil {
		return nil, err
	}
	label := date.Format(models.DateLayout)
	out := slots[:0]
	for _, s := range slots {
		if s.Date == label {
			out = append(out, s)
		}
	}
	return out, nil
}

// SearchResult is the outcome of an availability search.
type SearchResult struct {
	Slots    []models.TimeSlot `json:"slots"`
	Start    time.Time         `json:"start"`
	Days     int               `json:"days"`
	FellBack bool              `json:"fell_back"`
}

// Search looks for free slots from start over `days` business days. When the
// window is empty it retries further ahead a bounded number of times, then
// returns ErrNoAvailability. Slots before the lead-time horizon are dropped.
func (e *Engine) Search(ctx context.Context, start time.Time, days int) (SearchResult, error) {
	now := e.Now()
	if start.Before(now) {
		start = now
	}
	earliest := e.EarliestStart()

	windowStart, span := start, days
	for attempt := 0; attempt <= e.policy.FallbackAttempts; attempt++ {
		if attempt > 0 {
			windowStart = windowStart.AddDate(0, 0, e.policy.FallbackStepDays)
			span = e.policy.FallbackSpanDays
			slog.Info("Engine.Search: window empty, searching later", "attempt", attempt, "start", windowStart.Format(models.DateLayout), "days", span)
		}
		slots, err := e.Slots(ctx, windowStart, span)
		if err != nil {
			return SearchResult{}, err
		}
		slots = notBefore(slots, earliest)
		if len(slots) > 0 {
			return SearchResult{Slots: slots, Start: windowStart, Days: span, FellBack: attempt > 0}, nil
		}
	}
	return SearchResult{}, ErrNoAvailability
}

func notBefore(slots []models.TimeSlot, earliest time.Time) []models.TimeSlot {
	out := make([]models.TimeSlot, 0, len(slots))
	for _, s := range slots {
		if !s.Start.Before(earliest) {
			out = append(out, s)
		}
	}
	return out
}
