package calendar

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

// MemoryGateway is an in-process calendar. It backs tests and local runs
// without Microsoft 365 credentials.
type MemoryGateway struct {
	mu         sync.RWMutex
	events     map[string]Event
	findWindow time.Duration
	fail       error
}

var _ Gateway = (*MemoryGateway)(nil)

// NewMemoryGateway returns an empty in-memory calendar.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{events: make(map[string]Event), findWindow: 30 * 24 * time.Hour}
}

// AddBusy seeds an opaque busy block and returns its identifier.
func (m *MemoryGateway) AddBusy(start, end time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.events[id] = Event{ID: id, Subject: "Ocupado", Start: start, End: end}
	return id
}

// SetFail makes every call return err until it is reset with nil.
func (m *MemoryGateway) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MemoryGateway) failure() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail
}

func (m *MemoryGateway) sorted() []Event {
	out := make([]Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// ListBusy implements Gateway.
func (m *MemoryGateway) ListBusy(ctx context.Context, start, end time.Time) ([]models.BusyInterval, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var busy []models.BusyInterval
	for _, ev := range m.sorted() {
		if ev.Start.Before(end) && ev.End.After(start) {
			busy = append(busy, models.BusyInterval{Start: ev.Start, End: ev.End})
		}
	}
	return busy, nil
}

// CreateEvent implements Gateway.
func (m *MemoryGateway) CreateEvent(ctx context.Context, in EventInput) (*Event, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	ev := Event{
		ID:        id,
		Subject:   in.Subject,
		Start:     in.Start,
		End:       in.End,
		Attendees: append([]string(nil), in.Attendees...),
		WebLink:   "https://calendar.local/events/" + id,
	}
	if in.Online {
		ev.OnlineMeetingURL = "https://meet.local/" + id
	}
	m.events[id] = ev
	return &ev, nil
}

// GetEvent implements Gateway.
func (m *MemoryGateway) GetEvent(ctx context.Context, externalID string) (*Event, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

// PatchEvent implements Gateway.
func (m *MemoryGateway) PatchEvent(ctx context.Context, externalID string, start, end time.Time) (*Event, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	ev.Start, ev.End = start, end
	m.events[externalID] = ev
	return &ev, nil
}

// DeleteEvent implements Gateway.
func (m *MemoryGateway) DeleteEvent(ctx context.Context, externalID string) error {
	if err := m.failure(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[externalID]; !ok {
		return ErrNotFound
	}
	delete(m.events, externalID)
	return nil
}

// FindBySubject implements Gateway.
func (m *MemoryGateway) FindBySubject(ctx context.Context, text string, start, end *time.Time) ([]Event, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}
	from, to := findWindow(start, end, m.findWindow)
	needle := strings.ToLower(text)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, ev := range m.sorted() {
		if !ev.Start.Before(to) || !ev.End.After(from) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(ev.Subject), needle) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
