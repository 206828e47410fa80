// Package config loads the scheduling policy that governs availability and
// validation: operating timezone, business hours, lead time and durations.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the scheduling policy.
const (
	DefaultTimezone               = "America/Bogota"
	DefaultBusinessStartHour      = 8
	DefaultBusinessEndHour        = 17
	DefaultMinLeadTime            = 48 * time.Hour
	DefaultMeetingDurationMinutes = 60
	DefaultSlotMinutes            = 60
	DefaultDisplayDays            = 3
	DefaultFallbackStepDays       = 5
	DefaultFallbackSpanDays       = 5
	DefaultFallbackAttempts       = 2
	DefaultFindWindowDays         = 30
	DefaultRemoteTimeout          = 60 * time.Second
	DefaultRemoteRatePerSecond    = 4.0
	DefaultReminderBefore         = 24 * time.Hour
	DefaultSupportEmail           = "soporte@tdxcore.com"
	DefaultMeetingSubject         = "Reunión de consultoría - Desarrollo de software"

	MinMeetingDurationMinutes = 15
	MaxMeetingDurationMinutes = 180
)

var (
	ErrInvalidHours    = errors.New("business hours must satisfy 0 <= start < end <= 24")
	ErrInvalidSlot     = errors.New("slot length must divide the business day")
	ErrInvalidDuration = errors.New("default duration outside allowed range")
)

// Policy is the scheduling configuration consumed by the core.
type Policy struct {
	Timezone               string   `yaml:"timezone"`
	BusinessStartHour      int      `yaml:"business_start_hour"`
	BusinessEndHour        int      `yaml:"business_end_hour"`
	MinLeadTime            Duration `yaml:"min_lead_time"`
	DefaultDurationMinutes int      `yaml:"default_duration_minutes"`
	SlotMinutes            int      `yaml:"slot_minutes"`
	DisplayDays            int      `yaml:"display_days"`
	FallbackStepDays       int      `yaml:"fallback_step_days"`
	FallbackSpanDays       int      `yaml:"fallback_span_days"`
	FallbackAttempts       int      `yaml:"fallback_attempts"`
	FindWindowDays         int      `yaml:"find_window_days"`
	RemoteTimeout          Duration `yaml:"remote_timeout"`
	RemoteRatePerSecond    float64  `yaml:"remote_rate_per_second"`
	ReminderBefore         Duration `yaml:"reminder_before"`
	SupportEmail           string   `yaml:"support_email"`
	MeetingSubject         string   `yaml:"meeting_subject"`

	loc *time.Location
}

// Duration decodes Go duration strings ("48h", "90s") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in policy, already validated.
func Default() *Policy {
	p := &Policy{}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		// The defaults only fail when the tz database is missing.
		p.loc = time.FixedZone("COT", -5*60*60)
	}
	return p
}

// Load reads the policy from path. An empty path yields the defaults.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document and applies defaults.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// applyDefaults sets default values for unspecified options.
func (p *Policy) applyDefaults() {
	if p.Timezone == "" {
		p.Timezone = DefaultTimezone
	}
	if p.BusinessStartHour == 0 && p.BusinessEndHour == 0 {
		p.BusinessStartHour = DefaultBusinessStartHour
		p.BusinessEndHour = DefaultBusinessEndHour
	}
	if p.MinLeadTime == 0 {
		p.MinLeadTime = Duration(DefaultMinLeadTime)
	}
	if p.DefaultDurationMinutes == 0 {
		p.DefaultDurationMinutes = DefaultMeetingDurationMinutes
	}
	if p.SlotMinutes == 0 {
		p.SlotMinutes = DefaultSlotMinutes
	}
	if p.DisplayDays == 0 {
		p.DisplayDays = DefaultDisplayDays
	}
	if p.FallbackStepDays == 0 {
		p.FallbackStepDays = DefaultFallbackStepDays
	}
	if p.FallbackSpanDays == 0 {
		p.FallbackSpanDays = DefaultFallbackSpanDays
	}
	if p.FallbackAttempts == 0 {
		p.FallbackAttempts = DefaultFallbackAttempts
	}
	if p.FindWindowDays == 0 {
		p.FindWindowDays = DefaultFindWindowDays
	}
	if p.RemoteTimeout == 0 {
		p.RemoteTimeout = Duration(DefaultRemoteTimeout)
	}
	if p.RemoteRatePerSecond == 0 {
		p.RemoteRatePerSecond = DefaultRemoteRatePerSecond
	}
	if p.ReminderBefore == 0 {
		p.ReminderBefore = Duration(DefaultReminderBefore)
	}
	if p.SupportEmail == "" {
		p.SupportEmail = DefaultSupportEmail
	}
	if p.MeetingSubject == "" {
		p.MeetingSubject = DefaultMeetingSubject
	}
}

// Validate checks the policy and resolves the operating timezone.
func (p *Policy) Validate() error {
	if p.BusinessStartHour < 0 || p.BusinessEndHour > 24 || p.BusinessStartHour >= p.BusinessEndHour {
		return ErrInvalidHours
	}
	if p.SlotMinutes <= 0 || ((p.BusinessEndHour-p.BusinessStartHour)*60)%p.SlotMinutes != 0 {
		return ErrInvalidSlot
	}
	if p.DefaultDurationMinutes < MinMeetingDurationMinutes || p.DefaultDurationMinutes > MaxMeetingDurationMinutes {
		return ErrInvalidDuration
	}
	if p.MinLeadTime < 0 {
		return fmt.Errorf("min_lead_time cannot be negative")
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", p.Timezone, err)
	}
	p.loc = loc
	return nil
}

// Location returns the operating timezone. Validate must have succeeded.
func (p *Policy) Location() *time.Location {
	if p.loc == nil {
		return time.UTC
	}
	return p.loc
}

// SlotLength returns the slot granularity.
func (p *Policy) SlotLength() time.Duration {
	return time.Duration(p.SlotMinutes) * time.Minute
}

// ApplyEnv overrides policy values with environment variables when set.
// Unparseable values are reported, not ignored.
func (p *Policy) ApplyEnv(getenv func(string) string) error {
	if v := getenv("SCHEDULING_TIMEZONE"); v != "" {
		p.Timezone = v
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"BUSINESS_START_HOUR", &p.BusinessStartHour},
		{"BUSINESS_END_HOUR", &p.BusinessEndHour},
		{"DEFAULT_MEETING_DURATION", &p.DefaultDurationMinutes},
		{"SLOT_MINUTES", &p.SlotMinutes},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = n
	}
	durs := []struct {
		key string
		dst *Duration
	}{
		{"MIN_LEAD_TIME", &p.MinLeadTime},
		{"CALENDAR_REQUEST_TIMEOUT", &p.RemoteTimeout},
		{"REMINDER_BEFORE", &p.ReminderBefore},
	}
	for _, e := range durs {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", e.key, err)
		}
		*e.dst = Duration(d)
	}
	if v := getenv("SUPPORT_EMAIL"); v != "" {
		p.SupportEmail = v
	}
	return p.Validate()
}
