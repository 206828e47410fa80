package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/availability"
	"github.com/TDXCORE/FullStackAgent2025/internal/calendar"
	"github.com/TDXCORE/FullStackAgent2025/internal/config"
	"github.com/TDXCORE/FullStackAgent2025/internal/datetime"
	"github.com/TDXCORE/FullStackAgent2025/internal/messaging"
	"github.com/TDXCORE/FullStackAgent2025/internal/scheduling"
	"github.com/TDXCORE/FullStackAgent2025/internal/store"
	"github.com/TDXCORE/FullStackAgent2025/internal/util"
	"github.com/TDXCORE/FullStackAgent2025/internal/whatsapp"
)

const (
	// DefaultStateDir holds the SQLite database, the lock file and the WhatsApp session.
	DefaultStateDir = "/var/lib/leadagent"
	// DefaultDBFileName is the SQLite database inside the state directory.
	DefaultDBFileName = "leadagent.db"
	// DefaultCalendarMailbox is the Microsoft 365 calendar meetings are booked on.
	DefaultCalendarMailbox = "ventas@tdxcore.com"

	calendarModeGraph  = "graph"
	calendarModeMemory = "memory"
)

// Config holds environment configuration. Persistent flags override the
// fields they name.
type Config struct {
	StateDir         string
	DatabaseURL      string
	WhatsAppDSN      string
	APIAddr          string
	PolicyFile       string
	SystemPromptFile string
	LogLevel         string

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string
	GenAIDebug    bool

	CalendarMode      string
	CalendarMailbox   string
	CalendarRateLimit float64
	MSCredentials     calendar.Credentials

	Backend          string
	WebhookPublicURL string
	WebhookAsync     bool
	TwilioAuthToken  string

	JobPollInterval    time.Duration
	OutboxPollInterval time.Duration
}

// loadEnvironmentConfig reads the process environment, after .env loading.
func loadEnvironmentConfig() Config {
	cfg := Config{
		StateDir:         os.Getenv("LEADAGENT_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:          os.Getenv("API_ADDR"),
		PolicyFile:       os.Getenv("SCHEDULING_POLICY_FILE"),
		SystemPromptFile: os.Getenv("SYSTEM_PROMPT_FILE"),
		LogLevel:         os.Getenv("LOG_LEVEL"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		GenAIDebug:    util.ParseBoolEnv("GENAI_DEBUG", false),

		CalendarMode:    strings.ToLower(os.Getenv("CALENDAR_MODE")),
		CalendarMailbox: os.Getenv("CALENDAR_USER_EMAIL"),
		MSCredentials: calendar.Credentials{
			TenantID:     os.Getenv("MS_TENANT_ID"),
			ClientID:     os.Getenv("MS_CLIENT_ID"),
			ClientSecret: os.Getenv("MS_CLIENT_SECRET"),
		},

		Backend:          strings.ToLower(os.Getenv("WHATSAPP_BACKEND")),
		WebhookPublicURL: os.Getenv("WEBHOOK_PUBLIC_URL"),
		WebhookAsync:     util.ParseBoolEnv("WEBHOOK_ASYNC", false),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),

		JobPollInterval:    util.ParseDurationEnv("JOB_POLL_INTERVAL", 10*time.Second),
		OutboxPollInterval: util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", 5*time.Second),
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.CalendarMailbox == "" {
		cfg.CalendarMailbox = DefaultCalendarMailbox
	}
	if cfg.Backend == "" {
		cfg.Backend = messaging.BackendTwilio
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "debug"
	}
	if v := os.Getenv("CALENDAR_RATE_LIMIT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.CalendarRateLimit = n
		} else {
			slog.Warn("loadEnvironmentConfig: invalid CALENDAR_RATE_LIMIT, ignoring", "value", v)
		}
	}

	slog.Debug("loadEnvironmentConfig: loaded",
		"state_dir", cfg.StateDir,
		"database_url_set", cfg.DatabaseURL != "",
		"api_addr", cfg.APIAddr,
		"policy_file", cfg.PolicyFile,
		"openai_key_set", cfg.OpenAIKey != "",
		"calendar_mode", cfg.CalendarMode,
		"ms_credentials_set", cfg.MSCredentials.Complete(),
		"backend", cfg.Backend,
		"webhook_public_url", cfg.WebhookPublicURL)
	return cfg
}

// storeDSN is DATABASE_URL, or a SQLite file in the state directory.
func (c Config) storeDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// whatsappDSN keeps the whatsmeow session beside the application data: in
// the same PostgreSQL database, or in its own SQLite file.
func (c Config) whatsappDSN() string {
	if c.WhatsAppDSN != "" {
		return c.WhatsAppDSN
	}
	if c.DatabaseURL != "" && store.DetectDSNType(c.DatabaseURL) == "postgres" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, whatsapp.DefaultDBFile)
}

// buildStoreOptions picks the store backend from the DSN shape.
func buildStoreOptions(dsn string) []store.Option {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("buildStoreOptions: using PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("buildStoreOptions: using SQLite store", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// openStore creates the state directory for file DSNs and opens the store,
// which applies the schema.
func openStore(c Config) (store.Store, error) {
	dsn := c.storeDSN()
	if store.DetectDSNType(dsn) != "postgres" {
		dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	return store.NewStore(buildStoreOptions(dsn)...)
}

// loadPolicy reads the policy file when given, then applies env overrides.
func loadPolicy(c Config) (*config.Policy, error) {
	policy := config.Default()
	if c.PolicyFile != "" {
		p, err := config.Load(c.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	if err := policy.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("scheduling policy: %w", err)
	}
	return policy, nil
}

// newGateway selects the calendar backend. Without a mode, Graph is used
// when credentials are complete and the memory calendar otherwise.
func newGateway(c Config, policy *config.Policy) (calendar.Gateway, error) {
	mode := c.CalendarMode
	if mode == "" {
		mode = calendarModeMemory
		if c.MSCredentials.Complete() {
			mode = calendarModeGraph
		}
	}
	switch mode {
	case calendarModeMemory:
		slog.Warn("newGateway: using in-memory calendar; bookings are not persisted to Microsoft 365")
		return calendar.NewMemoryGateway(), nil
	case calendarModeGraph:
		opts := []calendar.GraphOption{
			calendar.WithLocation(policy.Location()),
			calendar.WithTimeout(policy.RemoteTimeout.Std()),
			calendar.WithFindWindow(time.Duration(policy.FindWindowDays) * 24 * time.Hour),
		}
		if c.CalendarRateLimit > 0 {
			opts = append(opts, calendar.WithRateLimit(c.CalendarRateLimit))
		}
		return calendar.NewGraphGateway(c.MSCredentials, c.CalendarMailbox, opts...), nil
	default:
		return nil, fmt.Errorf("unknown calendar mode %q (want %s or %s)", mode, calendarModeGraph, calendarModeMemory)
	}
}

// schedulingStack is the calendar side shared by serve and slots.
type schedulingStack struct {
	policy      *config.Policy
	gateway     calendar.Gateway
	engine      *availability.Engine
	validator   *scheduling.Validator
	coordinator *scheduling.Coordinator
}

func buildSchedulingStack(c Config, meetings scheduling.MeetingStore) (*schedulingStack, error) {
	policy, err := loadPolicy(c)
	if err != nil {
		return nil, err
	}
	gw, err := newGateway(c, policy)
	if err != nil {
		return nil, err
	}
	engine := availability.NewEngine(gw, policy)
	s := &schedulingStack{
		policy:    policy,
		gateway:   gw,
		engine:    engine,
		validator: scheduling.NewValidator(engine, datetime.New(policy.Location())),
	}
	if meetings != nil {
		s.coordinator = scheduling.NewCoordinator(gw, meetings, engine)
	}
	return s, nil
}
