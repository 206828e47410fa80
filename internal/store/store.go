// Package store persists leads, conversations and meetings, and provides the
// durable job queue, outbox and inbound dedup used by the messaging layer.
//
// Two backends are supported: SQLite (default) and PostgreSQL. Both share the
// SQL in this package; only claim queries differ per backend.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

// MeetingStore persists the local mirror of remote calendar events.
type MeetingStore interface {
	CreateMeeting(ctx context.Context, m *models.Meeting) error
	UpdateMeetingStatus(ctx context.Context, id string, status models.MeetingStatus) error
	UpdateMeetingTimes(ctx context.Context, id string, start, end time.Time, status models.MeetingStatus) error
	GetMeeting(ctx context.Context, id string) (*models.Meeting, error)
	FindMeetingByExternalID(ctx context.Context, externalID string) (*models.Meeting, error)
	ListMeetingsByUser(ctx context.Context, userID string) ([]models.Meeting, error)
	ListMeetings(ctx context.Context, status models.MeetingStatus) ([]models.Meeting, error)
}

// LeadStore persists users, conversations and qualification answers.
type LeadStore interface {
	GetOrCreateUser(ctx context.Context, phone string) (*models.User, error)
	UpdateUser(ctx context.Context, u *models.User) error
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	GetOrCreateConversation(ctx context.Context, userID, externalID, platform string) (*models.Conversation, error)
	CloseConversation(ctx context.Context, id string) error
	AddMessage(ctx context.Context, msg *models.Message) error
	ConversationHistory(ctx context.Context, conversationID string, max int) ([]models.Message, error)
	GetOrCreateLeadQualification(ctx context.Context, userID, conversationID string) (*models.LeadQualification, error)
	UpdateLeadQualification(ctx context.Context, lq *models.LeadQualification) error
	SaveBANT(ctx context.Context, b *models.BANTData) error
	GetBANT(ctx context.Context, leadQualificationID string) (*models.BANTData, error)
	SaveRequirements(ctx context.Context, r *models.Requirements) error
	GetRequirements(ctx context.Context, leadQualificationID string) (*models.Requirements, error)
}

// Store is the full persistence surface.
type Store interface {
	MeetingStore
	LeadStore
	JobRepo
	OutboxRepo
	DedupRepo
	Close() error
}

// Compile-time checks that both backends implement Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN    string
	Driver string // "sqlite3" or "postgres"; detected from DSN when empty
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN selects SQLite at the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN selects PostgreSQL with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// WithDSN sets the DSN and lets NewStore detect the backend.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key=value DSNs and
// "sqlite3" for everything else (file paths, file: URIs).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user="):
		return "postgres"
	default:
		return "sqlite3"
	}
}

// NewStore opens the backend selected by opts.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	slog.Debug("NewStore: opening", "driver", driver)
	switch driver {
	case "postgres":
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	case "sqlite3":
		return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
