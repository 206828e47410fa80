package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DedupRecord is an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Sender      string     `json:"sender"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo guards against processing the same inbound webhook twice.
type DedupRepo interface {
	// IsDuplicate reports whether messageID was already recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded.
	RecordInbound(ctx context.Context, messageID, sender string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

func (s *sqlDB) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.queryRow(ctx, `SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlDB) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	// ON CONFLICT DO NOTHING is understood by both SQLite and PostgreSQL.
	result, err := s.exec(ctx,
		`INSERT INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, sender, utcNow(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *sqlDB) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := s.exec(ctx, `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, utcNow(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
