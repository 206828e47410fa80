package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

const meetingColumns = `id, user_id, lead_qualification_id, external_event_id, subject, start_time, end_time, status, online_meeting_url, created_at, updated_at`

// ErrMeetingNotFound is returned by updates that match no row.
var ErrMeetingNotFound = errors.New("meeting not found")

func scanMeeting(row rowScanner) (models.Meeting, error) {
	var m models.Meeting
	var userID, lqID, url sql.NullString
	err := row.Scan(&m.ID, &userID, &lqID, &m.ExternalEventID, &m.Subject, &m.Start, &m.End,
		&m.Status, &url, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	m.UserID = userID.String
	m.LeadQualificationID = lqID.String
	m.OnlineMeetingURL = url.String
	return m, nil
}

func (s *sqlDB) CreateMeeting(ctx context.Context, m *models.Meeting) error {
	if m.ExternalEventID == "" {
		return fmt.Errorf("meeting has no external event id")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	ts := utcNow()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = ts
	}
	m.UpdatedAt = ts
	if m.Status == "" {
		m.Status = models.MeetingStatusScheduled
	}
	_, err := s.exec(ctx,
		`INSERT INTO meetings (`+meetingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nilIfEmpty(m.UserID), nilIfEmpty(m.LeadQualificationID), m.ExternalEventID, m.Subject,
		m.Start.UTC(), m.End.UTC(), string(m.Status), nilIfEmpty(m.OnlineMeetingURL), m.CreatedAt.UTC(), m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert meeting failed: %w", err)
	}
	slog.Debug(s.name+".CreateMeeting", "id", m.ID, "externalEventID", m.ExternalEventID, "start", m.Start)
	return nil
}

func (s *sqlDB) updateMeeting(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMeetingNotFound
	}
	return nil
}

func (s *sqlDB) UpdateMeetingStatus(ctx context.Context, id string, status models.MeetingStatus) error {
	err := s.updateMeeting(ctx, `UPDATE meetings SET status = ?, updated_at = ? WHERE id = ?`, string(status), utcNow(), id)
	if err != nil {
		return fmt.Errorf("update meeting status failed: %w", err)
	}
	slog.Debug(s.name+".UpdateMeetingStatus", "id", id, "status", status)
	return nil
}

func (s *sqlDB) UpdateMeetingTimes(ctx context.Context, id string, start, end time.Time, status models.MeetingStatus) error {
	err := s.updateMeeting(ctx,
		`UPDATE meetings SET start_time = ?, end_time = ?, status = ?, updated_at = ? WHERE id = ?`,
		start.UTC(), end.UTC(), string(status), utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("update meeting times failed: %w", err)
	}
	slog.Debug(s.name+".UpdateMeetingTimes", "id", id, "start", start, "status", status)
	return nil
}

func (s *sqlDB) getMeetingBy(ctx context.Context, column, value string) (*models.Meeting, error) {
	m, err := scanMeeting(s.queryRow(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting failed: %w", err)
	}
	return &m, nil
}

func (s *sqlDB) GetMeeting(ctx context.Context, id string) (*models.Meeting, error) {
	return s.getMeetingBy(ctx, "id", id)
}

func (s *sqlDB) FindMeetingByExternalID(ctx context.Context, externalID string) (*models.Meeting, error) {
	return s.getMeetingBy(ctx, "external_event_id", externalID)
}

func (s *sqlDB) listMeetings(ctx context.Context, query string, args ...interface{}) ([]models.Meeting, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list meetings failed: %w", err)
	}
	defer rows.Close()
	var out []models.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meeting failed: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlDB) ListMeetingsByUser(ctx context.Context, userID string) ([]models.Meeting, error) {
	return s.listMeetings(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE user_id = ? ORDER BY start_time ASC`, userID)
}

// ListMeetings returns meetings with the given status, or all meetings when
// status is empty, ordered by start.
func (s *sqlDB) ListMeetings(ctx context.Context, status models.MeetingStatus) ([]models.Meeting, error) {
	if status == "" {
		return s.listMeetings(ctx, `SELECT `+meetingColumns+` FROM meetings ORDER BY start_time ASC`)
	}
	return s.listMeetings(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE status = ? ORDER BY start_time ASC`, string(status))
}
