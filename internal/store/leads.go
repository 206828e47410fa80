package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

const (
	userColumns         = `id, phone, email, full_name, company, created_at, updated_at`
	conversationColumns = `id, user_id, external_id, platform, status, created_at, updated_at`
	messageColumns      = `id, conversation_id, role, content, message_type, external_id, created_at`
	leadColumns         = `id, user_id, conversation_id, consent, current_step, created_at, updated_at`
)

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	var email, name, company sql.NullString
	err := row.Scan(&u.ID, &u.Phone, &email, &name, &company, &u.CreatedAt, &u.UpdatedAt)
	u.Email, u.FullName, u.Company = email.String, name.String, company.String
	return u, err
}

func (s *sqlDB) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	u, err := scanUser(s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone = ?`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user failed: %w", err)
	}
	return &u, nil
}

// GetOrCreateUser returns the user registered under phone, creating it on
// first contact.
func (s *sqlDB) GetOrCreateUser(ctx context.Context, phone string) (*models.User, error) {
	if phone == "" {
		return nil, fmt.Errorf("phone is required")
	}
	ts := utcNow()
	_, err := s.exec(ctx,
		`INSERT INTO users (id, phone, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (phone) DO NOTHING`,
		uuid.NewString(), phone, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("create user failed: %w", err)
	}
	u, err := s.GetUserByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %s vanished after insert", phone)
	}
	return u, nil
}

func (s *sqlDB) UpdateUser(ctx context.Context, u *models.User) error {
	u.UpdatedAt = utcNow()
	_, err := s.exec(ctx,
		`UPDATE users SET email = ?, full_name = ?, company = ?, updated_at = ? WHERE id = ?`,
		nilIfEmpty(u.Email), nilIfEmpty(u.FullName), nilIfEmpty(u.Company), u.UpdatedAt, u.ID,
	)
	if err != nil {
		return fmt.Errorf("update user failed: %w", err)
	}
	return nil
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.ExternalID, &c.Platform, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// GetOrCreateConversation returns the active conversation for externalID on
// platform, opening a new one when none is active.
func (s *sqlDB) GetOrCreateConversation(ctx context.Context, userID, externalID, platform string) (*models.Conversation, error) {
	c, err := scanConversation(s.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE external_id = ? AND platform = ? AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`,
		externalID, platform,
	))
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}

	ts := utcNow()
	c = models.Conversation{
		ID:         uuid.NewString(),
		UserID:     userID,
		ExternalID: externalID,
		Platform:   platform,
		Status:     models.ConversationActive,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	_, err = s.exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ExternalID, c.Platform, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation failed: %w", err)
	}
	slog.Debug(s.name+".GetOrCreateConversation: opened", "id", c.ID, "externalID", externalID)
	return &c, nil
}

func (s *sqlDB) CloseConversation(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `UPDATE conversations SET status = 'closed', updated_at = ? WHERE id = ?`, utcNow(), id); err != nil {
		return fmt.Errorf("close conversation failed: %w", err)
	}
	return nil
}

func (s *sqlDB) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = utcNow()
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	_, err := s.exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.MessageType, nilIfEmpty(msg.ExternalID), msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("add message failed: %w", err)
	}
	return nil
}

// ConversationHistory returns up to max most recent messages, oldest first.
func (s *sqlDB) ConversationHistory(ctx context.Context, conversationID string, max int) ([]models.Message, error) {
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`,
		conversationID, max,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation history failed: %w", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		var m models.Message
		var ext sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.MessageType, &ext, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		m.ExternalID = ext.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanLead(row rowScanner) (models.LeadQualification, error) {
	var lq models.LeadQualification
	err := row.Scan(&lq.ID, &lq.UserID, &lq.ConversationID, &lq.Consent, &lq.CurrentStep, &lq.CreatedAt, &lq.UpdatedAt)
	return lq, err
}

func (s *sqlDB) GetOrCreateLeadQualification(ctx context.Context, userID, conversationID string) (*models.LeadQualification, error) {
	lq, err := scanLead(s.queryRow(ctx,
		`SELECT `+leadColumns+` FROM lead_qualifications WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID,
	))
	if err == nil {
		return &lq, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get lead qualification failed: %w", err)
	}
	ts := utcNow()
	lq = models.LeadQualification{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		CurrentStep:    models.LeadStepStart,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	_, err = s.exec(ctx,
		`INSERT INTO lead_qualifications (`+leadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lq.ID, lq.UserID, lq.ConversationID, lq.Consent, string(lq.CurrentStep), lq.CreatedAt, lq.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create lead qualification failed: %w", err)
	}
	return &lq, nil
}

func (s *sqlDB) UpdateLeadQualification(ctx context.Context, lq *models.LeadQualification) error {
	lq.UpdatedAt = utcNow()
	_, err := s.exec(ctx,
		`UPDATE lead_qualifications SET consent = ?, current_step = ?, updated_at = ? WHERE id = ?`,
		lq.Consent, string(lq.CurrentStep), lq.UpdatedAt, lq.ID,
	)
	if err != nil {
		return fmt.Errorf("update lead qualification failed: %w", err)
	}
	slog.Debug(s.name+".UpdateLeadQualification", "id", lq.ID, "step", lq.CurrentStep, "consent", lq.Consent)
	return nil
}

// SaveBANT upserts the BANT answers of a lead. Empty fields keep their
// previous value so answers can arrive one at a time.
func (s *sqlDB) SaveBANT(ctx context.Context, b *models.BANTData) error {
	prev, err := s.GetBANT(ctx, b.LeadQualificationID)
	if err != nil {
		return err
	}
	b.UpdatedAt = utcNow()
	if prev == nil {
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		_, err = s.exec(ctx,
			`INSERT INTO bant_data (id, lead_qualification_id, budget, authority, need, timeline, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.LeadQualificationID, nilIfEmpty(b.Budget), nilIfEmpty(b.Authority), nilIfEmpty(b.Need), nilIfEmpty(b.Timeline), b.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert bant failed: %w", err)
		}
		return nil
	}

	b.ID = prev.ID
	b.Budget = firstNonEmpty(b.Budget, prev.Budget)
	b.Authority = firstNonEmpty(b.Authority, prev.Authority)
	b.Need = firstNonEmpty(b.Need, prev.Need)
	b.Timeline = firstNonEmpty(b.Timeline, prev.Timeline)
	_, err = s.exec(ctx,
		`UPDATE bant_data SET budget = ?, authority = ?, need = ?, timeline = ?, updated_at = ? WHERE id = ?`,
		nilIfEmpty(b.Budget), nilIfEmpty(b.Authority), nilIfEmpty(b.Need), nilIfEmpty(b.Timeline), b.UpdatedAt, b.ID,
	)
	if err != nil {
		return fmt.Errorf("update bant failed: %w", err)
	}
	return nil
}

func (s *sqlDB) GetBANT(ctx context.Context, leadQualificationID string) (*models.BANTData, error) {
	var b models.BANTData
	var budget, authority, need, timeline sql.NullString
	err := s.queryRow(ctx,
		`SELECT id, lead_qualification_id, budget, authority, need, timeline, updated_at FROM bant_data WHERE lead_qualification_id = ?`,
		leadQualificationID,
	).Scan(&b.ID, &b.LeadQualificationID, &budget, &authority, &need, &timeline, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bant failed: %w", err)
	}
	b.Budget, b.Authority, b.Need, b.Timeline = budget.String, authority.String, need.String, timeline.String
	return &b, nil
}

// SaveRequirements replaces the requirements of a lead, including its feature
// and integration lists, in one transaction.
func (s *sqlDB) SaveRequirements(ctx context.Context, r *models.Requirements) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save requirements begin failed: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM requirements WHERE lead_qualification_id = ?`), r.LeadQualificationID).Scan(&existingID)
	switch {
	case err == nil:
		r.ID = existingID
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE requirements SET app_type = ?, deadline = ? WHERE id = ?`),
			nilIfEmpty(r.AppType), nilIfEmpty(r.Deadline), r.ID); err != nil {
			return fmt.Errorf("update requirements failed: %w", err)
		}
		for _, table := range []string{"requirement_features", "requirement_integrations"} {
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE requirement_id = ?`), r.ID); err != nil {
				return fmt.Errorf("clear %s failed: %w", table, err)
			}
		}
	case errors.Is(err, sql.ErrNoRows):
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.CreatedAt = utcNow()
		if _, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO requirements (id, lead_qualification_id, app_type, deadline, created_at) VALUES (?, ?, ?, ?, ?)`),
			r.ID, r.LeadQualificationID, nilIfEmpty(r.AppType), nilIfEmpty(r.Deadline), r.CreatedAt); err != nil {
			return fmt.Errorf("insert requirements failed: %w", err)
		}
	default:
		return fmt.Errorf("lookup requirements failed: %w", err)
	}

	insert := func(table string, names []string) error {
		for i, name := range names {
			if _, err := tx.ExecContext(ctx,
				s.rebind(`INSERT INTO `+table+` (requirement_id, position, name) VALUES (?, ?, ?)`),
				r.ID, i, name); err != nil {
				return fmt.Errorf("insert into %s failed: %w", table, err)
			}
		}
		return nil
	}
	if err := insert("requirement_features", r.Features); err != nil {
		return err
	}
	if err := insert("requirement_integrations", r.Integrations); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlDB) GetRequirements(ctx context.Context, leadQualificationID string) (*models.Requirements, error) {
	var r models.Requirements
	var appType, deadline sql.NullString
	err := s.queryRow(ctx,
		`SELECT id, lead_qualification_id, app_type, deadline, created_at FROM requirements WHERE lead_qualification_id = ?`,
		leadQualificationID,
	).Scan(&r.ID, &r.LeadQualificationID, &appType, &deadline, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get requirements failed: %w", err)
	}
	r.AppType, r.Deadline = appType.String, deadline.String

	if r.Features, err = s.names(ctx, "requirement_features", r.ID); err != nil {
		return nil, err
	}
	if r.Integrations, err = s.names(ctx, "requirement_integrations", r.ID); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqlDB) names(ctx context.Context, table, requirementID string) ([]string, error) {
	rows, err := s.query(ctx, `SELECT name FROM `+table+` WHERE requirement_id = ? ORDER BY position ASC`, requirementID)
	if err != nil {
		return nil, fmt.Errorf("list %s failed: %w", table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
