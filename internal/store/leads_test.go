package store

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

func TestLeadStore_UserAndConversation(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	u1, err := s.GetOrCreateUser(ctx, "573001234567")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	u2, _ := s.GetOrCreateUser(ctx, "573001234567")
	if u1.ID != u2.ID {
		t.Errorf("expected same user, got %s and %s", u1.ID, u2.ID)
	}

	u1.FullName, u1.Email, u1.Company = "Ana Pérez", "ana@example.com", "Acme"
	if err := s.UpdateUser(ctx, u1); err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}
	got, _ := s.GetUserByPhone(ctx, "573001234567")
	if got.FullName != "Ana Pérez" || got.Email != "ana@example.com" {
		t.Errorf("update not persisted: %+v", got)
	}

	c1, err := s.GetOrCreateConversation(ctx, u1.ID, "573001234567", models.PlatformWhatsApp)
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	c2, _ := s.GetOrCreateConversation(ctx, u1.ID, "573001234567", models.PlatformWhatsApp)
	if c1.ID != c2.ID {
		t.Error("expected active conversation to be reused")
	}
	s.CloseConversation(ctx, c1.ID)
	c3, _ := s.GetOrCreateConversation(ctx, u1.ID, "573001234567", models.PlatformWhatsApp)
	if c3.ID == c1.ID {
		t.Error("expected a new conversation after close")
	}
}

func TestLeadStore_ConversationHistory(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, "57300")
	c, _ := s.GetOrCreateConversation(ctx, u.ID, "57300", models.PlatformWhatsApp)

	base := time.Now().Add(-time.Hour)
	for i, text := range []string{"hola", "bienvenido", "quiero una app", "perfecto"} {
		role := models.MessageRoleUser
		if i%2 == 1 {
			role = models.MessageRoleAssistant
		}
		if err := s.AddMessage(ctx, &models.Message{ConversationID: c.ID, Role: role, Content: text, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}

	hist, err := s.ConversationHistory(ctx, c.ID, 3)
	if err != nil {
		t.Fatalf("ConversationHistory failed: %v", err)
	}
	var contents []string
	for _, m := range hist {
		contents = append(contents, m.Content)
	}
	want := []string{"bienvenido", "quiero una app", "perfecto"}
	if !reflect.DeepEqual(contents, want) {
		t.Errorf("history = %v, want %v", contents, want)
	}
}

func TestLeadStore_QualificationBANTRequirements(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	u, _ := s.GetOrCreateUser(ctx, "57311")
	c, _ := s.GetOrCreateConversation(ctx, u.ID, "57311", models.PlatformWhatsApp)

	lq, err := s.GetOrCreateLeadQualification(ctx, u.ID, c.ID)
	if err != nil {
		t.Fatalf("GetOrCreateLeadQualification failed: %v", err)
	}
	if lq.CurrentStep != models.LeadStepStart || lq.Consent {
		t.Errorf("unexpected new lead: %+v", lq)
	}
	lq.Consent = true
	lq.CurrentStep = models.LeadStepBANT
	s.UpdateLeadQualification(ctx, lq)
	again, _ := s.GetOrCreateLeadQualification(ctx, u.ID, c.ID)
	if again.ID != lq.ID || !again.Consent || again.CurrentStep != models.LeadStepBANT {
		t.Errorf("lead not updated: %+v", again)
	}

	s.SaveBANT(ctx, &models.BANTData{LeadQualificationID: lq.ID, Budget: "10k USD"})
	s.SaveBANT(ctx, &models.BANTData{LeadQualificationID: lq.ID, Need: "CRM"})
	b, err := s.GetBANT(ctx, lq.ID)
	if err != nil || b == nil {
		t.Fatalf("GetBANT: %v %v", b, err)
	}
	if b.Budget != "10k USD" || b.Need != "CRM" {
		t.Errorf("partial BANT answers not merged: %+v", b)
	}

	req := &models.Requirements{LeadQualificationID: lq.ID, AppType: "web", Features: []string{"login", "pagos"}, Integrations: []string{"SAP"}}
	if err := s.SaveRequirements(ctx, req); err != nil {
		t.Fatalf("SaveRequirements failed: %v", err)
	}
	req2 := &models.Requirements{LeadQualificationID: lq.ID, AppType: "móvil", Features: []string{"chat"}}
	if err := s.SaveRequirements(ctx, req2); err != nil {
		t.Fatalf("SaveRequirements (replace) failed: %v", err)
	}
	r, _ := s.GetRequirements(ctx, lq.ID)
	if r.ID != req.ID || r.AppType != "móvil" || !reflect.DeepEqual(r.Features, []string{"chat"}) || len(r.Integrations) != 0 {
		t.Errorf("requirements not replaced: %+v", r)
	}
}
