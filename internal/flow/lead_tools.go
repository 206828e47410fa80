package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

var stepOrder = map[models.LeadStep]int{
	models.LeadStepStart:         0,
	models.LeadStepConsentDenied: 0,
	models.LeadStepPersonalData:  1,
	models.LeadStepBANT:          2,
	models.LeadStepRequirements:  3,
	models.LeadStepMeeting:       4,
	models.LeadStepCompleted:     5,
}

// advance moves the lead to step unless it is already further along.
func (a *Agent) advance(ctx context.Context, sess *session, step models.LeadStep) error {
	if stepOrder[sess.lead.CurrentStep] >= stepOrder[step] {
		return nil
	}
	prev := sess.lead.CurrentStep
	sess.lead.CurrentStep = step
	if err := a.leads.UpdateLeadQualification(ctx, sess.lead); err != nil {
		sess.lead.CurrentStep = prev
		return fmt.Errorf("update lead step: %w", err)
	}
	slog.Debug("Agent.advance: lead step changed", "lead", sess.lead.ID, "from", prev, "to", step)
	return nil
}

func (a *Agent) processConsent(ctx context.Context, sess *session, p models.ConsentParams) string {
	given := p.Given()
	prev := *sess.lead
	sess.lead.Consent = given
	if given {
		if stepOrder[sess.lead.CurrentStep] < stepOrder[models.LeadStepPersonalData] {
			sess.lead.CurrentStep = models.LeadStepPersonalData
		}
	} else {
		sess.lead.CurrentStep = models.LeadStepConsentDenied
	}
	if err := a.leads.UpdateLeadQualification(ctx, sess.lead); err != nil {
		*sess.lead = prev
		slog.Error("Agent.processConsent: update failed", "lead", sess.lead.ID, "error", err)
		return FormatResponse("Hubo un problema al registrar tu respuesta. Por favor, intenta nuevamente.", KindError)
	}
	slog.Info("Agent.processConsent: consent recorded", "lead", sess.lead.ID, "given", given)
	if given {
		return FormatResponse("Gracias por aceptar nuestros términos de procesamiento de datos.", KindConsent)
	}
	return FormatResponse("Entendido. Sin su consentimiento, no podemos continuar con el proceso.", KindWarning)
}

func (a *Agent) savePersonalData(ctx context.Context, sess *session, p models.PersonalDataParams) string {
	if err := p.Validate(); err != nil {
		if errors.Is(err, models.ErrInvalidEmail) {
			return FormatResponse("Por favor, proporciona un correo electrónico válido.", KindError)
		}
		return FormatResponse("Necesito tu nombre completo, correo electrónico y teléfono para continuar.", KindError)
	}

	u := *sess.user
	u.FullName = strings.TrimSpace(p.Name)
	u.Company = strings.TrimSpace(p.Company)
	u.Email = strings.TrimSpace(p.Email)
	// The WhatsApp number identifies the user; a different number given in chat is only logged.
	if given := strings.TrimSpace(p.Phone); given != "" && given != sess.phone {
		slog.Debug("Agent.savePersonalData: phone differs from sender", "user", u.ID, "given", given)
	}
	if err := a.leads.UpdateUser(ctx, &u); err != nil {
		slog.Error("Agent.savePersonalData: update failed", "user", u.ID, "error", err)
		return FormatResponse("Hubo un problema al guardar tus datos. Por favor, intenta nuevamente.", KindError)
	}
	*sess.user = u
	if err := a.advance(ctx, sess, models.LeadStepBANT); err != nil {
		slog.Error("Agent.savePersonalData: step update failed", "lead", sess.lead.ID, "error", err)
	}

	company := u.Company
	if company == "" {
		company = "No especificada"
	}
	return FormatResponse(fmt.Sprintf("Datos guardados: Nombre: %s, Empresa: %s, Email: %s, Teléfono: %s",
		u.FullName, company, u.Email, p.Phone), KindPersonalData)
}

func (a *Agent) saveBANT(ctx context.Context, sess *session, p models.BANTParams) string {
	b := &models.BANTData{
		LeadQualificationID: sess.lead.ID,
		Budget:              strings.TrimSpace(p.Budget),
		Authority:           strings.TrimSpace(p.Authority),
		Need:                strings.TrimSpace(p.Need),
		Timeline:            strings.TrimSpace(p.Timeline),
	}
	if err := a.leads.SaveBANT(ctx, b); err != nil {
		slog.Error("Agent.saveBANT: save failed", "lead", sess.lead.ID, "error", err)
		return FormatResponse("Hubo un problema al guardar la información. Por favor, intenta nuevamente.", KindError)
	}
	if err := a.advance(ctx, sess, models.LeadStepRequirements); err != nil {
		slog.Error("Agent.saveBANT: step update failed", "lead", sess.lead.ID, "error", err)
	}
	return FormatResponse(fmt.Sprintf("Datos BANT guardados: Presupuesto: %s, Autoridad: %s, Necesidad: %s, Plazo: %s",
		b.Budget, b.Authority, b.Need, b.Timeline), KindBANT)
}

func (a *Agent) saveRequirements(ctx context.Context, sess *session, p models.RequirementsParams) string {
	r := &models.Requirements{
		LeadQualificationID: sess.lead.ID,
		AppType:             strings.TrimSpace(p.AppType),
		Deadline:            strings.TrimSpace(p.Deadline),
		Features:            p.FeatureList(),
		Integrations:        p.IntegrationList(),
	}
	if err := a.leads.SaveRequirements(ctx, r); err != nil {
		slog.Error("Agent.saveRequirements: save failed", "lead", sess.lead.ID, "error", err)
		return FormatResponse("Hubo un problema al guardar los requerimientos. Por favor, intenta nuevamente.", KindError)
	}
	if err := a.advance(ctx, sess, models.LeadStepMeeting); err != nil {
		slog.Error("Agent.saveRequirements: step update failed", "lead", sess.lead.ID, "error", err)
	}
	return FormatResponse(fmt.Sprintf("Requerimientos guardados: Tipo: %s, Características: %s, Integraciones: %s, Fecha límite: %s",
		r.AppType, joinOrNone(r.Features), joinOrNone(r.Integrations), orNone(r.Deadline)), KindRequirements)
}

func joinOrNone(items []string) string {
	return orNone(strings.Join(items, ", "))
}

func orNone(s string) string {
	if s == "" {
		return "Ninguna"
	}
	return s
}
