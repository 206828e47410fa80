// Package flow drives the lead-qualification conversation: it keeps the
// transcript, runs the model's tool loop and turns tool calls into calendar
// and store operations.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/TDXCORE/FullStackAgent2025/internal/availability"
	"github.com/TDXCORE/FullStackAgent2025/internal/config"
	"github.com/TDXCORE/FullStackAgent2025/internal/datetime"
	"github.com/TDXCORE/FullStackAgent2025/internal/genai"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/scheduling"
	"github.com/TDXCORE/FullStackAgent2025/internal/store"
	"github.com/TDXCORE/FullStackAgent2025/internal/util"
)

const (
	maxToolRounds       = 10
	DefaultHistoryLimit = 10

	emptyReplyFallback = "¿En qué más puedo ayudarte con tu proyecto?"
	maxRoundsFallback  = "He completado las acciones solicitadas. ¿Hay algo más en lo que pueda ayudarte?"
)

// ErrEmptyMessage is returned by Handle for blank inbound text.
var ErrEmptyMessage = errors.New("empty message")

// Inbound is one message received from a lead.
type Inbound struct {
	Phone      string
	Text       string
	Platform   string
	ExternalID string
}

// session is the per-turn state handed to tools.
type session struct {
	phone        string
	user         *models.User
	conversation *models.Conversation
	lead         *models.LeadQualification
}

// Agent answers lead messages with the language model and the scheduling
// components.
type Agent struct {
	leads        store.LeadStore
	client       genai.ClientInterface
	validator    *scheduling.Validator
	coordinator  *scheduling.Coordinator
	engine       *availability.Engine
	normalizer   *datetime.Normalizer
	policy       *config.Policy
	jobs         *MeetingJobs
	systemPrompt string
	historyLimit int
	tools        []openai.ChatCompletionToolParam
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSystemPrompt replaces the built-in system prompt.
func WithSystemPrompt(prompt string) AgentOption {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithMeetingJobs enables reminder and completion jobs for booked meetings.
func WithMeetingJobs(jobs *MeetingJobs) AgentOption {
	return func(a *Agent) { a.jobs = jobs }
}

// WithHistoryLimit bounds how many stored messages are replayed to the model.
func WithHistoryLimit(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// NewAgent creates an Agent.
func NewAgent(leads store.LeadStore, client genai.ClientInterface, validator *scheduling.Validator, coordinator *scheduling.Coordinator, opts ...AgentOption) *Agent {
	a := &Agent{
		leads:        leads,
		client:       client,
		validator:    validator,
		coordinator:  coordinator,
		engine:       validator.Engine(),
		normalizer:   validator.Normalizer(),
		policy:       validator.Engine().Policy(),
		systemPrompt: strings.TrimSpace(defaultSystemPrompt),
		historyLimit: DefaultHistoryLimit,
		tools:        ToolDefinitions(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle processes one inbound message and returns the reply to send back.
func (a *Agent) Handle(ctx context.Context, in Inbound) (string, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	platform := in.Platform
	if platform == "" {
		platform = models.PlatformWhatsApp
	}
	phone := util.NormalizePhone(in.Phone)
	if phone == "" {
		return "", fmt.Errorf("invalid phone number %q", in.Phone)
	}

	sess, err := a.loadSession(ctx, phone, platform)
	if err != nil {
		return "", err
	}

	history, err := a.history(ctx, sess.conversation.ID)
	if err != nil {
		return "", err
	}

	if err := a.leads.AddMessage(ctx, &models.Message{
		ConversationID: sess.conversation.ID,
		Role:           models.MessageRoleUser,
		Content:        text,
		MessageType:    "text",
		ExternalID:     in.ExternalID,
	}); err != nil {
		return "", fmt.Errorf("store inbound message: %w", err)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+3)
	messages = append(messages, openai.SystemMessage(a.systemPrompt), openai.SystemMessage(a.contextNote(sess)))
	messages = append(messages, history...)
	messages = append(messages, openai.UserMessage(text))

	reply, err := a.toolLoop(ctx, sess, messages)
	if err != nil {
		return "", err
	}

	if err := a.leads.AddMessage(ctx, &models.Message{
		ConversationID: sess.conversation.ID,
		Role:           models.MessageRoleAssistant,
		Content:        reply,
		MessageType:    "text",
	}); err != nil {
		slog.Error("Agent.Handle: failed to store reply", "phone", phone, "error", err)
	}
	slog.Info("Agent.Handle: replied", "phone", phone, "step", sess.lead.CurrentStep, "replyLength", len(reply))
	return reply, nil
}

func (a *Agent) loadSession(ctx context.Context, phone, platform string) (*session, error) {
	user, err := a.leads.GetOrCreateUser(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	conv, err := a.leads.GetOrCreateConversation(ctx, user.ID, phone, platform)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	lead, err := a.leads.GetOrCreateLeadQualification(ctx, user.ID, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load lead qualification: %w", err)
	}
	return &session{phone: phone, user: user, conversation: conv, lead: lead}, nil
}

// history replays the most recent user and assistant turns, oldest first.
func (a *Agent) history(ctx context.Context, conversationID string) ([]openai.ChatCompletionMessageParamUnion, error) {
	stored, err := a.leads.ConversationHistory(ctx, conversationID, a.historyLimit*2)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var turns []models.Message
	for _, m := range stored {
		if m.Role != models.MessageRoleSystem {
			turns = append(turns, m)
		}
	}
	if len(turns) > a.historyLimit {
		turns = turns[len(turns)-a.historyLimit:]
	}
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, m := range turns {
		if m.Role == models.MessageRoleAssistant {
			out = append(out, openai.AssistantMessage(m.Content))
		} else {
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out, nil
}

// contextNote tells the model the current date and what is already known.
func (a *Agent) contextNote(sess *session) string {
	now := a.engine.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "Fecha y hora actual: %s %s (%s).\n", datetime.DisplayDate(now), now.Format(models.ClockLayout), a.policy.Timezone)
	fmt.Fprintf(&b, "Etapa actual del prospecto: %s.\n", sess.lead.CurrentStep)
	fmt.Fprintf(&b, "Teléfono de WhatsApp del prospecto: %s.", sess.phone)
	if sess.user.FullName != "" {
		fmt.Fprintf(&b, "\nNombre registrado: %s.", sess.user.FullName)
	}
	if sess.user.Email != "" {
		fmt.Fprintf(&b, "\nCorreo registrado: %s.", sess.user.Email)
	}
	return b.String()
}

func (a *Agent) toolLoop(ctx context.Context, sess *session, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	current := messages
	for round := 1; round <= maxToolRounds; round++ {
		resp, err := a.client.GenerateWithTools(ctx, current, a.tools)
		if err != nil {
			slog.Error("Agent.toolLoop: generation failed", "phone", sess.phone, "round", round, "error", err)
			return "", fmt.Errorf("failed to generate response with tools: %w", err)
		}
		slog.Debug("Agent.toolLoop: response", "phone", sess.phone, "round", round,
			"contentLength", len(resp.Content), "toolCallCount", len(resp.ToolCalls))

		if len(resp.ToolCalls) > 0 {
			current = a.runToolCalls(ctx, sess, resp, current)
			if resp.Content != "" {
				return resp.Content, nil
			}
			continue
		}
		if resp.Content != "" {
			return resp.Content, nil
		}
		slog.Warn("Agent.toolLoop: empty response without tool calls", "phone", sess.phone, "round", round)
		return emptyReplyFallback, nil
	}
	slog.Warn("Agent.toolLoop: hit maximum tool rounds", "phone", sess.phone, "maxRounds", maxToolRounds)
	return maxRoundsFallback, nil
}

// runToolCalls executes the calls and appends the assistant turn plus one tool
// message per call.
func (a *Agent) runToolCalls(ctx context.Context, sess *session, resp *genai.ToolCallResponse, messages []openai.ChatCompletionMessageParamUnion) []openai.ChatCompletionMessageParamUnion {
	calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(resp.Content),
		},
		ToolCalls: calls,
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

	for _, tc := range resp.ToolCalls {
		slog.Info("Agent.runToolCalls: executing tool", "phone", sess.phone, "tool", tc.Function.Name,
			"toolCallID", tc.ID, "args", argsForLog(tc.Function.Arguments))
		result := a.executeTool(ctx, sess, tc)
		messages = append(messages, openai.ToolMessage(result, tc.ID))
	}
	return messages
}

// executeTool runs one tool call and returns the text handed back to the
// model. Failures are reported as text, never as errors.
func (a *Agent) executeTool(ctx context.Context, sess *session, tc models.ToolCall) string {
	fn := tc.Function
	decode := func(dst interface{}) bool {
		if len(fn.Arguments) == 0 {
			return true
		}
		if err := fn.Decode(dst); err != nil {
			slog.Warn("Agent.executeTool: bad arguments", "tool", fn.Name, "error", err)
			return false
		}
		return true
	}
	badArgs := FormatResponse(fmt.Sprintf("No pude procesar los datos enviados a %s. Por favor, intenta nuevamente.", fn.Name), KindError)

	switch models.ToolName(fn.Name) {
	case models.ToolProcessConsent:
		var p models.ConsentParams
		if !decode(&p) {
			return badArgs
		}
		return a.processConsent(ctx, sess, p)
	case models.ToolSavePersonalData:
		var p models.PersonalDataParams
		if !decode(&p) {
			return badArgs
		}
		return a.savePersonalData(ctx, sess, p)
	case models.ToolSaveBANTData:
		var p models.BANTParams
		if !decode(&p) {
			return badArgs
		}
		return a.saveBANT(ctx, sess, p)
	case models.ToolSaveRequirements:
		var p models.RequirementsParams
		if !decode(&p) {
			return badArgs
		}
		return a.saveRequirements(ctx, sess, p)
	case models.ToolGetAvailableSlots:
		var p models.AvailableSlotsParams
		if !decode(&p) {
			return badArgs
		}
		return a.AvailableSlots(ctx, p.PreferredDate)
	case models.ToolScheduleMeeting:
		var p models.ScheduleMeetingParams
		if !decode(&p) {
			return badArgs
		}
		return a.scheduleMeeting(ctx, sess, p)
	case models.ToolRescheduleMeeting:
		var p models.RescheduleMeetingParams
		if !decode(&p) {
			return badArgs
		}
		return a.rescheduleMeeting(ctx, sess, p)
	case models.ToolFindMeetings:
		var p models.FindMeetingsParams
		if !decode(&p) {
			return badArgs
		}
		return a.findMeetings(ctx, p)
	case models.ToolCancelMeeting:
		var p models.CancelMeetingParams
		if !decode(&p) {
			return badArgs
		}
		return a.cancelMeeting(ctx, p)
	default:
		slog.Warn("Agent.executeTool: unknown tool", "tool", fn.Name)
		return FormatResponse(fmt.Sprintf("La herramienta %s no existe.", fn.Name), KindError)
	}
}
