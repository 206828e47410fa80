package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TDXCORE/FullStackAgent2025/internal/availability"
	"github.com/TDXCORE/FullStackAgent2025/internal/calendar"
	"github.com/TDXCORE/FullStackAgent2025/internal/config"
	"github.com/TDXCORE/FullStackAgent2025/internal/datetime"
	"github.com/TDXCORE/FullStackAgent2025/internal/genai"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/scheduling"
	"github.com/TDXCORE/FullStackAgent2025/internal/store"
	"github.com/TDXCORE/FullStackAgent2025/internal/testutil"
)

const testPhone = "573001234567"

// fakeGenAI replays scripted responses and records the message count of
// every call.
type fakeGenAI struct {
	mu        sync.Mutex
	responses []*genai.ToolCallResponse
	calls     []int
	err       error
}

func (f *fakeGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, len(messages))
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &genai.ToolCallResponse{}, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func toolCall(id string, name models.ToolName, args interface{}) models.ToolCall {
	raw, _ := json.Marshal(args)
	return models.ToolCall{ID: id, Type: "function", Function: models.FunctionCall{Name: string(name), Arguments: raw}}
}

type agentFixture struct {
	clock *testutil.Clock
	loc   *time.Location
	gw    *calendar.MemoryGateway
	st    store.Store
	ai    *fakeGenAI
	coord *scheduling.Coordinator
	jobs  *MeetingJobs
	agent *Agent
}

// newAgentFixture pins the clock to Wednesday 2025-06-04 10:00 in Bogota.
func newAgentFixture(t *testing.T) *agentFixture {
	t.Helper()
	policy := config.Default()
	loc := policy.Location()
	clock := testutil.NewClock(time.Date(2025, 6, 4, 10, 0, 0, 0, loc))

	gw := calendar.NewMemoryGateway()
	st := testutil.NewSQLiteStore(t)
	engine := availability.NewEngine(gw, policy, availability.WithClock(clock.Now))
	normalizer := datetime.New(loc).WithClock(clock.Now)
	validator := scheduling.NewValidator(engine, normalizer)
	coord := scheduling.NewCoordinator(gw, st, engine, scheduling.WithCoordinatorClock(clock.Now))
	jobs := NewMeetingJobs(st, policy.ReminderBefore.Std()).WithClock(clock.Now)
	ai := &fakeGenAI{}

	return &agentFixture{
		clock: clock,
		loc:   loc,
		gw:    gw,
		st:    st,
		ai:    ai,
		coord: coord,
		jobs:  jobs,
		agent: NewAgent(st, ai, validator, coord, WithMeetingJobs(jobs)),
	}
}

func (f *agentFixture) session(t *testing.T) *session {
	t.Helper()
	sess, err := f.agent.loadSession(context.Background(), testPhone, models.PlatformWhatsApp)
	require.NoError(t, err)
	return sess
}

func TestHandleRunsToolLoopAndPersistsTurns(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()
	f.ai.responses = []*genai.ToolCallResponse{
		{ToolCalls: []models.ToolCall{toolCall("call_1", models.ToolProcessConsent, models.ConsentParams{Response: "sí"})}},
		{Content: "Gracias. ¿Cuál es tu nombre completo?"},
	}

	reply, err := f.agent.Handle(ctx, Inbound{Phone: "+57 300 123 4567", Text: "Sí, acepto"})
	require.NoError(t, err)
	assert.Equal(t, "Gracias. ¿Cuál es tu nombre completo?", reply)

	// system prompt, context note, user turn; then assistant call and tool result.
	assert.Equal(t, []int{3, 5}, f.ai.calls)

	sess := f.session(t)
	assert.True(t, sess.lead.Consent)
	assert.Equal(t, models.LeadStepPersonalData, sess.lead.CurrentStep)

	history, err := f.st.ConversationHistory(ctx, sess.conversation.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.MessageRoleUser, history[0].Role)
	assert.Equal(t, models.MessageRoleAssistant, history[1].Role)
}

func TestHandleReplaysHistory(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()
	f.ai.responses = []*genai.ToolCallResponse{{Content: "Hola"}, {Content: "¿Algo más?"}}

	_, err := f.agent.Handle(ctx, Inbound{Phone: testPhone, Text: "Hola"})
	require.NoError(t, err)
	_, err = f.agent.Handle(ctx, Inbound{Phone: testPhone, Text: "Quiero una app"})
	require.NoError(t, err)

	assert.Equal(t, []int{3, 5}, f.ai.calls)
}

func TestHandleFallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("empty response", func(t *testing.T) {
		f := newAgentFixture(t)
		reply, err := f.agent.Handle(ctx, Inbound{Phone: testPhone, Text: "hola"})
		require.NoError(t, err)
		assert.Equal(t, emptyReplyFallback, reply)
	})

	t.Run("max rounds", func(t *testing.T) {
		f := newAgentFixture(t)
		for i := 0; i < maxToolRounds; i++ {
			f.ai.responses = append(f.ai.responses, &genai.ToolCallResponse{
				ToolCalls: []models.ToolCall{toolCall("call", models.ToolFindMeetings, models.FindMeetingsParams{SubjectContains: "x"})},
			})
		}
		reply, err := f.agent.Handle(ctx, Inbound{Phone: testPhone, Text: "busca"})
		require.NoError(t, err)
		assert.Equal(t, maxRoundsFallback, reply)
		assert.Len(t, f.ai.calls, maxToolRounds)
	})

	t.Run("generation error", func(t *testing.T) {
		f := newAgentFixture(t)
		f.ai.err = errors.New("rate limited")
		_, err := f.agent.Handle(ctx, Inbound{Phone: testPhone, Text: "hola"})
		assert.Error(t, err)
	})

	t.Run("blank text", func(t *testing.T) {
		f := newAgentFixture(t)
		_, err := f.agent.Handle(ctx, Inbound{Phone: testPhone, Text: "  "})
		assert.ErrorIs(t, err, ErrEmptyMessage)
	})
}

func TestLeadToolsAdvanceSteps(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()
	sess := f.session(t)

	out := f.agent.executeTool(ctx, sess, toolCall("1", models.ToolSavePersonalData, models.PersonalDataParams{
		Name: "Ana Gómez", Company: "Acme", Email: "ana@acme.co", Phone: "3001234567",
	}))
	assert.Contains(t, out, "Datos guardados")
	assert.Equal(t, models.LeadStepBANT, sess.lead.CurrentStep)

	out = f.agent.executeTool(ctx, sess, toolCall("2", models.ToolSaveBANTData, models.BANTParams{
		Budget: "20k USD", Authority: "CTO", Need: "CRM", Timeline: "3 meses",
	}))
	assert.Contains(t, out, "Datos BANT guardados")
	assert.Equal(t, models.LeadStepRequirements, sess.lead.CurrentStep)

	out = f.agent.executeTool(ctx, sess, toolCall("3", models.ToolSaveRequirements, models.RequirementsParams{
		AppType: "web", CoreFeatures: "login, reportes", Integrations: "",
	}))
	assert.Contains(t, out, "Integraciones: Ninguna")
	assert.Equal(t, models.LeadStepMeeting, sess.lead.CurrentStep)

	req, err := f.st.GetRequirements(ctx, sess.lead.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"login", "reportes"}, req.Features)

	u, err := f.st.GetUserByPhone(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, "ana@acme.co", u.Email)
}

func TestPersonalDataRejectsBadEmail(t *testing.T) {
	f := newAgentFixture(t)
	sess := f.session(t)
	out := f.agent.executeTool(context.Background(), sess, toolCall("1", models.ToolSavePersonalData, models.PersonalDataParams{
		Name: "Ana", Email: "ana.acme.co", Phone: "3001234567",
	}))
	assert.Contains(t, out, "correo electrónico válido")
	assert.Equal(t, models.LeadStepStart, sess.lead.CurrentStep)
}

func TestConsentDenied(t *testing.T) {
	f := newAgentFixture(t)
	sess := f.session(t)
	out := f.agent.executeTool(context.Background(), sess, toolCall("1", models.ToolProcessConsent, models.ConsentParams{Response: "no"}))
	assert.True(t, strings.HasPrefix(out, "⚠️"))
	assert.Equal(t, models.LeadStepConsentDenied, sess.lead.CurrentStep)
}

func TestUnknownToolAndBadArguments(t *testing.T) {
	f := newAgentFixture(t)
	sess := f.session(t)
	ctx := context.Background()

	out := f.agent.executeTool(ctx, sess, models.ToolCall{ID: "1", Function: models.FunctionCall{Name: "send_invoice"}})
	assert.Contains(t, out, "no existe")

	out = f.agent.executeTool(ctx, sess, models.ToolCall{ID: "2", Function: models.FunctionCall{
		Name: string(models.ToolScheduleMeeting), Arguments: json.RawMessage(`{"email": 5}`),
	}})
	assert.Contains(t, out, "No pude procesar")
}
