package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/flow"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/store"
	"github.com/TDXCORE/FullStackAgent2025/internal/testutil"
)

type fakeAgent struct {
	mu    sync.Mutex
	seen  []flow.Inbound
	reply string
	err   error
}

func (a *fakeAgent) Handle(ctx context.Context, in flow.Inbound) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, in)
	return a.reply, a.err
}

func (a *fakeAgent) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func queuedTexts(t *testing.T, st store.Store) map[string]string {
	t.Helper()
	msgs, err := st.ClaimDueOutboxMessages(context.Background(), time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	out := map[string]string{}
	for _, m := range msgs {
		var p flow.OutboxPayload
		if err := json.Unmarshal([]byte(m.PayloadJSON), &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		out[m.Recipient] = p.Text
	}
	return out
}

func TestResponseHandler_QueuesReply(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	agent := &fakeAgent{reply: "¡Hola! ¿Aceptas nuestros términos?"}
	rh := NewResponseHandler(NewNoopService(), agent, st, st)

	reply, err := rh.ProcessResponse(context.Background(), models.Response{From: "whatsapp:+573001234567", Body: "Hola", MessageID: "SM1"})
	if err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	if reply != agent.reply {
		t.Errorf("reply = %q", reply)
	}
	in := agent.seen[0]
	if in.Phone != "573001234567" || in.Platform != models.PlatformWhatsApp || in.ExternalID != "SM1" {
		t.Errorf("unexpected inbound %+v", in)
	}
	if got := queuedTexts(t, st)["573001234567"]; got != agent.reply {
		t.Errorf("queued text = %q", got)
	}
}

func TestResponseHandler_DropsDuplicates(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	agent := &fakeAgent{reply: "ok"}
	rh := NewResponseHandler(NewNoopService(), agent, st, st)
	ctx := context.Background()
	msg := models.Response{From: "573001234567", Body: "Hola", MessageID: "SM1"}

	if _, err := rh.ProcessResponse(ctx, msg); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := rh.ProcessResponse(ctx, msg); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second: expected ErrDuplicate, got %v", err)
	}
	if agent.calls() != 1 {
		t.Errorf("agent called %d times", agent.calls())
	}
}

func TestResponseHandler_AgentErrorQueuesApology(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	agent := &fakeAgent{err: errors.New("model unavailable")}
	rh := NewResponseHandler(NewNoopService(), agent, st, st)

	if _, err := rh.ProcessResponse(context.Background(), models.Response{From: "573001234567", Body: "Hola"}); err == nil {
		t.Fatal("expected error")
	}
	if got := queuedTexts(t, st)["573001234567"]; got != defaultErrorReply {
		t.Errorf("queued text = %q", got)
	}
}

func TestResponseHandler_RejectsInvalidInput(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	agent := &fakeAgent{reply: "ok"}
	rh := NewResponseHandler(NewNoopService(), agent, st, st)
	ctx := context.Background()

	if _, err := rh.ProcessResponse(ctx, models.Response{From: "573001234567"}); !errors.Is(err, models.ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}
	if _, err := rh.ProcessResponse(ctx, models.Response{From: "12", Body: "hola"}); err == nil {
		t.Error("expected invalid sender error")
	}
	if agent.calls() != 0 {
		t.Errorf("agent called %d times", agent.calls())
	}
}

func TestResponseHandler_StartConsumesResponses(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	svc := NewTwilioService(nil)
	agent := &fakeAgent{reply: "ok"}
	rh := NewResponseHandler(svc, agent, st, st).WithPlatform(models.PlatformAPI)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)
	svc.Deliver(models.Response{From: "573001234567", Body: "Hola", MessageID: "SM9"})

	deadline := time.Now().Add(2 * time.Second)
	for agent.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if agent.calls() != 1 {
		t.Fatalf("agent called %d times", agent.calls())
	}
	if agent.seen[0].Platform != models.PlatformAPI {
		t.Errorf("platform = %q", agent.seen[0].Platform)
	}
}
