package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/flow"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/store"
)

var (
	// ErrDuplicate is returned for an inbound message id that was already processed.
	ErrDuplicate = errors.New("duplicate inbound message")
	// ErrInvalidSender is returned when the sender is not a usable phone number.
	ErrInvalidSender = errors.New("invalid sender")
)

const defaultErrorReply = "⚠️ Lo siento, tuve un problema procesando tu mensaje. Por favor, intenta nuevamente en unos minutos."

// Agent produces the reply to one inbound message.
type Agent interface {
	Handle(ctx context.Context, in flow.Inbound) (string, error)
}

// ResponseHandler runs inbound messages through the agent and queues the
// replies in the outbox, so delivery survives restarts and retries.
type ResponseHandler struct {
	svc          Service
	agent        Agent
	dedup        store.DedupRepo
	outbox       store.OutboxRepo
	platform     string
	errorMessage string
}

// NewResponseHandler wires the handler to a messaging service and the stores.
func NewResponseHandler(svc Service, agent Agent, dedup store.DedupRepo, outbox store.OutboxRepo) *ResponseHandler {
	return &ResponseHandler{
		svc:          svc,
		agent:        agent,
		dedup:        dedup,
		outbox:       outbox,
		platform:     models.PlatformWhatsApp,
		errorMessage: defaultErrorReply,
	}
}

// WithPlatform returns a copy of rh that tags conversations with platform.
func (rh *ResponseHandler) WithPlatform(platform string) *ResponseHandler {
	c := *rh
	c.platform = platform
	return &c
}

// ProcessResponse handles one inbound message and returns the reply that
// was queued. Messages with an id are processed at most once.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, r models.Response) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	from, err := rh.svc.ValidateAndCanonicalizeRecipient(r.From)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSender, err)
	}

	if r.MessageID != "" {
		fresh, err := rh.dedup.RecordInbound(ctx, r.MessageID, from)
		if err != nil {
			return "", err
		}
		if !fresh {
			slog.Info("ResponseHandler.ProcessResponse: duplicate dropped", "message_id", r.MessageID, "from", from)
			return "", ErrDuplicate
		}
	}

	start := time.Now()
	reply, err := rh.agent.Handle(ctx, flow.Inbound{
		Phone:      from,
		Text:       r.Body,
		Platform:   rh.platform,
		ExternalID: r.MessageID,
	})
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: agent failed", "from", from, "error", err)
		if _, qerr := rh.enqueue(ctx, from, r.MessageID, rh.errorMessage); qerr != nil {
			slog.Error("ResponseHandler.ProcessResponse: error reply not queued", "from", from, "error", qerr)
		}
		return "", fmt.Errorf("agent: %w", err)
	}

	if _, err := rh.enqueue(ctx, from, r.MessageID, reply); err != nil {
		return reply, err
	}
	if r.MessageID != "" {
		if err := rh.dedup.MarkProcessed(ctx, r.MessageID); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: mark processed failed", "message_id", r.MessageID, "error", err)
		}
	}
	slog.Info("ResponseHandler.ProcessResponse: reply queued", "from", from, "elapsed", time.Since(start))
	return reply, nil
}

func (rh *ResponseHandler) enqueue(ctx context.Context, to, messageID, text string) (string, error) {
	key := ""
	if messageID != "" {
		key = "reply:" + messageID
	}
	return flow.EnqueueText(ctx, rh.outbox, to, store.OutboxKindReply, text, key)
}

// Start consumes the service's Responses channel until ctx is done or the
// channel closes.
func (rh *ResponseHandler) Start(ctx context.Context) {
	go func() {
		defer slog.Info("ResponseHandler.Start: stopped")
		for {
			select {
			case r, ok := <-rh.svc.Responses():
				if !ok {
					return
				}
				if _, err := rh.ProcessResponse(ctx, r); err != nil && !errors.Is(err, ErrDuplicate) {
					slog.Error("ResponseHandler.Start: process failed", "from", r.From, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
