package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TDXCORE/FullStackAgent2025/internal/store"
)

// OutboxPayload is the JSON body of text outbox messages.
type OutboxPayload struct {
	Text string `json:"text"`
}

// EnqueueText queues a text message for recipient.
func EnqueueText(ctx context.Context, outbox store.OutboxRepo, recipient, kind, text, dedupeKey string) (string, error) {
	b, err := json.Marshal(OutboxPayload{Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal outbox payload: %w", err)
	}
	id, err := outbox.EnqueueOutboxMessage(ctx, recipient, kind, string(b), dedupeKey)
	if err != nil {
		return "", fmt.Errorf("enqueue %s message: %w", kind, err)
	}
	return id, nil
}

// TextSender delivers one text message.
type TextSender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// OutboxDelivery adapts sender to the outbox sender's delivery hook.
func OutboxDelivery(sender TextSender) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var p OutboxPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("invalid outbox payload %s: %w", msg.ID, err)
		}
		return sender.SendMessage(ctx, msg.Recipient, p.Text)
	}
}
