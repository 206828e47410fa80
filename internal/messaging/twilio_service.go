package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/twiliowhatsapp"
)

// TwilioService delivers messages through the Twilio REST API. Inbound
// messages arrive on the HTTP webhook, so Responses only carries what the
// webhook hands to Deliver.
type TwilioService struct {
	channels
	client twiliowhatsapp.Sender
}

// NewTwilioService wraps a real or mock Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{channels: newChannels(), client: client}
}

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeRecipient(recipient)
}

func (s *TwilioService) Start(ctx context.Context) error { return nil }

func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// SendMessage canonicalizes to and sends body, emitting a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Deliver pushes a webhook message onto the Responses channel.
func (s *TwilioService) Deliver(r models.Response) {
	s.emitResponse(r)
}

func (s *TwilioService) Receipts() <-chan models.Receipt   { return s.receipts }
func (s *TwilioService) Responses() <-chan models.Response { return s.responses }
