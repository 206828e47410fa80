package messaging

import (
	"context"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/whatsapp"
)

// WhatsAppService implements Service on a whatsmeow linked device.
type WhatsAppService struct {
	channels
	client   whatsapp.Sender
	waClient *whatsapp.Client
}

// NewWhatsAppService wraps client. Inbound events are only handled when
// client is a real *whatsapp.Client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{channels: newChannels(), client: client}
	if wa, ok := client.(*whatsapp.Client); ok {
		s.waClient = wa
	}
	return s
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeRecipient(recipient)
}

// Start connects the device and registers the inbound event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.waClient.AddEventHandler(s.handleEvent)
	if err := s.waClient.Connect(); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.waClient.Disconnect()
	}()
	return nil
}

func (s *WhatsAppService) Stop() error {
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	s.stop()
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendMessage canonicalizes to and sends body, emitting a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "to", canonical, "error", err)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Deliver pushes an inbound message onto the Responses channel.
func (s *WhatsAppService) Deliver(r models.Response) {
	s.emitResponse(r)
}

func (s *WhatsAppService) Receipts() <-chan models.Receipt   { return s.receipts }
func (s *WhatsAppService) Responses() <-chan models.Response { return s.responses }

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleReceipt(v)
	case *events.Disconnected:
		slog.Warn("WhatsAppService.handleEvent: disconnected")
	}
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text := whatsapp.MessageText(evt.Message)
	if text == "" {
		slog.Debug("WhatsAppService.handleIncomingMessage: ignoring non-text message", "from", evt.Info.Sender.User)
		return
	}
	s.emitResponse(models.Response{
		From:      evt.Info.Sender.User,
		Body:      text,
		MessageID: evt.Info.ID,
		Time:      evt.Info.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) handleReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{To: evt.MessageSource.Sender.User, Status: status, Time: evt.Timestamp.Unix()})
}
