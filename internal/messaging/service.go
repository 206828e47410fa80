// Package messaging connects WhatsApp backends to the lead agent: outbound
// delivery through a Service and inbound messages through a ResponseHandler.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/util"
)

const (
	// DefaultChannelBufferSize is the buffer of the receipt and response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked channel send before the event is dropped.
	DefaultChannelTimeout = 1 * time.Second
)

// Backend names accepted by WHATSAPP_BACKEND.
const (
	BackendTwilio    = "twilio"
	BackendWhatsmeow = "whatsmeow"
	BackendNone      = "none"
)

var ErrServiceStopped = errors.New("messaging service stopped")

// Service is a pluggable WhatsApp delivery backend.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the canonical phone number for
	// recipient or an error when it cannot be a WhatsApp number.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends body to recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g. inbound event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of delivery receipts.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound messages.
	Responses() <-chan models.Response
}

// CanonicalizeRecipient normalizes a phone number with the default country
// code. All backends share this rule so stored users match inbound senders.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := util.NormalizePhone(recipient)
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number %q", recipient)
	}
	if canonical != recipient {
		slog.Debug("messaging.CanonicalizeRecipient: canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// channels holds the event channels and stop state shared by the services.
type channels struct {
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

func newChannels() channels {
	return channels{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (c *channels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// stop closes the channels once. Sends hold the read lock, so none races the close.
func (c *channels) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.receipts)
	close(c.responses)
}

func (c *channels) emitReceipt(r models.Receipt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging.emitReceipt: channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

func (c *channels) emitResponse(r models.Response) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		slog.Warn("messaging.emitResponse: service stopped, dropping message", "from", r.From)
		return
	}
	select {
	case c.responses <- r:
		slog.Debug("messaging.emitResponse: forwarded", "from", r.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging.emitResponse: channel blocked, dropping message", "from", r.From)
	}
}

// NoopService logs outbound messages without delivering them. It backs the
// "none" backend used for local runs and the HTTP test harness.
type NoopService struct {
	channels
}

// NewNoopService returns a NoopService.
func NewNoopService() *NoopService {
	return &NoopService{channels: newChannels()}
}

func (s *NoopService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeRecipient(recipient)
}

func (s *NoopService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	slog.Info("NoopService.SendMessage: message not delivered", "to", to, "body_length", len(body))
	s.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *NoopService) Start(ctx context.Context) error { return nil }

func (s *NoopService) Stop() error {
	s.stop()
	return nil
}

func (s *NoopService) Receipts() <-chan models.Receipt   { return s.receipts }
func (s *NoopService) Responses() <-chan models.Response { return s.responses }
