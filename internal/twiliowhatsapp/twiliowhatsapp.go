// Package twiliowhatsapp wraps the Twilio REST API for WhatsApp delivery and
// validates the signatures Twilio puts on inbound webhooks.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ChannelPrefix marks a Twilio address as a WhatsApp endpoint.
const ChannelPrefix = "whatsapp:"

// SignatureHeader carries the HMAC Twilio computes over each webhook request.
const SignatureHeader = "X-Twilio-Signature"

var (
	ErrMissingCredentials = errors.New("twilio account SID and auth token must be provided")
	ErrMissingFrom        = errors.New("twilio WhatsApp sender number must be provided")
)

// Sender is the delivery surface used by the messaging service.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the WhatsApp sender, with or without the "whatsapp:" prefix.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// resolve fills unset options from the environment and checks the result.
func (o *Opts) resolve() error {
	if o.AccountSID == "" {
		o.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if o.AuthToken == "" {
		o.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if o.From == "" {
		o.From = os.Getenv("TWILIO_FROM")
	}
	slog.Debug("twiliowhatsapp.resolve: config loaded",
		"account_sid_set", o.AccountSID != "",
		"auth_token_set", o.AuthToken != "",
		"from_set", o.From != "")
	if o.AccountSID == "" || o.AuthToken == "" {
		return ErrMissingCredentials
	}
	if o.From == "" {
		return ErrMissingFrom
	}
	return nil
}

// Address turns a bare or "+"-prefixed number into a Twilio WhatsApp address.
func Address(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, ChannelPrefix) {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return ChannelPrefix + number
}

// Client sends WhatsApp messages through the Twilio Messages API.
type Client struct {
	rest *twilio.RestClient
	from string
}

// NewClient creates a Twilio client, falling back to TWILIO_* environment
// variables for options that are not provided.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{rest: rest, from: Address(cfg.From)}, nil
}

// SendMessage sends body to the canonical phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.rest.Api.CreateMessage(params)
	if err != nil {
		slog.Error("twiliowhatsapp.Client.SendMessage: create failed", "to", to, "error", err)
		return fmt.Errorf("send message to %s: %w", to, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("twiliowhatsapp.Client.SendMessage: queued", "to", to, "sid", *resp.Sid)
	}
	return nil
}

// WebhookValidator checks X-Twilio-Signature on inbound webhook requests.
type WebhookValidator struct {
	rv twclient.RequestValidator
}

// NewWebhookValidator returns a validator keyed by the account auth token.
func NewWebhookValidator(authToken string) *WebhookValidator {
	return &WebhookValidator{rv: twclient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the public url and form params.
func (v *WebhookValidator) Validate(url string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.rv.Validate(url, params, signature)
}

// SentMessage records one message handed to MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient records messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage records the message, or returns Err when set.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
