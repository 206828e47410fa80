// Package whatsapp wraps the whatsmeow client so the lead agent can talk to
// WhatsApp as a linked device.
//
// Pairing (Login) and serving (Connect) are separate steps: the device is
// paired once from the CLI and the server refuses to start an unpaired one.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/TDXCORE/FullStackAgent2025/internal/store"
)

const (
	// DefaultDBFile is the whatsmeow session database inside the state directory.
	DefaultDBFile = "whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = types.DefaultUserServer
)

var (
	ErrNotPaired      = errors.New("whatsapp device is not paired; run whatsapp-login first")
	ErrAlreadyPaired  = errors.New("whatsapp device is already paired")
	ErrNotInitialized = errors.New("whatsapp client not initialized")
)

// Sender is the delivery surface used by the messaging service.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds the whatsmeow session database and login settings.
type Opts struct {
	DBDSN       string
	NumericCode bool
	LogLevel    string
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database DSN.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithNumericCode prints raw pairing codes instead of a QR drawing.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// WithLogLevel sets the whatsmeow internal log level (DEBUG, INFO, WARN, ERROR).
func WithLogLevel(level string) Option {
	return func(o *Opts) { o.LogLevel = level }
}

// sessionDSN picks the driver for dsn and makes sure SQLite enforces
// foreign keys, which whatsmeow requires.
func sessionDSN(dsn string) (driver, address string) {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres", dsn
	}
	if strings.Contains(dsn, "foreign_keys") {
		return "sqlite3", dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return "sqlite3", dsn + sep + "_foreign_keys=on"
}

// Client wraps a whatsmeow client bound to the first stored device.
type Client struct {
	wa          *whatsmeow.Client
	numericCode bool
}

// NewClient opens the session store and prepares a client without connecting.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{DBDSN: DefaultDBFile, LogLevel: "INFO"}
	for _, opt := range opts {
		opt(&cfg)
	}
	driver, address := sessionDSN(cfg.DBDSN)
	slog.Debug("whatsapp.NewClient: opening session store", "driver", driver)

	container, err := sqlstore.New(ctx, driver, address, waLog.Stdout("Database", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}
	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", cfg.LogLevel, true))
	return &Client{wa: wa, numericCode: cfg.NumericCode}, nil
}

// Paired reports whether the device has completed pairing.
func (c *Client) Paired() bool {
	return c.wa != nil && c.wa.Store != nil && c.wa.Store.ID != nil
}

// Login pairs an unpaired device, writing each QR code (or raw code) to w
// until the phone scans one or the codes expire.
func (c *Client) Login(ctx context.Context, w io.Writer) error {
	if c.wa == nil {
		return ErrNotInitialized
	}
	if c.Paired() {
		return ErrAlreadyPaired
	}
	qrChan, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("open pairing channel: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connect for pairing: %w", err)
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if c.numericCode {
				fmt.Fprintln(w, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, w)
			}
		case "success":
			slog.Info("whatsapp.Client.Login: device paired", "jid", c.wa.Store.ID.String())
			return nil
		default:
			slog.Debug("whatsapp.Client.Login: pairing event", "event", evt.Event)
		}
	}
	if !c.Paired() {
		return fmt.Errorf("pairing did not complete")
	}
	return nil
}

// Connect opens the connection of a paired device.
func (c *Client) Connect() error {
	if c.wa == nil {
		return ErrNotInitialized
	}
	if !c.Paired() {
		return ErrNotPaired
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connect to whatsapp: %w", err)
	}
	slog.Info("whatsapp.Client.Connect: connected")
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	if c.wa != nil {
		c.wa.Disconnect()
	}
}

// AddEventHandler registers h for whatsmeow events.
func (c *Client) AddEventHandler(h func(evt interface{})) {
	if c.wa != nil {
		c.wa.AddEventHandler(h)
	}
}

// SendMessage sends a plain text message to the canonical phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.wa == nil || c.wa.Store == nil {
		return ErrNotInitialized
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := c.wa.SendMessage(ctx, JID(to), msg); err != nil {
		slog.Error("whatsapp.Client.SendMessage: send failed", "to", to, "error", err)
		return fmt.Errorf("send message to %s: %w", to, err)
	}
	slog.Debug("whatsapp.Client.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// JID builds the user JID for a canonical phone number.
func JID(phone string) types.JID {
	return types.NewJID(strings.TrimPrefix(phone, "+"), JIDSuffix)
}

// MessageText extracts the text of a plain or extended text message. It
// returns "" for media and other message kinds.
func MessageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.GetConversation() != "" {
		return msg.GetConversation()
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// MockClient records messages instead of talking to WhatsApp.
type MockClient struct {
	Sent []string
}

// NewMockClient returns an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendMessage records "to: body".
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.Sent = append(m.Sent, to+": "+body)
	return nil
}
