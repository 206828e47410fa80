package messaging

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/twiliowhatsapp"
	"github.com/TDXCORE/FullStackAgent2025/internal/whatsapp"
)

func TestServicesImplementService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
	var _ Service = (*TwilioService)(nil)
	var _ Service = (*NoopService)(nil)
}

func TestWhatsAppService_SendMessageCanonicalizesAndEmitsReceipt(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	if err := svc.SendMessage(context.Background(), "+57 300 123 4567", "hola"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if len(mock.Sent) != 1 || mock.Sent[0] != "573001234567: hola" {
		t.Fatalf("unexpected sent messages %v", mock.Sent)
	}
	select {
	case r := <-svc.Receipts():
		if r.To != "573001234567" || r.Status != models.MessageStatusSent {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendMessage(context.Background(), "573001234567", "hola"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestWhatsAppService_HandleEvent(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	sender := types.NewJID("573001234567", types.DefaultUserServer)
	ts := time.Date(2025, 6, 4, 15, 0, 0, 0, time.UTC)

	svc.handleEvent(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Sender: sender}, ID: "wamid-1", Timestamp: ts},
		Message: &waE2E.Message{Conversation: proto.String("Hola, quiero una app")},
	})
	// Own messages and media are ignored.
	svc.handleEvent(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Sender: sender, IsFromMe: true}, ID: "wamid-2"},
		Message: &waE2E.Message{Conversation: proto.String("eco")},
	})
	svc.handleEvent(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Sender: sender}, ID: "wamid-3"},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}},
	})
	svc.handleEvent(&events.Receipt{
		MessageSource: types.MessageSource{Sender: sender},
		Type:          events.ReceiptTypeRead,
		Timestamp:     ts,
	})

	select {
	case r := <-svc.Responses():
		if r.From != "573001234567" || r.Body != "Hola, quiero una app" || r.MessageID != "wamid-1" || r.Time != ts.Unix() {
			t.Errorf("unexpected response %+v", r)
		}
	default:
		t.Fatal("expected inbound response")
	}
	select {
	case r := <-svc.Responses():
		t.Errorf("unexpected extra response %+v", r)
	default:
	}
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusRead {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected read receipt")
	}
}

func TestTwilioService_SendAndDeliver(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	ctx := context.Background()

	if err := svc.SendMessage(ctx, "whatsapp:+573001234567", "hola"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].To != "573001234567" {
		t.Fatalf("unexpected sent messages %+v", sent)
	}
	if err := svc.SendMessage(ctx, "12", "hola"); err == nil {
		t.Error("expected error for short number")
	}

	svc.Deliver(models.Response{From: "573001234567", Body: "hola", MessageID: "SM1"})
	if r := <-svc.Responses(); r.MessageID != "SM1" {
		t.Errorf("unexpected response %+v", r)
	}
}

func TestCanonicalizeRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "3001234567", want: "573001234567"},
		{in: "whatsapp:+573001234567", want: "573001234567"},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := CanonicalizeRecipient(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("CanonicalizeRecipient(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("CanonicalizeRecipient(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
