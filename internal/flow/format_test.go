package flow

import (
	"strings"
	"testing"
)

func TestFormatResponse(t *testing.T) {
	tests := []struct {
		name string
		text string
		kind ResponseKind
		want string
	}{
		{"emoji prefix", "Hola", KindGeneral, "💬 Hola"},
		{"unknown kind", "Hola", ResponseKind("other"), "💬 Hola"},
		{"bullets", "Opciones:\n* uno\n* dos", KindMeeting, "📅 *Opciones:*\n• uno\n• dos"},
		{"title at line start", "Nota importante: llega temprano", KindWarning, "⚠️ *Nota importante:* llega temprano"},
		{"title on later line", "Listo\nResumen: ok", KindSuccess, "✅ Listo\n*Resumen:* ok"},
		{"dates and times", "El 09/06/2025 a las 10:00", KindMeetingScheduled, "✅📆 El *09/06/2025* a las *10:00*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatResponse(tt.text, tt.kind); got != tt.want {
				t.Errorf("FormatResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatResponseTrimsLongReplies(t *testing.T) {
	text := strings.Join([]string{"uno", "dos", "tres", "cuatro", "cinco", "seis"}, "\n\n")
	got := FormatResponse(text, KindGeneral)
	want := "💬 uno\n\ncuatro\n\ncinco\n\nseis"
	if got != want {
		t.Errorf("FormatResponse() = %q, want %q", got, want)
	}
}

func TestToolDefinitionsCoverEveryTool(t *testing.T) {
	defs := ToolDefinitions()
	if len(defs) != 9 {
		t.Fatalf("expected 9 tools, got %d", len(defs))
	}
	seen := map[string]bool{}
	for _, d := range defs {
		if seen[d.Function.Name] {
			t.Errorf("duplicate tool %s", d.Function.Name)
		}
		seen[d.Function.Name] = true
		if d.Function.Parameters["type"] != "object" {
			t.Errorf("tool %s parameters are not an object schema", d.Function.Name)
		}
	}
}

func TestArgsForLogMasksEmails(t *testing.T) {
	got := argsForLog([]byte(`{"email": "ana.gomez@acme.co",  "date": "09/06/2025"}`))
	if strings.Contains(got, "ana.gomez") {
		t.Errorf("argsForLog() leaked the email: %s", got)
	}
	if !strings.Contains(got, "a***@acme.co") {
		t.Errorf("argsForLog() = %s", got)
	}
	if argsForLog(nil) != "" {
		t.Error("argsForLog(nil) should be empty")
	}
}

func TestLoadSystemPrompt(t *testing.T) {
	p, err := LoadSystemPrompt("")
	if err != nil || !strings.Contains(p, "FLUJO OBLIGATORIO") {
		t.Fatalf("built-in prompt not loaded: %v", err)
	}
	if _, err := LoadSystemPrompt(t.TempDir() + "/missing.md"); err == nil {
		t.Error("expected an error for a missing prompt file")
	}
}
