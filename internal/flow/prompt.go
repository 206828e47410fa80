package flow

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

//go:embed prompts/system_prompt.md
var defaultSystemPrompt string

// LoadSystemPrompt reads the prompt at path. An empty path selects the
// built-in prompt.
func LoadSystemPrompt(path string) (string, error) {
	if path == "" {
		return strings.TrimSpace(defaultSystemPrompt), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Error("LoadSystemPrompt: failed to read system prompt file", "file", path, "error", err)
		return "", fmt.Errorf("failed to read system prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		return "", fmt.Errorf("system prompt file is empty: %s", path)
	}
	slog.Info("LoadSystemPrompt: system prompt loaded", "file", path, "length", len(prompt))
	return prompt, nil
}
