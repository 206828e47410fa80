package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TDXCORE/FullStackAgent2025/internal/api"
	"github.com/TDXCORE/FullStackAgent2025/internal/flow"
	"github.com/TDXCORE/FullStackAgent2025/internal/genai"
	"github.com/TDXCORE/FullStackAgent2025/internal/lockfile"
	"github.com/TDXCORE/FullStackAgent2025/internal/messaging"
	"github.com/TDXCORE/FullStackAgent2025/internal/store"
	"github.com/TDXCORE/FullStackAgent2025/internal/twiliowhatsapp"
	"github.com/TDXCORE/FullStackAgent2025/internal/whatsapp"
)

func newServeCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant: messaging, job runner, outbox and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, *cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "HTTP listen address (overrides $API_ADDR)")
	f.StringVar(&cfg.Backend, "backend", cfg.Backend, "WhatsApp backend: twilio, whatsmeow or none (overrides $WHATSAPP_BACKEND)")
	f.StringVar(&cfg.SystemPromptFile, "system-prompt", cfg.SystemPromptFile, "system prompt file, built-in prompt when empty (overrides $SYSTEM_PROMPT_FILE)")
	f.BoolVar(&cfg.WebhookAsync, "webhook-async", cfg.WebhookAsync, "acknowledge Twilio webhooks before the agent runs (overrides $WEBHOOK_ASYNC)")
	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	lock, err := lockfile.Acquire(cfg.StateDir, "serve")
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stack, err := buildSchedulingStack(cfg, st)
	if err != nil {
		return err
	}

	genaiOpts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey), genai.WithDebugMode(cfg.GenAIDebug, cfg.StateDir)}
	if cfg.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAIModel))
	}
	if cfg.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	ai, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("genai client: %w", err)
	}
	prompt, err := flow.LoadSystemPrompt(cfg.SystemPromptFile)
	if err != nil {
		return err
	}

	jobs := flow.NewMeetingJobs(st, stack.policy.ReminderBefore.Std())
	agent := flow.NewAgent(st, ai, stack.validator, stack.coordinator,
		flow.WithMeetingJobs(jobs),
		flow.WithSystemPrompt(prompt))

	svc, inbox, err := newMessagingService(ctx, cfg)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start %s messaging: %w", cfg.Backend, err)
	}
	defer svc.Stop()

	runner := store.NewJobRunner(st, cfg.JobPollInterval)
	flow.RegisterJobHandlers(runner, jobs, st, st, stack.coordinator, stack.policy.Location())
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("runServe: stale job recovery failed", "error", err)
	}
	go runner.Run(ctx)

	sender := store.NewOutboxSender(st, flow.OutboxDelivery(svc), cfg.OutboxPollInterval)
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("runServe: stale outbox recovery failed", "error", err)
	}
	go sender.Run(ctx)

	respHandler := messaging.NewResponseHandler(svc, agent, st, st)
	respHandler.Start(ctx)

	apiOpts := []api.Option{api.WithLeadStore(st), api.WithMeetingJobs(jobs)}
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}
	if cfg.Backend == messaging.BackendTwilio {
		switch {
		case cfg.TwilioAuthToken == "":
			slog.Warn("runServe: TWILIO_AUTH_TOKEN not set, webhook signatures are not checked")
		case cfg.WebhookPublicURL == "":
			slog.Warn("runServe: WEBHOOK_PUBLIC_URL not set, webhook signatures are not checked")
		default:
			apiOpts = append(apiOpts, api.WithTwilioSignature(twiliowhatsapp.NewWebhookValidator(cfg.TwilioAuthToken), cfg.WebhookPublicURL))
		}
	}
	if cfg.WebhookAsync && inbox != nil {
		apiOpts = append(apiOpts, api.WithInbox(inbox))
	}

	server := api.NewServer(respHandler, stack.validator, stack.coordinator, st, apiOpts...)
	slog.Info("runServe: started", "backend", cfg.Backend, "addr", cfg.APIAddr, "timezone", stack.policy.Timezone)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("runServe: shut down cleanly")
	return nil
}

// newMessagingService builds the configured WhatsApp backend. The inbox is
// non-nil for backends that accept webhook deliveries.
func newMessagingService(ctx context.Context, cfg Config) (messaging.Service, api.Inbox, error) {
	switch cfg.Backend {
	case messaging.BackendTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	case messaging.BackendWhatsmeow:
		client, err := whatsapp.NewClient(ctx, whatsapp.WithDBDSN(cfg.whatsappDSN()), whatsapp.WithLogLevel("INFO"))
		if err != nil {
			return nil, nil, err
		}
		if !client.Paired() {
			return nil, nil, whatsapp.ErrNotPaired
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case messaging.BackendNone:
		slog.Warn("newMessagingService: messaging disabled, replies stay in the outbox log only")
		return messaging.NewNoopService(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown WhatsApp backend %q", cfg.Backend)
	}
}
