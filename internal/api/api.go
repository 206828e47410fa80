// Package api exposes the lead agent over HTTP.
//
// It serves the Twilio WhatsApp webhook, a JSON message endpoint used by
// other channels and tests, availability queries, meeting management and a
// health check.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/flow"
	"github.com/TDXCORE/FullStackAgent2025/internal/messaging"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/scheduling"
	"github.com/TDXCORE/FullStackAgent2025/internal/store"
	"github.com/TDXCORE/FullStackAgent2025/internal/twiliowhatsapp"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxRequestBody caps JSON and form bodies.
	maxRequestBody = 1 << 20
)

// Inbox accepts inbound messages for asynchronous processing.
type Inbox interface {
	Deliver(r models.Response)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	respHandler *messaging.ResponseHandler
	validator   *scheduling.Validator
	coordinator *scheduling.Coordinator
	meetings    store.MeetingStore
	leads       store.LeadStore
	jobs        *flow.MeetingJobs
	inbox       Inbox
	twilioAuth  *twiliowhatsapp.WebhookValidator
	publicURL   string
	addr        string
	httpServer  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithInbox makes the Twilio webhook hand messages to inbox and answer at
// once instead of waiting for the agent.
func WithInbox(inbox Inbox) Option {
	return func(s *Server) { s.inbox = inbox }
}

// WithTwilioSignature enables X-Twilio-Signature checks. publicURL is the
// externally visible base URL Twilio signs, e.g. https://agent.example.com.
func WithTwilioSignature(v *twiliowhatsapp.WebhookValidator, publicURL string) Option {
	return func(s *Server) {
		s.twilioAuth = v
		s.publicURL = publicURL
	}
}

// WithMeetingJobs queues reminder and completion jobs for meetings managed
// through the API.
func WithMeetingJobs(jobs *flow.MeetingJobs) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithLeadStore links meetings booked through the API to a user by phone.
func WithLeadStore(leads store.LeadStore) Option {
	return func(s *Server) { s.leads = leads }
}

// NewServer creates a Server.
func NewServer(respHandler *messaging.ResponseHandler, validator *scheduling.Validator, coordinator *scheduling.Coordinator, meetings store.MeetingStore, opts ...Option) *Server {
	s := &Server{
		respHandler: respHandler,
		validator:   validator,
		coordinator: coordinator,
		meetings:    meetings,
		addr:        DefaultAddr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("POST /messages", s.messagesHandler)
	mux.HandleFunc("GET /availability", s.availabilityHandler)
	mux.HandleFunc("GET /meetings", s.listMeetingsHandler)
	mux.HandleFunc("POST /meetings", s.createMeetingHandler)
	mux.HandleFunc("GET /meetings/{id}", s.getMeetingHandler)
	mux.HandleFunc("PATCH /meetings/{id}", s.rescheduleMeetingHandler)
	mux.HandleFunc("DELETE /meetings/{id}", s.cancelMeetingHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	return logRequests(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.Run: stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("Server: request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "elapsed", time.Since(began))
	})
}
