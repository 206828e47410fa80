package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/TDXCORE/FullStackAgent2025/internal/messaging"
	"github.com/TDXCORE/FullStackAgent2025/internal/models"
	"github.com/TDXCORE/FullStackAgent2025/internal/twiliowhatsapp"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// MessageRequest is the body of POST /messages.
type MessageRequest struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
}

// MessageReply is the result of POST /messages.
type MessageReply struct {
	Reply string `json:"reply"`
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.twilioAuth != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := strings.TrimRight(s.publicURL, "/") + r.URL.RequestURI()
		if !s.twilioAuth.Validate(url, params, r.Header.Get(twiliowhatsapp.SignatureHeader)) {
			slog.Warn("Server.twilioWebhookHandler: invalid signature", "url", url)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := strings.TrimPrefix(r.PostForm.Get("From"), twiliowhatsapp.ChannelPrefix)
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	sid := r.PostForm.Get("MessageSid")
	if from == "" {
		http.Error(w, "Missing From", http.StatusBadRequest)
		return
	}
	if body == "" {
		// Media or status callbacks carry no text for the agent.
		slog.Debug("Server.twilioWebhookHandler: no text, ignoring", "from", from, "sid", sid)
		writeTwiML(w)
		return
	}

	resp := models.Response{From: from, Body: body, MessageID: sid, Time: time.Now().Unix()}
	if s.inbox != nil {
		s.inbox.Deliver(resp)
		writeTwiML(w)
		return
	}

	_, err := s.respHandler.ProcessResponse(r.Context(), resp)
	switch {
	case err == nil, errors.Is(err, messaging.ErrDuplicate):
	case isInputError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		// The apology is already queued; a retry would only duplicate it.
		slog.Error("Server.twilioWebhookHandler: processing failed", "from", from, "sid", sid, "error", err)
	}
	writeTwiML(w)
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reply, err := s.respHandler.WithPlatform(models.PlatformAPI).ProcessResponse(r.Context(), models.Response{
		From:      req.From,
		Body:      strings.TrimSpace(req.Body),
		MessageID: req.MessageID,
		Time:      time.Now().Unix(),
	})
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.Success(MessageReply{Reply: reply}))
	case errors.Is(err, messaging.ErrDuplicate):
		writeJSONResponse(w, http.StatusConflict, models.Error("Message already processed"))
	case isInputError(err):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		slog.Error("Server.messagesHandler: processing failed", "from", req.From, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{
		"time": time.Now().UTC().Format(time.RFC3339),
	}))
}

// isInputError reports errors caused by the request rather than the server.
func isInputError(err error) bool {
	return errors.Is(err, models.ErrEmptySender) ||
		errors.Is(err, models.ErrEmptyBody) ||
		errors.Is(err, models.ErrBodyTooLong) ||
		errors.Is(err, messaging.ErrInvalidSender)
}
