// Package models defines the core data structures for the lead agent.
//
// It includes the scheduling types shared by the calendar, availability and
// scheduling packages, the lead-qualification records, and the JSON envelope
// returned by the HTTP API.
package models

import (
	"errors"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for an inbound or outbound message body
	MaxMessageBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient  = errors.New("recipient cannot be empty")
	ErrEmptySender     = errors.New("sender cannot be empty")
	ErrEmptyBody       = errors.New("body is required")
	ErrBodyTooLong     = errors.New("message body exceeds maximum length")
	ErrInvalidEmail    = errors.New("attendee email is invalid")
	ErrMissingDateTime = errors.New("date and time are required")
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRejected indicates a scheduling request was refused by a business rule.
	APIStatusRejected APIStatus = "rejected"
)

// Receipt is a delivery receipt reported by a messaging backend.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an inbound WhatsApp message from a lead.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// Validate checks the inbound message before it reaches the agent.
func (r *Response) Validate() error {
	if r.From == "" {
		return ErrEmptySender
	}
	if r.Body == "" {
		return ErrEmptyBody
	}
	if len(r.Body) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Rejected creates a response for a scheduling request refused by policy.
// The result carries the rejection details so the client can follow up.
func Rejected(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRejected).
		WithMessage(message).
		WithResult(result).
		Build()
}
