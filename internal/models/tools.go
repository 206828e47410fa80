// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolName identifies a function exposed to the language model.
type ToolName string

const (
	ToolProcessConsent    ToolName = "process_consent"
	ToolSavePersonalData  ToolName = "save_personal_data"
	ToolSaveBANTData      ToolName = "save_bant_data"
	ToolSaveRequirements  ToolName = "save_requirements"
	ToolGetAvailableSlots ToolName = "get_available_slots"
	ToolScheduleMeeting   ToolName = "schedule_meeting"
	ToolRescheduleMeeting ToolName = "reschedule_meeting"
	ToolFindMeetings      ToolName = "find_meetings"
	ToolCancelMeeting     ToolName = "cancel_meeting"
)

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from OpenAI
	Type     string       `json:"type"`     // Always "function" for OpenAI
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Decode unmarshals the call arguments into dst.
func (fc *FunctionCall) Decode(dst interface{}) error {
	if len(fc.Arguments) == 0 {
		return fmt.Errorf("tool %s called without arguments", fc.Name)
	}
	if err := json.Unmarshal(fc.Arguments, dst); err != nil {
		return fmt.Errorf("failed to parse %s arguments: %w", fc.Name, err)
	}
	return nil
}

// ToolResult represents the result of executing a tool.
type ToolResult struct {
	ToolCallID string      `json:"tool_call_id"`
	Success    bool        `json:"success"`
	Message    string      `json:"message"`
	Error      string      `json:"error,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

// ConsentParams are the arguments of process_consent.
type ConsentParams struct {
	Response string `json:"response"`
}

// affirmative answers accepted as consent.
var affirmative = map[string]bool{
	"sí": true, "si": true, "yes": true, "y": true, "acepto": true, "estoy de acuerdo": true,
}

// Given reports whether the lead's answer grants consent.
func (p ConsentParams) Given() bool {
	return affirmative[strings.ToLower(strings.TrimSpace(p.Response))]
}

// PersonalDataParams are the arguments of save_personal_data.
type PersonalDataParams struct {
	Name    string `json:"name"`
	Company string `json:"company,omitempty"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
}

// Validate ensures the contact data is usable.
func (p PersonalDataParams) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !strings.Contains(p.Email, "@") {
		return ErrInvalidEmail
	}
	if strings.TrimSpace(p.Phone) == "" {
		return fmt.Errorf("phone is required")
	}
	return nil
}

// BANTParams are the arguments of save_bant_data.
type BANTParams struct {
	Budget    string `json:"budget"`
	Authority string `json:"authority"`
	Need      string `json:"need"`
	Timeline  string `json:"timeline"`
}

// RequirementsParams are the arguments of save_requirements. Features and
// integrations arrive comma separated.
type RequirementsParams struct {
	AppType      string `json:"app_type"`
	CoreFeatures string `json:"core_features"`
	Integrations string `json:"integrations"`
	Deadline     string `json:"deadline"`
}

// FeatureList splits the comma separated features.
func (p RequirementsParams) FeatureList() []string {
	return splitList(p.CoreFeatures)
}

// IntegrationList splits the comma separated integrations.
func (p RequirementsParams) IntegrationList() []string {
	return splitList(p.Integrations)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// AvailableSlotsParams are the arguments of get_available_slots.
type AvailableSlotsParams struct {
	PreferredDate string `json:"preferred_date,omitempty"`
}

// RequireDateTime returns ErrMissingDateTime unless both date and clock
// are non-blank.
func RequireDateTime(date, clock string) error {
	if strings.TrimSpace(date) == "" || strings.TrimSpace(clock) == "" {
		return ErrMissingDateTime
	}
	return nil
}

// ScheduleMeetingParams are the arguments of schedule_meeting.
type ScheduleMeetingParams struct {
	Email    string `json:"email"`
	Date     string `json:"date,omitempty"`
	Time     string `json:"time,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// RescheduleMeetingParams are the arguments of reschedule_meeting.
type RescheduleMeetingParams struct {
	MeetingID string `json:"meeting_id"`
	NewDate   string `json:"new_date"`
	NewTime   string `json:"new_time"`
	Duration  *int   `json:"duration,omitempty"`
}

// FindMeetingsParams are the arguments of find_meetings.
type FindMeetingsParams struct {
	SubjectContains string `json:"subject_contains"`
}

// CancelMeetingParams are the arguments of cancel_meeting.
type CancelMeetingParams struct {
	MeetingID string `json:"meeting_id"`
}
