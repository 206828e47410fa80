package models

import "time"

// LeadStep is the position of a lead in the qualification flow.
type LeadStep string

const (
	LeadStepStart         LeadStep = "start"
	LeadStepConsentDenied LeadStep = "consent_denied"
	LeadStepPersonalData  LeadStep = "personal_data"
	LeadStepBANT          LeadStep = "bant"
	LeadStepRequirements  LeadStep = "requirements"
	LeadStepMeeting       LeadStep = "meeting"
	LeadStepCompleted     LeadStep = "completed"
)

// Platform identifiers for conversations.
const (
	PlatformWhatsApp = "whatsapp"
	PlatformAPI      = "api"
)

// MessageRole identifies who authored a conversation message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// User is a lead contact, identified by a normalized phone number.
type User struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	FullName  string    `json:"full_name,omitempty"`
	Company   string    `json:"company,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversation groups the messages exchanged with a user on one channel.
type Conversation struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ExternalID string    `json:"external_id"`
	Platform   string    `json:"platform"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Conversation statuses.
const (
	ConversationActive = "active"
	ConversationClosed = "closed"
)

// Message is a single stored conversation turn.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	MessageType    string      `json:"message_type"`
	ExternalID     string      `json:"external_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// LeadQualification tracks one user's progress through the flow within a conversation.
type LeadQualification struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Consent        bool      `json:"consent"`
	CurrentStep    LeadStep  `json:"current_step"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BANTData holds budget, authority, need and timeline answers.
type BANTData struct {
	ID                  string    `json:"id"`
	LeadQualificationID string    `json:"lead_qualification_id"`
	Budget              string    `json:"budget"`
	Authority           string    `json:"authority"`
	Need                string    `json:"need"`
	Timeline            string    `json:"timeline"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Requirements captures the technical scope of the project.
type Requirements struct {
	ID                  string    `json:"id"`
	LeadQualificationID string    `json:"lead_qualification_id"`
	AppType             string    `json:"app_type"`
	Deadline            string    `json:"deadline"`
	Features            []string  `json:"features"`
	Integrations        []string  `json:"integrations"`
	CreatedAt           time.Time `json:"created_at"`
}
