package models

// TurnState is the lifecycle state of the single turn a session may have open.
type TurnState string

// Outcome is how a turn was resolved.
type Outcome string

const (
	TurnIdle       TurnState = "idle"
	TurnDispatched TurnState = "dispatched"
	TurnStreaming  TurnState = "streaming"
	TurnCancelling TurnState = "cancelling"

	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// NewConversationRequest is the body sent to the endpoint that starts a conversation.
type NewConversationRequest struct {
	FirstMessage string   `json:"first_message"`
	Images       []string `json:"images,omitempty"`
}

// ContinueConversationRequest is the body sent to the endpoint that continues a conversation.
type ContinueConversationRequest struct {
	ConversationID int64    `json:"conversation_id"`
	Message        string   `json:"message"`
	Images         []string `json:"images,omitempty"`
}

// StreamRecord is the JSON object carried by every data record of a turn's response stream. All
// fields are optional; pointers distinguish absent fields from zero values.
type StreamRecord struct {
	Chunk          *string `json:"chunk,omitempty"`
	Done           *bool   `json:"done,omitempty"`
	ConversationID *int64  `json:"conversation_id,omitempty"`
	Error          *string `json:"error,omitempty"`
}
