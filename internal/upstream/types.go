package upstream

import "net/http"

// ChatRequest is the payload sent to the Dify chat-messages API.
type ChatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ResponseMode   string         `json:"response_mode"`
}

// ChatResult is the parsed blocking-mode reply. RawBody and Header are kept
// so the billing engine can run its own usage extraction over them.
type ChatResult struct {
	Answer         string
	ConversationID string
	MessageID      string
	RawBody        []byte
	Header         http.Header
}

// StreamEvent is one server-sent event from streaming mode. For the
// terminal message_end event, RawEvent holds the full event JSON so usage
// can be extracted from its metadata.
type StreamEvent struct {
	Event          string
	Answer         string
	ConversationID string
	MessageID      string
	RawEvent       []byte
	Err            error
}

// Stream event names Dify emits.
const (
	EventMessage    = "message"
	EventMessageEnd = "message_end"
	EventError      = "error"
)

// Provider is the upstream conversational-AI boundary. Implementations
// talk to a hosted Dify deployment; tests substitute a mock.
type Provider interface {
	ChatBlocking(req ChatRequest) (*ChatResult, error)
	ChatStream(req ChatRequest) (<-chan StreamEvent, error)
}
