package db

import "time"

// User is a registered account row. Balance is in account credits and is
// never allowed to go negative.
type User struct {
	ID        string
	Balance   int
	CreatedAt time.Time
}

// Conversation links a locally generated conversation id to the id the
// upstream provider assigns. Either id may be used by callers.
type Conversation struct {
	ID                 string
	DifyConversationID *string
	UserID             *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Message is one stored turn of a conversation. Rows are append-only.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	DifyMessageID  string
	TokenUsage     *int
	CreatedAt      time.Time
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
