package db

import "errors"

// Sentinel errors the repository maps driver-specific failures onto, so
// callers can branch without importing the driver.
var (
	ErrNotFound            = errors.New("row not found")
	ErrForeignKeyViolation = errors.New("foreign key violation")
)

// Database defines the interface for all database operations.
// This allows for easier testing through mocking and decouples the services
// from the specific database implementation.
type Database interface {
	// Users
	GetUser(id string) (*User, error)
	CreateUser(id string, balance int) (*User, error)
	UpdateUserBalance(id string, balance int) error
	UserExists(id string) (bool, error)

	// Conversations
	GetConversation(id string) (*Conversation, error)
	GetConversationByDifyID(difyID string) (*Conversation, error)
	GetConversationsByUser(userID string) ([]Conversation, error)
	InsertConversation(id string, difyID *string, userID *string) error
	SetConversationDifyID(id, difyID string) error

	// Messages
	AddMessage(conversationID, role, content, difyMessageID string, tokenUsage *int) (*Message, error)
	GetRecentMessages(conversationID string, limit int) ([]Message, error)
	GetConversationMessages(conversationID string) ([]Message, error)
}
