package validation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// maxMessageLength bounds inbound messages; the upstream provider rejects
// oversized payloads anyway, this just fails fast with a clearer error.
const maxMessageLength = 20000

const maxUserIDLength = 255

// ChatRequestValidator validates chat-related requests
type ChatRequestValidator struct{}

// NewChatRequestValidator creates a new ChatRequestValidator
func NewChatRequestValidator() *ChatRequestValidator {
	return &ChatRequestValidator{}
}

// ValidateMessage validates a chat message
func (v *ChatRequestValidator) ValidateMessage(message string) error {
	if message == "" {
		return errors.New("message cannot be empty")
	}
	if len(message) > maxMessageLength {
		return fmt.Errorf("message must be at most %d bytes, got %d", maxMessageLength, len(message))
	}
	return nil
}

// ValidateConversationID validates an optional conversation id
func (v *ChatRequestValidator) ValidateConversationID(conversationID string) error {
	if conversationID == "" {
		return nil // A new conversation is started
	}
	if _, err := uuid.Parse(conversationID); err != nil {
		return fmt.Errorf("conversation_id must be a valid UUID, got %s", conversationID)
	}
	return nil
}

// ValidateUserID validates an optional user identifier. Any non-empty
// string is accepted; opaque identifiers are resolved to a stable account
// downstream.
func (v *ChatRequestValidator) ValidateUserID(userID string) error {
	if len(userID) > maxUserIDLength {
		return fmt.Errorf("user_id must be at most %d bytes, got %d", maxUserIDLength, len(userID))
	}
	return nil
}

// ValidateChatRequest validates a complete chat request
func (v *ChatRequestValidator) ValidateChatRequest(message, conversationID, userID string) error {
	if err := v.ValidateMessage(message); err != nil {
		return err
	}

	if err := v.ValidateConversationID(conversationID); err != nil {
		return err
	}

	if err := v.ValidateUserID(userID); err != nil {
		return err
	}

	return nil
}
