package postgres

import (
	"dify-gateway/internal/logger"
	"dify-gateway/internal/repository/db"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// GetConversation retrieves a conversation by its locally generated id.
func (p *PostgresDB) GetConversation(id string) (*db.Conversation, error) {
	query := `
	SELECT id, dify_conversation_id, user_id, created_at, updated_at
	FROM conversations
	WHERE id = $1
	`
	return p.scanConversation(query, id)
}

// GetConversationByDifyID retrieves a conversation by the id the upstream
// provider assigned to it.
func (p *PostgresDB) GetConversationByDifyID(difyID string) (*db.Conversation, error) {
	query := `
	SELECT id, dify_conversation_id, user_id, created_at, updated_at
	FROM conversations
	WHERE dify_conversation_id = $1
	`
	return p.scanConversation(query, difyID)
}

func (p *PostgresDB) scanConversation(query string, arg any) (*db.Conversation, error) {
	var conv db.Conversation
	err := p.conn.QueryRow(query, arg).Scan(
		&conv.ID, &conv.DifyConversationID, &conv.UserID, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &conv, nil
}

// GetConversationsByUser retrieves all conversations for a user
func (p *PostgresDB) GetConversationsByUser(userID string) ([]db.Conversation, error) {
	query := `
	SELECT id, dify_conversation_id, user_id, created_at, updated_at
	FROM conversations
	WHERE user_id = $1
	ORDER BY updated_at DESC
	`

	rows, err := p.conn.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []db.Conversation
	for rows.Next() {
		var conv db.Conversation
		if err := rows.Scan(&conv.ID, &conv.DifyConversationID, &conv.UserID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

// InsertConversation creates a conversation row. Concurrent creation races
// for the same id are tolerated via ON CONFLICT DO NOTHING. A missing user
// row surfaces as db.ErrForeignKeyViolation so the caller can retry without
// the user reference.
func (p *PostgresDB) InsertConversation(id string, difyID *string, userID *string) error {
	query := `
	INSERT INTO conversations (id, dify_conversation_id, user_id)
	VALUES ($1, $2, $3)
	ON CONFLICT (id) DO NOTHING
	`

	if _, err := p.conn.Exec(query, id, difyID, userID); err != nil {
		return mapError(err)
	}

	logger.Log.WithFields(logrus.Fields{"conversation_id": id}).Debug("Inserted conversation")
	return nil
}

// SetConversationDifyID patches the upstream conversation id onto an
// existing row.
func (p *PostgresDB) SetConversationDifyID(id, difyID string) error {
	query := `UPDATE conversations SET dify_conversation_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`

	if _, err := p.conn.Exec(query, difyID, id); err != nil {
		return fmt.Errorf("error setting upstream conversation id: %w", mapError(err))
	}
	return nil
}

// AddMessage appends a message to a conversation.
func (p *PostgresDB) AddMessage(conversationID, role, content, difyMessageID string, tokenUsage *int) (*db.Message, error) {
	msg := db.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		DifyMessageID:  difyMessageID,
		TokenUsage:     tokenUsage,
	}

	query := `
	INSERT INTO messages (id, conversation_id, role, content, dify_message_id, token_usage)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING created_at
	`

	err := p.conn.QueryRow(query, msg.ID, conversationID, role, content, difyMessageID, tokenUsage).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("error adding message: %w", mapError(err))
	}

	// Update conversation updated_at timestamp
	updateQuery := `UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	if _, err := p.conn.Exec(updateQuery, conversationID); err != nil {
		logger.Log.WithError(err).Warn("Error updating conversation timestamp")
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"role":            role,
	}).Debug("Added message")

	return &msg, nil
}

// GetRecentMessages retrieves up to limit messages for a conversation,
// newest first.
func (p *PostgresDB) GetRecentMessages(conversationID string, limit int) ([]db.Message, error) {
	query := `
	SELECT id, conversation_id, role, content, COALESCE(dify_message_id, ''), token_usage, created_at
	FROM messages
	WHERE conversation_id = $1
	ORDER BY created_at DESC
	LIMIT $2
	`

	rows, err := p.conn.Query(query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GetConversationMessages retrieves all messages from a conversation in
// chronological order.
func (p *PostgresDB) GetConversationMessages(conversationID string) ([]db.Message, error) {
	query := `
	SELECT id, conversation_id, role, content, COALESCE(dify_message_id, ''), token_usage, created_at
	FROM messages
	WHERE conversation_id = $1
	ORDER BY created_at ASC
	`

	rows, err := p.conn.Query(query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]db.Message, error) {
	var messages []db.Message
	for rows.Next() {
		var msg db.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.DifyMessageID, &msg.TokenUsage, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
