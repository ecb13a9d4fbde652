package handlers

import (
	"dify-gateway/internal/app"
	"dify-gateway/internal/logger"
	chatService "dify-gateway/internal/service/chat"
	"dify-gateway/pkg/validation"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Request/Response types

type ChatRequest struct {
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
}

type ConversationInfo struct {
	ID                 string `json:"id"`
	DifyConversationID string `json:"dify_conversation_id,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

type ConversationsResponse struct {
	Conversations []ConversationInfo `json:"conversations"`
}

type MessageData struct {
	ID            string `json:"id"`
	Role          string `json:"role"`
	Content       string `json:"content"`
	DifyMessageID string `json:"dify_message_id,omitempty"`
	TokenUsage    *int   `json:"token_usage,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type MessagesResponse struct {
	Messages []MessageData `json:"messages"`
}

// ChatHandlers uses the service layer for better separation of concerns
type ChatHandlers struct {
	config    *app.Config
	validator *validation.ChatRequestValidator
}

// NewChatHandlers creates a new ChatHandlers with service layer
func NewChatHandlers(config *app.Config) *ChatHandlers {
	return &ChatHandlers{
		config:    config,
		validator: validation.NewChatRequestValidator(),
	}
}

// ChatHandler is the REST endpoint for chat (non-streaming)
func (ch *ChatHandlers) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := ch.validator.ValidateChatRequest(req.Message, req.ConversationID, req.UserID); err != nil {
		sendError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": req.ConversationID,
		"message_chars":   len(req.Message),
	}).Info("Chat request received")

	response, err := ch.config.Chat.SendMessage(chatService.Request{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Inputs:         req.Inputs,
	})
	if err != nil {
		logger.Log.WithError(err).Error("Error from chat service")
		status, message := chatService.UserFacingMessage(err)
		sendError(w, status, message, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ChatStreamHandler is the SSE endpoint for streaming chat responses
func (ch *ChatHandlers) ChatStreamHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := ch.validator.ValidateChatRequest(req.Message, req.ConversationID, req.UserID); err != nil {
		sendError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	logger.Log.WithField("message_chars", len(req.Message)).Info("Chat stream request received")

	convID, events, err := ch.config.Chat.StreamMessage(chatService.Request{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Inputs:         req.Inputs,
	})
	if err != nil {
		logger.Log.WithError(err).Error("Error from chat service")
		status, message := chatService.UserFacingMessage(err)
		sendError(w, status, message, nil)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The gateway conversation id goes first so the client can reuse it
	fmt.Fprintf(w, "data: CONV_ID:%s\n\n", convID)
	flusher.Flush()

	for ev := range events {
		if ev.Err != nil {
			fmt.Fprintf(w, "data: {\"event\": \"error\", \"message\": %q}\n\n", ev.Err.Error())
			flusher.Flush()
			continue
		}

		payload := ev.RawEvent
		if payload == nil {
			encoded, err := json.Marshal(map[string]string{"event": ev.Event, "answer": ev.Answer})
			if err != nil {
				continue
			}
			payload = encoded
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// GetConversationsHandler returns the conversations owned by a user
func (ch *ChatHandlers) GetConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		sendError(w, http.StatusBadRequest, "user_id query parameter is required", nil)
		return
	}

	conversations, err := ch.config.Chat.Conversations(userID)
	if err != nil {
		logger.Log.WithError(err).Error("Error retrieving conversations")
		sendError(w, http.StatusInternalServerError, "Error retrieving conversations", err)
		return
	}

	convInfos := make([]ConversationInfo, 0, len(conversations))
	for _, conv := range conversations {
		info := ConversationInfo{
			ID:        conv.ID,
			CreatedAt: conv.CreatedAt.String(),
			UpdatedAt: conv.UpdatedAt.String(),
		}
		if conv.DifyConversationID != nil {
			info.DifyConversationID = *conv.DifyConversationID
		}
		convInfos = append(convInfos, info)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ConversationsResponse{
		Conversations: convInfos,
	})
}

// GetConversationMessagesHandler returns the stored transcript of a conversation
func (ch *ChatHandlers) GetConversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	logger.Log.WithField("conversation_id", convID).Info("Get conversation messages request")

	messages, err := ch.config.Chat.Messages(convID)
	if err != nil {
		logger.Log.WithError(err).Error("Error retrieving messages")
		sendError(w, http.StatusInternalServerError, "Error retrieving messages", err)
		return
	}

	msgData := make([]MessageData, 0, len(messages))
	for _, msg := range messages {
		msgData = append(msgData, MessageData{
			ID:            msg.ID,
			Role:          msg.Role,
			Content:       msg.Content,
			DifyMessageID: msg.DifyMessageID,
			TokenUsage:    msg.TokenUsage,
			CreatedAt:     msg.CreatedAt.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MessagesResponse{
		Messages: msgData,
	})
}
