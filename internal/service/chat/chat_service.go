package chat

import (
	"dify-gateway/internal/billing"
	"dify-gateway/internal/cache"
	"dify-gateway/internal/httpclient"
	"dify-gateway/internal/logger"
	"dify-gateway/internal/repository/db"
	"dify-gateway/internal/service/conversation"
	"dify-gateway/internal/service/history"
	"dify-gateway/internal/upstream"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Request is one inbound chat turn. ConversationID is the gateway's own
// conversation id; empty means a new conversation.
type Request struct {
	Message        string
	ConversationID string
	UserID         string
	Inputs         map[string]any
}

// ContextInfo surfaces the truncation decision taken for this turn.
type ContextInfo struct {
	Truncated                bool   `json:"truncated"`
	TotalTokens              int    `json:"totalTokens"`
	Note                     string `json:"note,omitempty"`
	IncompleteAnswerDetected bool   `json:"incompleteAnswerDetected,omitempty"`
}

// Metadata carries per-turn accounting detail alongside the answer.
type Metadata struct {
	Billing *billing.Outcome `json:"billing,omitempty"`
	Context *ContextInfo     `json:"context,omitempty"`
}

// Response is the blocking-mode reply to the client.
type Response struct {
	Answer         string    `json:"answer"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Metadata       *Metadata `json:"metadata,omitempty"`
}

// State is the in-process record of an active conversation, mapping the
// gateway conversation id to the provider's id. Lost on restart; the
// datastore row is the durable fallback.
type State struct {
	DifyConversationID string
	UserID             string
}

// Service orchestrates one chat turn: resolve identity, budget context,
// call the provider, bill the usage, persist the exchange.
type Service struct {
	provider upstream.Provider
	engine   *billing.Engine
	identity *billing.IdentityResolver
	history  *history.Manager
	registry *conversation.Registry
	db       db.Database
	states   *cache.Cache[State]
}

// NewService wires the chat orchestrator.
func NewService(
	provider upstream.Provider,
	engine *billing.Engine,
	identity *billing.IdentityResolver,
	historyManager *history.Manager,
	registry *conversation.Registry,
	database db.Database,
	states *cache.Cache[State],
) *Service {
	return &Service{
		provider: provider,
		engine:   engine,
		identity: identity,
		history:  historyManager,
		registry: registry,
		db:       database,
		states:   states,
	}
}

// SendMessage handles a blocking chat turn. Billing and persistence
// failures never fail the call; only upstream errors are returned.
func (s *Service) SendMessage(req Request) (*Response, error) {
	convID, userID, resolved := s.resolveIDs(req)

	decision := s.history.Manage(convID, req.Message)

	result, err := s.provider.ChatBlocking(upstream.ChatRequest{
		Inputs:         req.Inputs,
		Query:          req.Message,
		User:           resolved,
		ConversationID: s.upstreamConversationID(convID),
	})
	if err != nil {
		return nil, err
	}

	outcome := s.billWithFallback(result.RawBody, result.Header, userID, "chat", len(req.Message))
	s.persistExchange(convID, result.ConversationID, resolved, req.Message, result.Answer, result.MessageID, outcome.Tokens)
	s.states.Set(convID, State{DifyConversationID: result.ConversationID, UserID: resolved})

	return &Response{
		Answer:         result.Answer,
		ConversationID: convID,
		MessageID:      result.MessageID,
		Metadata: &Metadata{
			Billing: &outcome,
			Context: contextInfo(decision),
		},
	}, nil
}

// StreamMessage handles a streaming chat turn. It returns the gateway
// conversation id and a channel of forwarded provider events; billing and
// persistence run after the stream ends, off the caller's path.
func (s *Service) StreamMessage(req Request) (string, <-chan upstream.StreamEvent, error) {
	convID, userID, resolved := s.resolveIDs(req)

	s.history.Manage(convID, req.Message)

	upstreamEvents, err := s.provider.ChatStream(upstream.ChatRequest{
		Inputs:         req.Inputs,
		Query:          req.Message,
		User:           resolved,
		ConversationID: s.upstreamConversationID(convID),
	})
	if err != nil {
		return "", nil, err
	}

	out := make(chan upstream.StreamEvent)
	go func() {
		defer close(out)

		var answer strings.Builder
		var difyConvID, messageID string
		var endEvent []byte

		for ev := range upstreamEvents {
			if ev.Err == nil {
				if ev.ConversationID != "" {
					difyConvID = ev.ConversationID
				}
				if ev.MessageID != "" {
					messageID = ev.MessageID
				}
				switch ev.Event {
				case upstream.EventMessage:
					answer.WriteString(ev.Answer)
				case upstream.EventMessageEnd:
					endEvent = ev.RawEvent
				}
			}
			out <- ev
		}

		outcome := s.billWithFallback(endEvent, nil, userID, "chat-stream", len(req.Message))
		s.persistExchange(convID, difyConvID, resolved, req.Message, answer.String(), messageID, outcome.Tokens)
		s.states.Set(convID, State{DifyConversationID: difyConvID, UserID: resolved})
	}()

	return convID, out, nil
}

// Conversations lists the stored conversations owned by a user.
func (s *Service) Conversations(userID string) ([]db.Conversation, error) {
	if s.db == nil {
		return nil, nil
	}
	return s.db.GetConversationsByUser(s.identity.Resolve(userID))
}

// Messages returns the full stored transcript of a conversation.
func (s *Service) Messages(conversationID string) ([]db.Message, error) {
	if s.db == nil {
		return nil, nil
	}
	return s.db.GetConversationMessages(conversationID)
}

// resolveIDs fills in a fresh conversation id when none was supplied and
// resolves the user to a stable account identifier. Callers without a
// user id are treated as a per-conversation guest.
func (s *Service) resolveIDs(req Request) (convID, userID, resolved string) {
	convID = req.ConversationID
	if convID == "" {
		convID = uuid.New().String()
	}

	userID = req.UserID
	if userID == "" {
		userID = "guest-" + convID
	}

	return convID, userID, s.identity.Resolve(userID)
}

// upstreamConversationID maps the gateway conversation id to the
// provider's id, preferring the in-process state over the datastore row.
// Empty means the provider starts a new conversation.
func (s *Service) upstreamConversationID(convID string) string {
	if state, ok := s.states.Get(convID); ok && state.DifyConversationID != "" {
		return state.DifyConversationID
	}

	if s.db != nil {
		conv, err := s.db.GetConversation(convID)
		if err == nil && conv.DifyConversationID != nil {
			return *conv.DifyConversationID
		}
	}
	return ""
}

// billWithFallback runs the billing engine, retrying once with the
// emergency synthesis path when the response carried no usage data.
func (s *Service) billWithFallback(body []byte, header http.Header, userID, endpoint string, messageLength int) billing.Outcome {
	outcome := s.engine.Bill(body, userID, endpoint, billing.Options{Headers: header})
	if outcome.Error == billing.ErrorNoTokenData {
		outcome = s.engine.Bill(body, userID, endpoint, billing.Options{
			EmergencyFallback: true,
			MessageLength:     messageLength,
			Headers:           header,
		})
	}
	return outcome
}

// persistExchange registers the conversation and appends both sides of
// the turn. Storage failures are logged and swallowed.
func (s *Service) persistExchange(convID, difyConvID, resolvedUser, question, answer, messageID string, tokens int) {
	if s.db == nil {
		return
	}

	if !s.registry.EnsureExists(convID, difyConvID, resolvedUser) {
		return
	}

	log := logger.Log.WithFields(logrus.Fields{"conversation_id": convID})

	if _, err := s.db.AddMessage(convID, db.RoleUser, question, "", nil); err != nil {
		log.WithError(err).Warn("Failed to persist user message")
	}

	var tokenUsage *int
	if tokens > 0 {
		tokenUsage = &tokens
	}
	if _, err := s.db.AddMessage(convID, db.RoleAssistant, answer, messageID, tokenUsage); err != nil {
		log.WithError(err).Warn("Failed to persist assistant message")
	}
}

// contextInfo converts a truncation decision into response metadata.
func contextInfo(decision *history.Decision) *ContextInfo {
	if decision == nil {
		return nil
	}
	return &ContextInfo{
		Truncated:                decision.Truncated,
		TotalTokens:              decision.TotalTokens,
		Note:                     decision.Note,
		IncompleteAnswerDetected: decision.IncompleteAnswerDetected,
	}
}

// UserFacingMessage translates an upstream failure into an HTTP status
// and a message safe to show the end user.
func UserFacingMessage(err error) (int, string) {
	if ce, ok := httpclient.AsCallError(err); ok {
		switch ce.Kind {
		case httpclient.FailureTimeout:
			return http.StatusGatewayTimeout, "The assistant took too long to respond. Please try again."
		case httpclient.FailureConnectivity:
			return http.StatusBadGateway, "Could not reach the assistant. Please try again later."
		case httpclient.FailureClient:
			return http.StatusBadGateway, fmt.Sprintf("The assistant rejected the request (status %d).", ce.StatusCode)
		}
	}
	return http.StatusBadGateway, "Something went wrong talking to the assistant. Please try again."
}
