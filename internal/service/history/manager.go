package history

import (
	"dify-gateway/internal/logger"
	"dify-gateway/internal/repository/db"
	"dify-gateway/internal/tokens"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// fetchLimit caps how much stored history one decision considers.
const fetchLimit = 50

// recoveryKeep is how many messages (3 user/assistant pairs) survive when
// a possibly-truncated answer is detected: conversational continuity wins
// over the token budget in that case.
const recoveryKeep = 6

// incompleteMinLength is the minimum content length before an assistant
// message without terminal punctuation is considered possibly truncated.
const incompleteMinLength = 100

// Context-status risk thresholds against an 8192-token ceiling.
const (
	statusCeiling   = 8192
	mediumThreshold = 0.7
	highThreshold   = 0.9
)

// Markers whose presence means an answer finished deliberately even
// without sentence-final punctuation.
var completionMarkers = []string{"```", "[END]", "[DONE]"}

const sentenceEnders = ".!?。！？…"

// Decision is the truncation outcome for one inbound message. KeptMessages
// are in chronological order regardless of the path taken.
type Decision struct {
	Truncated                bool
	KeptMessages             []db.Message
	TotalTokens              int
	Note                     string
	IncompleteAnswerDetected bool
}

// Status is the advisory view served by the context-status endpoint.
type Status struct {
	HasContext   bool   `json:"hasContext"`
	TotalTokens  int    `json:"totalTokens"`
	MessageCount int    `json:"messageCount"`
	RiskLevel    string `json:"riskLevel"`
	Suggestion   string `json:"suggestion"`
}

// Manager budgets stored conversation history against a token limit and
// protects likely-truncated answers. A nil datastore puts it in no-op
// mode.
type Manager struct {
	db        db.Database
	maxTokens int
}

// NewManager creates a Manager with the given budget.
func NewManager(database db.Database, maxTokens int) *Manager {
	return &Manager{db: database, maxTokens: maxTokens}
}

// Manage fetches the recent history for a conversation and decides how
// much of it fits the budget given the new message. It returns nil in
// no-op mode and on fetch failure: missing context must never abort the
// chat request.
func (m *Manager) Manage(conversationID, newMessage string) *Decision {
	if m.db == nil {
		return nil
	}

	recent, err := m.db.GetRecentMessages(conversationID, fetchLimit)
	if err != nil {
		logger.Log.WithError(err).WithField("conversation_id", conversationID).
			Warn("No context information available")
		return nil
	}

	total := tokens.Estimate(newMessage)
	decision := &Decision{TotalTokens: total}

	var kept []db.Message
	for i, msg := range recent {
		// The recovery path only applies while the budget still has room;
		// past the budget, routine truncation already drops the rest.
		if isPossiblyTruncatedAnswer(msg) {
			decision.IncompleteAnswerDetected = true
			kept, total = m.recover(recent, newMessage)
			break
		}

		cost := tokens.Estimate(msg.Content)
		if total+cost > m.maxTokens {
			decision.Truncated = true
			dropped := len(recent) - i
			decision.Note = fmt.Sprintf("routine truncation: dropped %d older messages to fit the context budget", dropped)
			break
		}

		total += cost
		kept = append(kept, msg)
	}

	if decision.IncompleteAnswerDetected {
		decision.Truncated = len(recent) > len(kept)
		if decision.Truncated {
			decision.Note = fmt.Sprintf("possible truncated-answer recovery: kept the last %d messages, dropped %d", len(kept), len(recent)-len(kept))
		} else {
			decision.Note = "possible truncated-answer recovery: kept the full recent history"
		}
	}

	decision.TotalTokens = total
	decision.KeptMessages = reverse(kept)

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"kept":            len(decision.KeptMessages),
		"total_tokens":    decision.TotalTokens,
		"truncated":       decision.Truncated,
	}).Debug("Context decision")

	return decision
}

// recover keeps the most recent user/assistant pairs regardless of token
// total and returns them (still newest first) with their token sum.
func (m *Manager) recover(recent []db.Message, newMessage string) ([]db.Message, int) {
	kept := recent
	if len(kept) > recoveryKeep {
		kept = kept[:recoveryKeep]
	}

	total := tokens.Estimate(newMessage)
	for _, msg := range kept {
		total += tokens.Estimate(msg.Content)
	}
	return kept, total
}

// ContextStatus reports how close a conversation's stored history is to
// the provider's context ceiling.
func (m *Manager) ContextStatus(conversationID string) (*Status, error) {
	if m.db == nil {
		return &Status{RiskLevel: "none", Suggestion: "no persistence configured"}, nil
	}

	recent, err := m.db.GetRecentMessages(conversationID, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("error fetching context: %w", err)
	}

	contents := make([]string, len(recent))
	for i, msg := range recent {
		contents[i] = msg.Content
	}
	total := tokens.EstimateMessages(contents)

	status := &Status{
		HasContext:   len(recent) > 0,
		TotalTokens:  total,
		MessageCount: len(recent),
	}

	ratio := float64(total) / statusCeiling
	switch {
	case len(recent) == 0:
		status.RiskLevel = "none"
		status.Suggestion = "no stored context for this conversation"
	case ratio >= highThreshold:
		status.RiskLevel = "high"
		status.Suggestion = "context is nearly full; start a new conversation to avoid truncated answers"
	case ratio >= mediumThreshold:
		status.RiskLevel = "medium"
		status.Suggestion = "context is filling up; older messages will be dropped soon"
	default:
		status.RiskLevel = "low"
		status.Suggestion = "context is well within limits"
	}

	return status, nil
}

// isPossiblyTruncatedAnswer flags long assistant messages that neither end
// in sentence-final punctuation (CJK or Latin) nor contain a completion
// marker.
func isPossiblyTruncatedAnswer(msg db.Message) bool {
	if msg.Role != db.RoleAssistant {
		return false
	}

	content := strings.TrimSpace(msg.Content)
	if len(content) <= incompleteMinLength {
		return false
	}

	runes := []rune(content)
	last := runes[len(runes)-1]
	if strings.ContainsRune(sentenceEnders, last) {
		return false
	}

	for _, marker := range completionMarkers {
		if strings.Contains(content, marker) {
			return false
		}
	}

	return true
}

// reverse returns the newest-first slice in chronological order.
func reverse(msgs []db.Message) []db.Message {
	out := make([]db.Message, len(msgs))
	for i, msg := range msgs {
		out[len(msgs)-1-i] = msg
	}
	return out
}
