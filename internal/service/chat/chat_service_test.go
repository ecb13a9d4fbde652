package chat

import (
	"dify-gateway/internal/billing"
	"dify-gateway/internal/cache"
	"dify-gateway/internal/config"
	"dify-gateway/internal/httpclient"
	"dify-gateway/internal/repository/db"
	"dify-gateway/internal/service/conversation"
	"dify-gateway/internal/service/history"
	"dify-gateway/internal/testutil"
	"dify-gateway/internal/upstream"
	"dify-gateway/internal/usage"
	"errors"
	"net/http"
	"testing"
)

func newTestService(mockDB *testutil.MockDatabase, provider upstream.Provider) (*Service, *billing.Ledger) {
	cfg := config.BillingConfig{
		ExchangeRate:     10000,
		ProfitMargin:     1.25,
		DefaultUnitPrice: 0.000002175,
		GuestSeedCredits: 10000,
	}

	ledger := billing.NewLedger()
	identity := billing.NewIdentityResolver(cache.New[string](0))
	engine := billing.NewEngine(
		mockDB,
		usage.NewExtractor(cfg.DefaultUnitPrice),
		ledger,
		identity,
		billing.NewGuestCreditPolicy(cfg.GuestSeedCredits, cache.New[int](0)),
		cfg,
	)

	service := NewService(
		provider,
		engine,
		identity,
		history.NewManager(mockDB, 6000),
		conversation.NewRegistry(mockDB),
		mockDB,
		cache.New[State](0),
	)
	return service, ledger
}

func registeredUserDB() *testutil.MockDatabase {
	mockDB := &testutil.MockDatabase{}
	mockDB.GetUserFunc = func(id string) (*db.User, error) {
		return &db.User{ID: id, Balance: 100}, nil
	}
	mockDB.UpdateUserBalanceFunc = func(id string, balance int) error { return nil }
	mockDB.GetRecentMessagesFunc = func(conversationID string, limit int) ([]db.Message, error) {
		return nil, nil
	}
	mockDB.GetConversationFunc = func(id string) (*db.Conversation, error) {
		return nil, db.ErrNotFound
	}
	mockDB.GetConversationByDifyIDFunc = func(difyID string) (*db.Conversation, error) {
		return nil, db.ErrNotFound
	}
	mockDB.UserExistsFunc = func(id string) (bool, error) { return true, nil }
	mockDB.InsertConversationFunc = func(id string, difyID *string, userID *string) error { return nil }
	mockDB.AddMessageFunc = func(conversationID, role, content, difyMessageID string, tokenUsage *int) (*db.Message, error) {
		return &db.Message{ConversationID: conversationID, Role: role, Content: content}, nil
	}
	return mockDB
}

const testUser = "e3b0c442-98fc-4c14-9afb-f4c8996fb924"

func blockingProvider(result *upstream.ChatResult) *testutil.MockProvider {
	return &testutil.MockProvider{
		ChatBlockingFunc: func(req upstream.ChatRequest) (*upstream.ChatResult, error) {
			return result, nil
		},
	}
}

func TestSendMessage_HappyPath(t *testing.T) {
	mockDB := registeredUserDB()

	var persisted []db.Message
	mockDB.AddMessageFunc = func(conversationID, role, content, difyMessageID string, tokenUsage *int) (*db.Message, error) {
		persisted = append(persisted, db.Message{ConversationID: conversationID, Role: role, Content: content, DifyMessageID: difyMessageID, TokenUsage: tokenUsage})
		return &db.Message{}, nil
	}

	provider := blockingProvider(&upstream.ChatResult{
		Answer:         "hi there",
		ConversationID: "dify-conv-1",
		MessageID:      "msg-1",
		RawBody:        []byte(`{"answer": "hi there", "metadata": {"usage": {"total_tokens": 120, "total_price": "0.0003"}}}`),
	})

	service, ledger := newTestService(mockDB, provider)
	resp, err := service.SendMessage(Request{Message: "hello", UserID: testUser})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if resp.Answer != "hi there" {
		t.Errorf("Expected answer 'hi there', got %s", resp.Answer)
	}
	if resp.ConversationID == "" {
		t.Error("Expected a generated conversation id")
	}
	if resp.MessageID != "msg-1" {
		t.Errorf("Expected message id msg-1, got %s", resp.MessageID)
	}

	if resp.Metadata == nil || resp.Metadata.Billing == nil {
		t.Fatal("Expected billing metadata")
	}
	if resp.Metadata.Billing.Points != 4 {
		t.Errorf("Expected 4 points, got %d", resp.Metadata.Billing.Points)
	}
	if !resp.Metadata.Billing.Success {
		t.Error("Expected billing success")
	}

	if len(persisted) != 2 {
		t.Fatalf("Expected 2 persisted messages, got %d", len(persisted))
	}
	if persisted[0].Role != db.RoleUser || persisted[0].Content != "hello" {
		t.Errorf("Unexpected user message: %+v", persisted[0])
	}
	if persisted[1].Role != db.RoleAssistant || persisted[1].DifyMessageID != "msg-1" {
		t.Errorf("Unexpected assistant message: %+v", persisted[1])
	}
	if persisted[1].TokenUsage == nil || *persisted[1].TokenUsage != 120 {
		t.Error("Expected assistant message to carry token usage 120")
	}

	snap := ledger.Snapshot()
	if snap.TotalCalls != 1 || snap.SuccessfulCalls != 1 {
		t.Errorf("Expected 1 successful billing call, got %+v", snap)
	}
}

func TestSendMessage_ReusesProviderConversationID(t *testing.T) {
	mockDB := registeredUserDB()

	var upstreamConvIDs []string
	provider := &testutil.MockProvider{
		ChatBlockingFunc: func(req upstream.ChatRequest) (*upstream.ChatResult, error) {
			upstreamConvIDs = append(upstreamConvIDs, req.ConversationID)
			return &upstream.ChatResult{
				Answer:         "ok",
				ConversationID: "dify-conv-1",
				RawBody:        []byte(`{"metadata": {"usage": {"total_tokens": 10}}}`),
			}, nil
		},
	}

	service, _ := newTestService(mockDB, provider)

	resp, err := service.SendMessage(Request{Message: "first", UserID: testUser})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	_, err = service.SendMessage(Request{Message: "second", UserID: testUser, ConversationID: resp.ConversationID})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(upstreamConvIDs) != 2 {
		t.Fatalf("Expected 2 upstream calls, got %d", len(upstreamConvIDs))
	}
	if upstreamConvIDs[0] != "" {
		t.Errorf("Expected first call to start a new upstream conversation, got %q", upstreamConvIDs[0])
	}
	if upstreamConvIDs[1] != "dify-conv-1" {
		t.Errorf("Expected second call to reuse dify-conv-1, got %q", upstreamConvIDs[1])
	}
}

func TestSendMessage_EmergencyBillingWhenNoUsage(t *testing.T) {
	mockDB := registeredUserDB()

	provider := blockingProvider(&upstream.ChatResult{
		Answer:  "hi there",
		RawBody: []byte(`{"answer": "hi there"}`),
	})

	service, ledger := newTestService(mockDB, provider)
	resp, err := service.SendMessage(Request{Message: "hello", UserID: testUser})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	outcome := resp.Metadata.Billing
	if !outcome.EmergencyFallback {
		t.Error("Expected emergency fallback billing")
	}
	// max(100, ceil(5/3)) = 100 tokens
	if outcome.Tokens != 100 {
		t.Errorf("Expected 100 synthesized tokens, got %d", outcome.Tokens)
	}
	if !outcome.Success {
		t.Error("Expected emergency billing to succeed")
	}

	// The first NO_TOKEN_DATA attempt and the emergency retry both land
	// in the ledger.
	snap := ledger.Snapshot()
	if snap.TotalCalls != 2 {
		t.Errorf("Expected 2 ledger entries, got %d", snap.TotalCalls)
	}
	if snap.FailedCalls != 1 || snap.SuccessfulCalls != 1 {
		t.Errorf("Expected 1 failed and 1 successful entry, got %+v", snap)
	}
	if snap.EmergencyFallbacks != 1 {
		t.Errorf("Expected 1 emergency fallback, got %d", snap.EmergencyFallbacks)
	}
}

func TestSendMessage_UpstreamFailurePropagates(t *testing.T) {
	mockDB := registeredUserDB()

	added := false
	mockDB.AddMessageFunc = func(conversationID, role, content, difyMessageID string, tokenUsage *int) (*db.Message, error) {
		added = true
		return &db.Message{}, nil
	}

	provider := &testutil.MockProvider{
		ChatBlockingFunc: func(req upstream.ChatRequest) (*upstream.ChatResult, error) {
			return nil, &httpclient.CallError{Kind: httpclient.FailureTimeout, Message: "deadline exceeded"}
		},
	}

	service, ledger := newTestService(mockDB, provider)
	_, err := service.SendMessage(Request{Message: "hello", UserID: testUser})
	if err == nil {
		t.Fatal("Expected an error")
	}

	if added {
		t.Error("Expected no persistence on upstream failure")
	}
	if ledger.Snapshot().TotalCalls != 0 {
		t.Error("Expected no billing on upstream failure")
	}
}

func TestSendMessage_PersistenceFailureDoesNotFail(t *testing.T) {
	mockDB := registeredUserDB()
	mockDB.AddMessageFunc = func(conversationID, role, content, difyMessageID string, tokenUsage *int) (*db.Message, error) {
		return nil, errors.New("connection reset")
	}

	provider := blockingProvider(&upstream.ChatResult{
		Answer:  "hi",
		RawBody: []byte(`{"metadata": {"usage": {"total_tokens": 10}}}`),
	})

	service, _ := newTestService(mockDB, provider)
	resp, err := service.SendMessage(Request{Message: "hello", UserID: testUser})
	if err != nil {
		t.Fatalf("Expected no error despite storage failure, got %v", err)
	}
	if resp.Answer != "hi" {
		t.Errorf("Expected the answer to survive storage failure, got %s", resp.Answer)
	}
}

func TestStreamMessage(t *testing.T) {
	mockDB := registeredUserDB()

	var persisted []db.Message
	mockDB.AddMessageFunc = func(conversationID, role, content, difyMessageID string, tokenUsage *int) (*db.Message, error) {
		persisted = append(persisted, db.Message{Role: role, Content: content, DifyMessageID: difyMessageID, TokenUsage: tokenUsage})
		return &db.Message{}, nil
	}

	provider := &testutil.MockProvider{
		ChatStreamFunc: func(req upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
			events := make(chan upstream.StreamEvent, 3)
			events <- upstream.StreamEvent{Event: upstream.EventMessage, Answer: "hel", ConversationID: "dify-conv-1"}
			events <- upstream.StreamEvent{Event: upstream.EventMessage, Answer: "lo"}
			events <- upstream.StreamEvent{
				Event:     upstream.EventMessageEnd,
				MessageID: "msg-1",
				RawEvent:  []byte(`{"event": "message_end", "metadata": {"usage": {"total_tokens": 42, "total_price": "0.0001"}}}`),
			}
			close(events)
			return events, nil
		},
	}

	service, ledger := newTestService(mockDB, provider)
	convID, events, err := service.StreamMessage(Request{Message: "hello", UserID: testUser})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if convID == "" {
		t.Error("Expected a generated conversation id")
	}

	var count int
	for range events {
		count++
	}
	if count != 3 {
		t.Errorf("Expected 3 forwarded events, got %d", count)
	}

	// The channel closes only after billing and persistence finished
	snap := ledger.Snapshot()
	if snap.TotalCalls != 1 || snap.SuccessfulCalls != 1 {
		t.Errorf("Expected 1 successful billing call, got %+v", snap)
	}

	if len(persisted) != 2 {
		t.Fatalf("Expected 2 persisted messages, got %d", len(persisted))
	}
	if persisted[1].Role != db.RoleAssistant || persisted[1].Content != "hello" {
		t.Errorf("Expected assembled assistant answer 'hello', got %+v", persisted[1])
	}
	if persisted[1].TokenUsage == nil || *persisted[1].TokenUsage != 42 {
		t.Error("Expected assistant message to carry token usage 42")
	}
	if persisted[1].DifyMessageID != "msg-1" {
		t.Errorf("Expected provider message id msg-1, got %s", persisted[1].DifyMessageID)
	}
}

func TestStreamMessage_NoEndEventStillBills(t *testing.T) {
	mockDB := registeredUserDB()

	provider := &testutil.MockProvider{
		ChatStreamFunc: func(req upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
			events := make(chan upstream.StreamEvent, 1)
			events <- upstream.StreamEvent{Event: upstream.EventMessage, Answer: "partial"}
			close(events)
			return events, nil
		},
	}

	service, ledger := newTestService(mockDB, provider)
	_, events, err := service.StreamMessage(Request{Message: "hello", UserID: testUser})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	for range events {
	}

	snap := ledger.Snapshot()
	if snap.EmergencyFallbacks != 1 {
		t.Errorf("Expected the emergency path for a stream without usage, got %+v", snap)
	}
}

func TestUserFacingMessage(t *testing.T) {
	status, msg := UserFacingMessage(&httpclient.CallError{Kind: httpclient.FailureTimeout})
	if status != http.StatusGatewayTimeout || msg == "" {
		t.Errorf("Unexpected timeout mapping: %d %q", status, msg)
	}

	status, _ = UserFacingMessage(&httpclient.CallError{Kind: httpclient.FailureConnectivity})
	if status != http.StatusBadGateway {
		t.Errorf("Unexpected connectivity mapping: %d", status)
	}

	status, msg = UserFacingMessage(&httpclient.CallError{Kind: httpclient.FailureClient, StatusCode: 401})
	if status != http.StatusBadGateway {
		t.Errorf("Unexpected client-rejection mapping: %d", status)
	}
	if msg == "" {
		t.Error("Expected a user-readable message")
	}

	status, _ = UserFacingMessage(errors.New("something else"))
	if status != http.StatusBadGateway {
		t.Errorf("Unexpected generic mapping: %d", status)
	}
}
