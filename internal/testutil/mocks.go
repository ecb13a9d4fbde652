package testutil

import (
	"dify-gateway/internal/repository/db"
	"dify-gateway/internal/upstream"
	"errors"
)

// MockDatabase is a mock implementation of db.Database for testing
type MockDatabase struct {
	// User mocks
	GetUserFunc           func(id string) (*db.User, error)
	CreateUserFunc        func(id string, balance int) (*db.User, error)
	UpdateUserBalanceFunc func(id string, balance int) error
	UserExistsFunc        func(id string) (bool, error)

	// Conversation mocks
	GetConversationFunc         func(id string) (*db.Conversation, error)
	GetConversationByDifyIDFunc func(difyID string) (*db.Conversation, error)
	GetConversationsByUserFunc  func(userID string) ([]db.Conversation, error)
	InsertConversationFunc      func(id string, difyID *string, userID *string) error
	SetConversationDifyIDFunc   func(id, difyID string) error

	// Message mocks
	AddMessageFunc              func(conversationID, role, content, difyMessageID string, tokenUsage *int) (*db.Message, error)
	GetRecentMessagesFunc       func(conversationID string, limit int) ([]db.Message, error)
	GetConversationMessagesFunc func(conversationID string) ([]db.Message, error)
}

var _ db.Database = (*MockDatabase)(nil)

// User methods
func (m *MockDatabase) GetUser(id string) (*db.User, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(id)
	}
	return nil, errors.New("not implemented")
}

func (m *MockDatabase) CreateUser(id string, balance int) (*db.User, error) {
	if m.CreateUserFunc != nil {
		return m.CreateUserFunc(id, balance)
	}
	return nil, errors.New("not implemented")
}

func (m *MockDatabase) UpdateUserBalance(id string, balance int) error {
	if m.UpdateUserBalanceFunc != nil {
		return m.UpdateUserBalanceFunc(id, balance)
	}
	return errors.New("not implemented")
}

func (m *MockDatabase) UserExists(id string) (bool, error) {
	if m.UserExistsFunc != nil {
		return m.UserExistsFunc(id)
	}
	return false, errors.New("not implemented")
}

// Conversation methods
func (m *MockDatabase) GetConversation(id string) (*db.Conversation, error) {
	if m.GetConversationFunc != nil {
		return m.GetConversationFunc(id)
	}
	return nil, errors.New("not implemented")
}

func (m *MockDatabase) GetConversationByDifyID(difyID string) (*db.Conversation, error) {
	if m.GetConversationByDifyIDFunc != nil {
		return m.GetConversationByDifyIDFunc(difyID)
	}
	return nil, errors.New("not implemented")
}

func (m *MockDatabase) GetConversationsByUser(userID string) ([]db.Conversation, error) {
	if m.GetConversationsByUserFunc != nil {
		return m.GetConversationsByUserFunc(userID)
	}
	return nil, errors.New("not implemented")
}

func (m *MockDatabase) InsertConversation(id string, difyID *string, userID *string) error {
	if m.InsertConversationFunc != nil {
		return m.InsertConversationFunc(id, difyID, userID)
	}
	return errors.New("not implemented")
}

func (m *MockDatabase) SetConversationDifyID(id, difyID string) error {
	if m.SetConversationDifyIDFunc != nil {
		return m.SetConversationDifyIDFunc(id, difyID)
	}
	return errors.New("not implemented")
}

// Message methods
func (m *MockDatabase) AddMessage(conversationID, role, content, difyMessageID string, tokenUsage *int) (*db.Message, error) {
	if m.AddMessageFunc != nil {
		return m.AddMessageFunc(conversationID, role, content, difyMessageID, tokenUsage)
	}
	return nil, errors.New("not implemented")
}

func (m *MockDatabase) GetRecentMessages(conversationID string, limit int) ([]db.Message, error) {
	if m.GetRecentMessagesFunc != nil {
		return m.GetRecentMessagesFunc(conversationID, limit)
	}
	return nil, errors.New("not implemented")
}

func (m *MockDatabase) GetConversationMessages(conversationID string) ([]db.Message, error) {
	if m.GetConversationMessagesFunc != nil {
		return m.GetConversationMessagesFunc(conversationID)
	}
	return nil, errors.New("not implemented")
}

// MockProvider is a mock implementation of upstream.Provider for testing
type MockProvider struct {
	ChatBlockingFunc func(req upstream.ChatRequest) (*upstream.ChatResult, error)
	ChatStreamFunc   func(req upstream.ChatRequest) (<-chan upstream.StreamEvent, error)
}

var _ upstream.Provider = (*MockProvider)(nil)

func (m *MockProvider) ChatBlocking(req upstream.ChatRequest) (*upstream.ChatResult, error) {
	if m.ChatBlockingFunc != nil {
		return m.ChatBlockingFunc(req)
	}
	return nil, errors.New("not implemented")
}

func (m *MockProvider) ChatStream(req upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
	if m.ChatStreamFunc != nil {
		return m.ChatStreamFunc(req)
	}
	return nil, errors.New("not implemented")
}
