package conversation

import (
	"dify-gateway/internal/repository/db"
	"dify-gateway/internal/testutil"
	"errors"
	"testing"
)

func TestEnsureExists_AlreadyKnownByProviderID(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	mockDB.GetConversationByDifyIDFunc = func(difyID string) (*db.Conversation, error) {
		return &db.Conversation{ID: "local-1"}, nil
	}

	registry := NewRegistry(mockDB)
	if !registry.EnsureExists("conv-1", "dify-abc", "user-1") {
		t.Error("Expected conversation to be reported as existing")
	}
}

func TestEnsureExists_PatchesMissingProviderID(t *testing.T) {
	var patchedID, patchedDifyID string
	mockDB := &testutil.MockDatabase{}
	mockDB.GetConversationByDifyIDFunc = func(difyID string) (*db.Conversation, error) {
		return nil, db.ErrNotFound
	}
	mockDB.GetConversationFunc = func(id string) (*db.Conversation, error) {
		return &db.Conversation{ID: id}, nil
	}
	mockDB.SetConversationDifyIDFunc = func(id, difyID string) error {
		patchedID = id
		patchedDifyID = difyID
		return nil
	}

	registry := NewRegistry(mockDB)
	if !registry.EnsureExists("conv-1", "dify-abc", "") {
		t.Error("Expected conversation to be reported as existing")
	}
	if patchedID != "conv-1" || patchedDifyID != "dify-abc" {
		t.Errorf("Expected provider id patch for conv-1/dify-abc, got %s/%s", patchedID, patchedDifyID)
	}
}

func TestEnsureExists_InsertsWithKnownOwner(t *testing.T) {
	var insertedOwner *string
	mockDB := &testutil.MockDatabase{}
	mockDB.GetConversationFunc = func(id string) (*db.Conversation, error) {
		return nil, db.ErrNotFound
	}
	mockDB.UserExistsFunc = func(id string) (bool, error) {
		return true, nil
	}
	mockDB.InsertConversationFunc = func(id string, difyID *string, userID *string) error {
		insertedOwner = userID
		return nil
	}

	registry := NewRegistry(mockDB)
	if !registry.EnsureExists("conv-1", "", "user-1") {
		t.Error("Expected insert to succeed")
	}
	if insertedOwner == nil || *insertedOwner != "user-1" {
		t.Error("Expected conversation to be inserted with its owner")
	}
}

func TestEnsureExists_UnknownUserInsertsWithoutOwner(t *testing.T) {
	var insertedOwner *string
	inserted := false
	mockDB := &testutil.MockDatabase{}
	mockDB.GetConversationFunc = func(id string) (*db.Conversation, error) {
		return nil, db.ErrNotFound
	}
	mockDB.UserExistsFunc = func(id string) (bool, error) {
		return false, nil
	}
	mockDB.InsertConversationFunc = func(id string, difyID *string, userID *string) error {
		inserted = true
		insertedOwner = userID
		return nil
	}

	registry := NewRegistry(mockDB)
	if !registry.EnsureExists("conv-1", "", "ghost-user") {
		t.Error("Expected insert to succeed")
	}
	if !inserted {
		t.Error("Expected conversation to be inserted")
	}
	if insertedOwner != nil {
		t.Error("Expected conversation to be inserted without an owner")
	}
}

func TestEnsureExists_RetriesWithoutOwnerOnForeignKeyViolation(t *testing.T) {
	var attempts []*string
	mockDB := &testutil.MockDatabase{}
	mockDB.GetConversationFunc = func(id string) (*db.Conversation, error) {
		return nil, db.ErrNotFound
	}
	mockDB.UserExistsFunc = func(id string) (bool, error) {
		return true, nil
	}
	mockDB.InsertConversationFunc = func(id string, difyID *string, userID *string) error {
		attempts = append(attempts, userID)
		if userID != nil {
			return db.ErrForeignKeyViolation
		}
		return nil
	}

	registry := NewRegistry(mockDB)
	if !registry.EnsureExists("conv-1", "", "user-1") {
		t.Error("Expected retry without owner to succeed")
	}
	if len(attempts) != 2 {
		t.Fatalf("Expected 2 insert attempts, got %d", len(attempts))
	}
	if attempts[0] == nil || attempts[1] != nil {
		t.Error("Expected first attempt with owner and second without")
	}
}

func TestEnsureExists_InsertFailureSwallowed(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	mockDB.GetConversationFunc = func(id string) (*db.Conversation, error) {
		return nil, db.ErrNotFound
	}
	mockDB.InsertConversationFunc = func(id string, difyID *string, userID *string) error {
		return errors.New("connection reset")
	}

	registry := NewRegistry(mockDB)
	if registry.EnsureExists("conv-1", "", "") {
		t.Error("Expected failed insert to report false")
	}
}

func TestEnsureExists_NoStore(t *testing.T) {
	registry := NewRegistry(nil)
	if registry.EnsureExists("conv-1", "dify-abc", "user-1") {
		t.Error("Expected false without a datastore")
	}
}
