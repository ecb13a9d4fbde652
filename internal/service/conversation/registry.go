package conversation

import (
	"dify-gateway/internal/logger"
	"dify-gateway/internal/repository/db"
	"errors"

	"github.com/sirupsen/logrus"
)

// Registry makes sure a conversation row exists before messages are
// attached to it. Registration is best effort: persistence problems are
// logged and swallowed so they never fail a chat request.
type Registry struct {
	db db.Database
}

// NewRegistry creates a Registry backed by the given datastore.
func NewRegistry(database db.Database) *Registry {
	return &Registry{db: database}
}

// EnsureExists upserts the conversation identified by conversationID,
// associating the provider's conversation id and the owning user when
// known. It returns true when the row exists afterwards.
func (r *Registry) EnsureExists(conversationID, difyConversationID, userID string) bool {
	if r.db == nil || conversationID == "" {
		return false
	}

	log := logger.Log.WithFields(logrus.Fields{
		"conversation_id":      conversationID,
		"dify_conversation_id": difyConversationID,
	})

	// A row keyed by the provider's conversation id already covers this
	// conversation, whatever local id the client used.
	if difyConversationID != "" {
		if _, err := r.db.GetConversationByDifyID(difyConversationID); err == nil {
			return true
		} else if !errors.Is(err, db.ErrNotFound) {
			log.WithError(err).Warn("Conversation lookup by provider id failed")
		}
	}

	existing, err := r.db.GetConversation(conversationID)
	if err == nil {
		if difyConversationID != "" && (existing.DifyConversationID == nil || *existing.DifyConversationID == "") {
			if err := r.db.SetConversationDifyID(conversationID, difyConversationID); err != nil {
				log.WithError(err).Warn("Failed to attach provider conversation id")
			}
		}
		return true
	}
	if !errors.Is(err, db.ErrNotFound) {
		log.WithError(err).Warn("Conversation lookup failed")
		return false
	}

	return r.insert(conversationID, difyConversationID, userID, log)
}

func (r *Registry) insert(conversationID, difyConversationID, userID string, log *logrus.Entry) bool {
	var difyID *string
	if difyConversationID != "" {
		difyID = &difyConversationID
	}

	var owner *string
	if userID != "" {
		exists, err := r.db.UserExists(userID)
		if err != nil {
			log.WithError(err).Warn("User existence check failed, inserting conversation without owner")
		} else if exists {
			owner = &userID
		}
	}

	err := r.db.InsertConversation(conversationID, difyID, owner)
	if errors.Is(err, db.ErrForeignKeyViolation) && owner != nil {
		// The user disappeared between the check and the insert; an
		// unowned conversation still lets messages persist.
		log.Warn("Conversation owner rejected, retrying without owner")
		err = r.db.InsertConversation(conversationID, difyID, nil)
	}
	if err != nil {
		log.WithError(err).Error("Failed to register conversation")
		return false
	}

	log.Info("Conversation registered")
	return true
}
