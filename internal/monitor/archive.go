// Package monitor persists copies of business messages so the bot can
// resurface original content when a counterpart edits or deletes it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_business_monitor_bot/internal/logging"
)

// Edit captures the previous text of a message at the moment it was edited.
type Edit struct {
	OldText  string    `bson:"old_text" json:"old_text"`
	EditedAt time.Time `bson:"edited_at" json:"edited_at"`
}

// ArchivedMessage is the stored copy of a business message.
type ArchivedMessage struct {
	ChatID               int64     `bson:"chat_id" json:"chat_id"`
	MessageID            int       `bson:"message_id" json:"message_id"`
	BusinessConnectionID string    `bson:"business_connection_id" json:"business_connection_id"`
	OwnerID              int64     `bson:"owner_id" json:"owner_id"`
	SenderID             int64     `bson:"sender_id" json:"sender_id"`
	SenderName           string    `bson:"sender_name" json:"sender_name"`
	Text                 string    `bson:"text" json:"text"`
	SentAt               time.Time `bson:"sent_at" json:"sent_at"`
	Edits                []Edit    `bson:"edits,omitempty" json:"edits,omitempty"`
	Deleted              bool      `bson:"deleted" json:"deleted"`
	DeletedAt            time.Time `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
}

type messageCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Archive records business messages and tracks their edit and delete history.
type Archive struct {
	messages messageCollection
	logger   *logrus.Entry
	now      func() time.Time
}

// NewArchive constructs an Archive backed by the provided messages collection.
func NewArchive(messages messageCollection, logger *logrus.Entry) *Archive {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Archive{
		messages: messages,
		logger:   logger,
		now:      time.Now,
	}
}

func (a *Archive) ready(ctx context.Context) error {
	if a == nil || a.messages == nil {
		return errors.New("message archive is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

// Record stores a copy of an incoming business message. Re-delivery of the
// same chat/message pair refreshes the text but keeps the original metadata.
func (a *Archive) Record(ctx context.Context, msg ArchivedMessage) error {
	if err := a.ready(ctx); err != nil {
		return err
	}
	if msg.ChatID == 0 || msg.MessageID == 0 {
		return errors.New("chat id and message id are required")
	}

	update := bson.M{
		"$set": bson.M{"text": msg.Text},
		"$setOnInsert": bson.M{
			"chat_id":                msg.ChatID,
			"message_id":             msg.MessageID,
			"business_connection_id": msg.BusinessConnectionID,
			"owner_id":               msg.OwnerID,
			"sender_id":              msg.SenderID,
			"sender_name":            msg.SenderName,
			"sent_at":                msg.SentAt.UTC().Truncate(time.Millisecond),
			"deleted":                false,
		},
	}

	result, err := a.messages.UpdateOne(ctx,
		bson.M{"chat_id": msg.ChatID, "message_id": msg.MessageID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}

	if result != nil && result.UpsertedCount > 0 {
		a.logger.WithFields(logging.Fields{
			"event":      "message_recorded",
			"chat_id":    msg.ChatID,
			"message_id": msg.MessageID,
			"owner_id":   msg.OwnerID,
		}).Debug("archived business message")
	}

	return nil
}

// RecordEdit appends an edit entry preserving the previous text and replaces
// the stored text with the new one. It returns the record as it was before the
// edit so callers can notify the owner with the original content.
func (a *Archive) RecordEdit(ctx context.Context, chatID int64, messageID int, newText string) (*ArchivedMessage, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}

	filter := bson.M{"chat_id": chatID, "message_id": messageID}

	var previous ArchivedMessage
	if err := a.messages.FindOne(ctx, filter).Decode(&previous); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("load message for edit: %w", err)
	}

	editedAt := a.now().UTC().Truncate(time.Millisecond)

	update := bson.M{
		"$set":  bson.M{"text": newText},
		"$push": bson.M{"edits": Edit{OldText: previous.Text, EditedAt: editedAt}},
	}

	if _, err := a.messages.UpdateOne(ctx, filter, update); err != nil {
		return nil, fmt.Errorf("record edit: %w", err)
	}

	a.logger.WithFields(logging.Fields{
		"event":      "message_edited",
		"chat_id":    chatID,
		"message_id": messageID,
	}).Debug("archived message edit")

	return &previous, nil
}

// MarkDeleted flags the given messages as deleted and returns the archived
// copies so callers can notify the owner with the removed content. Messages
// the archive never saw are skipped.
func (a *Archive) MarkDeleted(ctx context.Context, chatID int64, messageIDs []int) ([]ArchivedMessage, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	if len(messageIDs) == 0 {
		return nil, nil
	}

	filter := bson.M{
		"chat_id":    chatID,
		"message_id": bson.M{"$in": messageIDs},
		"deleted":    false,
	}

	cursor, err := a.messages.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "message_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find deleted messages: %w", err)
	}

	var archived []ArchivedMessage
	if err := cursor.All(ctx, &archived); err != nil {
		return nil, fmt.Errorf("decode deleted messages: %w", err)
	}

	deletedAt := a.now().UTC().Truncate(time.Millisecond)

	if _, err := a.messages.UpdateMany(ctx, filter, bson.M{
		"$set": bson.M{"deleted": true, "deleted_at": deletedAt},
	}); err != nil {
		return nil, fmt.Errorf("mark messages deleted: %w", err)
	}

	a.logger.WithFields(logging.Fields{
		"event":   "messages_deleted",
		"chat_id": chatID,
		"count":   len(archived),
	}).Debug("archived message deletions")

	return archived, nil
}
