package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram/bot/models"

	"tg_business_monitor_bot/internal/logging"
	"tg_business_monitor_bot/internal/monitor"
)

func (c *Client) handleBusinessConnection(ctx context.Context, s sender, conn *models.BusinessConnection) {
	ownerID := conn.User.ID
	if conn.ID == "" || ownerID == 0 {
		return
	}

	c.setConnOwner(conn.ID, ownerID)
	c.ensureAccount(ctx, &conn.User)

	c.logger.WithFields(logging.Fields{
		"event":         "business_connection",
		"connection_id": conn.ID,
		"owner_id":      ownerID,
		"enabled":       conn.IsEnabled,
	}).Info("business connection update")

	if conn.IsEnabled {
		c.reply(ctx, s, ownerID,
			"Business account connected. I will archive your chats and alert you about edited or deleted messages.")
	}
}

func (c *Client) handleBusinessMessage(ctx context.Context, msg *models.Message) {
	if c.archive == nil || c.subscriptions == nil {
		return
	}

	ownerID := c.connOwner(msg.BusinessConnectionID)
	if ownerID == 0 {
		c.logger.WithFields(logging.Fields{
			"event":         "business_message_orphan",
			"connection_id": msg.BusinessConnectionID,
		}).Debug("business message for unknown connection")
		return
	}

	// Monitoring is the paid feature: no access, no archive.
	if !c.subscriptions.CheckAccess(ctx, ownerID) {
		return
	}

	if err := c.archive.Record(ctx, monitor.ArchivedMessage{
		ChatID:               msg.Chat.ID,
		MessageID:            msg.ID,
		BusinessConnectionID: msg.BusinessConnectionID,
		OwnerID:              ownerID,
		SenderID:             userID(msg.From),
		SenderName:           displayName(msg.From),
		Text:                 msg.Text,
		SentAt:               time.Unix(int64(msg.Date), 0).UTC(),
	}); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":      "business_message_archive_failed",
			"chat_id":    msg.Chat.ID,
			"message_id": msg.ID,
		}).WithError(err).Warn("failed to archive business message")
	}
}

func (c *Client) handleEditedBusinessMessage(ctx context.Context, s sender, msg *models.Message) {
	if c.archive == nil {
		return
	}

	previous, err := c.archive.RecordEdit(ctx, msg.Chat.ID, msg.ID, msg.Text)
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":      "business_edit_archive_failed",
			"chat_id":    msg.Chat.ID,
			"message_id": msg.ID,
		}).WithError(err).Warn("failed to archive business message edit")
		return
	}
	if previous == nil {
		return
	}

	// The owner edited their own message; nothing to report.
	if previous.OwnerID == 0 || userID(msg.From) == previous.OwnerID {
		return
	}

	c.reply(ctx, s, previous.OwnerID, fmt.Sprintf(
		"✏️ %s edited a message:\n\nWas: %s\nNow: %s",
		senderLabel(previous), previous.Text, msg.Text))
}

func (c *Client) handleDeletedBusinessMessages(ctx context.Context, s sender, deleted *models.BusinessMessagesDeleted) {
	if c.archive == nil {
		return
	}

	archived, err := c.archive.MarkDeleted(ctx, deleted.Chat.ID, deleted.MessageIDs)
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "business_delete_archive_failed",
			"chat_id": deleted.Chat.ID,
		}).WithError(err).Warn("failed to archive business message deletion")
		return
	}

	for _, msg := range archived {
		if msg.OwnerID == 0 || msg.SenderID == msg.OwnerID {
			continue
		}

		c.reply(ctx, s, msg.OwnerID, fmt.Sprintf(
			"🗑 %s deleted a message:\n\n%s", senderLabel(&msg), msg.Text))
	}
}

func senderLabel(msg *monitor.ArchivedMessage) string {
	if msg == nil || msg.SenderName == "" {
		return "The other side"
	}
	return msg.SenderName
}
