// Package account provides helpers for account registration and lifecycle
// updates driven by incoming interactions.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_business_monitor_bot/internal/domain"
	"tg_business_monitor_bot/internal/logging"
)

type accountCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Identity carries the profile fields Telegram sends with each interaction.
type Identity struct {
	FirstName string
	LastName  string
	Username  string
}

// Registrar ensures accounts are present in the database with every ledger
// field seeded, and keeps their last-seen timestamp and profile fields updated
// on every interaction.
type Registrar struct {
	accounts accountCollection
	logger   *logrus.Entry
}

// NewRegistrar constructs a Registrar for the provided accounts collection.
func NewRegistrar(accounts accountCollection, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		accounts: accounts,
		logger:   logger,
	}
}

// EnsureAccount upserts the account record, seeding subscription and referral
// fields on first sight and refreshing last_seen_at/profile on every call.
func (r *Registrar) EnsureAccount(ctx context.Context, userID int64, identity Identity) (bool, error) {
	if r == nil || r.accounts == nil {
		return false, errors.New("account registrar is not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}
	if userID == 0 {
		return false, errors.New("user id is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)

	setFields := bson.M{
		"updated_at":   now,
		"last_seen_at": now,
	}
	if name := strings.TrimSpace(identity.FirstName); name != "" {
		setFields["first_name"] = name
	}
	if name := strings.TrimSpace(identity.LastName); name != "" {
		setFields["last_name"] = name
	}
	if username := strings.TrimSpace(identity.Username); username != "" {
		setFields["username"] = username
	}

	update := bson.M{
		"$set": setFields,
		"$setOnInsert": bson.M{
			"user_id":             userID,
			"created_at":          now,
			"subscription_active": false,
			"subscription_tier":   domain.TierFree,
			"is_admin":            false,
			"trial_used":          false,
			"channel_bonus_used":  false,
			"referred_by":         int64(0),
			"referral_count":      0,
			"earned_stars":        int64(0),
			"pending_withdrawal":  int64(0),
			"total_withdrawn":     int64(0),
			"withdrawal_requests": bson.A{},
		},
	}

	result, err := r.accounts.UpdateOne(ctx,
		bson.M{"user_id": userID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("ensure account: %w", err)
	}

	created := result != nil && result.UpsertedCount > 0
	if created {
		r.logger.WithFields(logging.Fields{
			"event":   "account_registered",
			"user_id": userID,
		}).Info("registered new account")
		return true, nil
	}

	r.logger.WithFields(logging.Fields{
		"event":   "account_seen",
		"user_id": userID,
	}).Debug("updated account last seen")

	return false, nil
}
