// Package mainadmin provides startup helpers for ensuring the configured main
// admin exists in the database with the admin flag set.
package mainadmin

import (
	"context"
	"errors"
	"fmt"
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

// Registrar bootstraps the configured main admin record. Other admins are left
// untouched; the main admin is simply guaranteed to exist and carry the flag.
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

// EnsureMainAdmin upserts the configured main admin user_id with
// is_admin=true, seeding the ledger fields if the record does not exist yet.
func (r *Registrar) EnsureMainAdmin(ctx context.Context, adminID int64) error {
	if r == nil || r.accounts == nil {
		return errors.New("main admin registrar is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if adminID == 0 {
		return errors.New("admin id is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)

	result, err := r.accounts.UpdateOne(ctx,
		bson.M{"user_id": adminID},
		bson.M{
			"$set": bson.M{
				"is_admin":   true,
				"updated_at": now,
			},
			"$setOnInsert": bson.M{
				"user_id":             adminID,
				"created_at":          now,
				"subscription_active": false,
				"subscription_tier":   domain.TierFree,
				"trial_used":          false,
				"channel_bonus_used":  false,
				"referred_by":         int64(0),
				"referral_count":      0,
				"earned_stars":        int64(0),
				"pending_withdrawal":  int64(0),
				"total_withdrawn":     int64(0),
				"withdrawal_requests": bson.A{},
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("ensure main admin: %w", err)
	}

	r.logger.WithFields(logging.Fields{
		"event":    "main_admin_bootstrap",
		"admin_id": adminID,
		"matched":  matchedCount(result),
		"upserted": upsertedCount(result),
	}).Info("ensured main admin")

	return nil
}

func matchedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.MatchedCount
}

func upsertedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.UpsertedCount
}
