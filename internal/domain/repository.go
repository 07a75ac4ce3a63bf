package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// accountCollection captures the subset of mongo.Collection behavior the
// repository relies on, allowing lightweight stubbing in tests without a live
// Mongo deployment.
type accountCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
}

// AccountRepository persists and mutates user accounts in MongoDB. All ledger
// state changes go through the closed set of typed mutators below; there is
// deliberately no free-form field setter.
type AccountRepository struct {
	collection accountCollection
}

// NewAccountRepository constructs an AccountRepository.
func NewAccountRepository(collection accountCollection) *AccountRepository {
	return &AccountRepository{collection: collection}
}

func (r *AccountRepository) ready(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return errors.New("account repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

// GetByID fetches an account by Telegram user id. Returns ErrUserNotFound
// when no account exists.
func (r *AccountRepository) GetByID(ctx context.Context, userID int64) (UserAccount, error) {
	if err := r.ready(ctx); err != nil {
		return UserAccount{}, err
	}
	if userID == 0 {
		return UserAccount{}, errors.New("user id is required")
	}

	result := r.collection.FindOne(ctx, bson.M{"user_id": userID})
	if result == nil {
		return UserAccount{}, errors.New("find account returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return UserAccount{}, fmt.Errorf("account %d: %w", userID, ErrUserNotFound)
		}
		return UserAccount{}, fmt.Errorf("find account: %w", err)
	}

	var account UserAccount
	if err := result.Decode(&account); err != nil {
		return UserAccount{}, fmt.Errorf("decode account: %w", err)
	}

	return account, nil
}

// ListAll returns every account ordered by creation time descending.
func (r *AccountRepository) ListAll(ctx context.Context) ([]UserAccount, error) {
	return r.list(ctx, bson.M{})
}

// ListAdmins returns every account with the admin flag set.
func (r *AccountRepository) ListAdmins(ctx context.Context) ([]UserAccount, error) {
	return r.list(ctx, bson.M{"is_admin": true})
}

func (r *AccountRepository) list(ctx context.Context, filter bson.M) ([]UserAccount, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	cursor, err := r.collection.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find accounts: %w", err)
	}
	defer cursor.Close(ctx)

	var accounts []UserAccount
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}

	return accounts, nil
}

// ActivateSubscription sets the subscription fields on an account. The caller
// (the subscription ledger) is responsible for computing the expiry.
func (r *AccountRepository) ActivateSubscription(ctx context.Context, userID int64, expires time.Time, tier string) error {
	return r.updateExisting(ctx, userID, bson.M{
		"subscription_active":  true,
		"subscription_expires": expires,
		"subscription_tier":    tier,
	})
}

// DeactivateSubscription clears the active flag and resets the tier to free.
// The stored expiry is left untouched as an audit trail.
func (r *AccountRepository) DeactivateSubscription(ctx context.Context, userID int64) error {
	return r.updateExisting(ctx, userID, bson.M{
		"subscription_active": false,
		"subscription_tier":   TierFree,
	})
}

// SetAdmin flips the admin flag on an account.
func (r *AccountRepository) SetAdmin(ctx context.Context, userID int64, isAdmin bool) error {
	return r.updateExisting(ctx, userID, bson.M{"is_admin": isAdmin})
}

// MarkChannelBonusUsed records the one-time channel bonus as claimed.
func (r *AccountRepository) MarkChannelBonusUsed(ctx context.Context, userID int64) error {
	return r.updateExisting(ctx, userID, bson.M{"channel_bonus_used": true})
}

// SetReferredBy attributes an account to a referrer. First write wins: the
// filter only matches accounts with no referrer yet, so a second attribution
// attempt reports false without touching the stored value.
func (r *AccountRepository) SetReferredBy(ctx context.Context, userID, referrerID int64) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}
	if userID == 0 || referrerID == 0 {
		return false, errors.New("user id and referrer id are required")
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID, "referred_by": int64(0)},
		bson.M{"$set": bson.M{
			"referred_by": referrerID,
			"updated_at":  time.Now().UTC().Truncate(time.Millisecond),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("set referred_by: %w", err)
	}

	return result != nil && result.ModifiedCount > 0, nil
}

// IncrementReferralCount bumps an account's referral counter and returns the
// new value. The increment and read happen in one Mongo round trip so two
// concurrent signups cannot observe the same count.
func (r *AccountRepository) IncrementReferralCount(ctx context.Context, userID int64) (int64, error) {
	if err := r.ready(ctx); err != nil {
		return 0, err
	}
	if userID == 0 {
		return 0, errors.New("user id is required")
	}

	result := r.collection.FindOneAndUpdate(ctx,
		bson.M{"user_id": userID},
		bson.M{"$inc": bson.M{"referral_count": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	if result == nil {
		return 0, errors.New("increment referral count returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, fmt.Errorf("account %d: %w", userID, ErrUserNotFound)
		}
		return 0, fmt.Errorf("increment referral count: %w", err)
	}

	var account UserAccount
	if err := result.Decode(&account); err != nil {
		return 0, fmt.Errorf("decode account: %w", err)
	}

	return account.ReferralCount, nil
}

// CreditEarnings adds referral earnings to an account's spendable balance.
func (r *AccountRepository) CreditEarnings(ctx context.Context, userID, amount int64) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	if userID == 0 {
		return errors.New("user id is required")
	}
	if amount <= 0 {
		return errors.New("credit amount must be positive")
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$inc": bson.M{"earned_stars": amount},
			"$set": bson.M{"updated_at": time.Now().UTC().Truncate(time.Millisecond)},
		},
	)
	if err != nil {
		return fmt.Errorf("credit earnings: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return fmt.Errorf("account %d: %w", userID, ErrUserNotFound)
	}

	return nil
}

// ApplyWithdrawalState replaces the withdrawal-related fields of an account in
// a single write. The referral ledger computes the new balances under the
// per-account lock and persists them here.
func (r *AccountRepository) ApplyWithdrawalState(ctx context.Context, userID, earned, pending, total int64, requests []WithdrawalRequest) error {
	if earned < 0 || pending < 0 || total < 0 {
		return errors.New("ledger balances must be non-negative")
	}

	return r.updateExisting(ctx, userID, bson.M{
		"earned_stars":        earned,
		"pending_withdrawal":  pending,
		"total_withdrawn":     total,
		"withdrawal_requests": requests,
	})
}

func (r *AccountRepository) updateExisting(ctx context.Context, userID int64, fields bson.M) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	if userID == 0 {
		return errors.New("user id is required")
	}

	fields["updated_at"] = time.Now().UTC().Truncate(time.Millisecond)

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": fields},
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return fmt.Errorf("account %d: %w", userID, ErrUserNotFound)
	}

	return nil
}
