package domain

import "time"

// Subscription tiers record how an entitlement was obtained. The tier is a
// provenance label only; access is decided by the active flag and expiry.
const (
	TierFree         = "free"
	TierMonthly      = "monthly"
	TierAdmin        = "admin"
	TierAdminForever = "admin_forever"
	TierAdminBulk    = "admin_bulk"
	TierReferral     = "referral"
	TierChannelBonus = "giftboom_bonus"
)

// Withdrawal request states. Transitions are one-way: pending to approved or
// pending to rejected.
const (
	WithdrawalPending  = "pending"
	WithdrawalApproved = "approved"
	WithdrawalRejected = "rejected"
)

// UserAccount is the per-user record holding subscription state and the
// referral-earnings ledger. Accounts are created on first interaction and
// never deleted.
type UserAccount struct {
	UserID    int64     `bson:"user_id" json:"user_id"`
	FirstName string    `bson:"first_name" json:"first_name"`
	LastName  string    `bson:"last_name,omitempty" json:"last_name,omitempty"`
	Username  string    `bson:"username,omitempty" json:"username,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
	LastSeen  time.Time `bson:"last_seen_at" json:"last_seen_at"`

	SubscriptionActive  bool      `bson:"subscription_active" json:"subscription_active"`
	SubscriptionExpires time.Time `bson:"subscription_expires,omitempty" json:"subscription_expires,omitempty"`
	SubscriptionTier    string    `bson:"subscription_tier" json:"subscription_tier"`

	IsAdmin          bool `bson:"is_admin" json:"is_admin"`
	TrialUsed        bool `bson:"trial_used" json:"trial_used"`
	ChannelBonusUsed bool `bson:"channel_bonus_used" json:"channel_bonus_used"`

	// ReferredBy is the inviter's user id, zero when the account was not
	// referred. Set at most once.
	ReferredBy    int64 `bson:"referred_by" json:"referred_by"`
	ReferralCount int64 `bson:"referral_count" json:"referral_count"`

	EarnedStars        int64               `bson:"earned_stars" json:"earned_stars"`
	PendingWithdrawal  int64               `bson:"pending_withdrawal" json:"pending_withdrawal"`
	TotalWithdrawn     int64               `bson:"total_withdrawn" json:"total_withdrawn"`
	WithdrawalRequests []WithdrawalRequest `bson:"withdrawal_requests,omitempty" json:"withdrawal_requests,omitempty"`
}

// HasExpiry reports whether an expiry instant was ever set on the account.
func (a UserAccount) HasExpiry() bool {
	return !a.SubscriptionExpires.IsZero()
}

// WithdrawalRequest is a single entry in an account's withdrawal history.
// Requests are appended once and mutated in place only to settle their status.
type WithdrawalRequest struct {
	ID          string    `bson:"id" json:"id"`
	UserID      int64     `bson:"user_id" json:"user_id"`
	Amount      int64     `bson:"amount" json:"amount"`
	Status      string    `bson:"status" json:"status"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	ProcessedAt time.Time `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
	ProcessedBy int64     `bson:"processed_by,omitempty" json:"processed_by,omitempty"`
}
