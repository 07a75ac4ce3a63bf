// Package subscription implements the ledger that grants, extends, and
// evaluates time-boxed access entitlements.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tg_business_monitor_bot/internal/domain"
	"tg_business_monitor_bot/internal/keyedmutex"
	"tg_business_monitor_bot/internal/logging"
)

const (
	// PerpetualDays is the sentinel grant length for a lifetime entitlement.
	PerpetualDays = -1

	// perpetualSpanDays keeps "perpetual" finite so expiry arithmetic and
	// storage stay uniform.
	perpetualSpanDays = 36500

	channelBonusDays = 7

	day = 24 * time.Hour
)

// accountStore is the slice of the account repository the ledger needs.
type accountStore interface {
	GetByID(ctx context.Context, userID int64) (domain.UserAccount, error)
	ActivateSubscription(ctx context.Context, userID int64, expires time.Time, tier string) error
	DeactivateSubscription(ctx context.Context, userID int64) error
	MarkChannelBonusUsed(ctx context.Context, userID int64) error
	ListAll(ctx context.Context) ([]domain.UserAccount, error)
}

// Ledger is the single authority over subscription state. Every grant path
// (purchase, admin, referral bonus, channel bonus) funnels through it.
type Ledger struct {
	accounts accountStore
	locks    *keyedmutex.Mutex
	logger   *logrus.Entry
	now      func() time.Time
}

// NewLedger constructs a subscription ledger. The keyed mutex serializes
// operations per account and is shared with the referral ledger.
func NewLedger(accounts accountStore, locks *keyedmutex.Mutex, logger *logrus.Entry) *Ledger {
	if locks == nil {
		locks = keyedmutex.New()
	}
	if logger == nil {
		logger = logging.Logger()
	}

	return &Ledger{
		accounts: accounts,
		locks:    locks,
		logger:   logger,
		now:      time.Now,
	}
}

// Grant activates or extends an entitlement. days == PerpetualDays grants 100
// years. When the account holds an active, unexpired entitlement the grant
// stacks on top of the current expiry; otherwise it starts from now. The tier
// is overwritten, not merged. Returns the new expiry.
func (l *Ledger) Grant(ctx context.Context, userID int64, days int, tier string) (time.Time, error) {
	if l == nil || l.accounts == nil {
		return time.Time{}, errors.New("subscription ledger is not initialized")
	}
	if ctx == nil {
		return time.Time{}, errors.New("context is required")
	}
	if days == 0 || (days < 0 && days != PerpetualDays) {
		return time.Time{}, fmt.Errorf("invalid grant length %d", days)
	}

	l.locks.Lock(userID)
	defer l.locks.Unlock(userID)

	account, err := l.accounts.GetByID(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("grant entitlement: %w", err)
	}

	return l.grantLocked(ctx, account, days, tier)
}

// grantLocked applies a grant to an already-fetched account. The caller must
// hold the account's lock.
func (l *Ledger) grantLocked(ctx context.Context, account domain.UserAccount, days int, tier string) (time.Time, error) {
	now := l.now()

	var expires time.Time
	switch {
	case days == PerpetualDays:
		expires = now.Add(perpetualSpanDays * day)
	case account.SubscriptionActive && account.SubscriptionExpires.After(now):
		expires = account.SubscriptionExpires.Add(time.Duration(days) * day)
	default:
		expires = now.Add(time.Duration(days) * day)
	}

	if err := l.accounts.ActivateSubscription(ctx, account.UserID, expires, tier); err != nil {
		return time.Time{}, fmt.Errorf("grant entitlement: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"event":   "subscription_granted",
		"user_id": account.UserID,
		"days":    days,
		"tier":    tier,
		"expires": expires,
	}).Info("subscription granted")

	return expires, nil
}

// CheckAccess reports whether the user may use gated features. Admins always
// pass. An entitlement whose expiry has passed is lazily downgraded before
// returning false; the write is idempotent, so a racing check is harmless.
// Lookup failures are swallowed and gate to no access.
func (l *Ledger) CheckAccess(ctx context.Context, userID int64) bool {
	if l == nil || l.accounts == nil || ctx == nil || userID == 0 {
		return false
	}

	l.locks.Lock(userID)
	defer l.locks.Unlock(userID)

	account, err := l.accounts.GetByID(ctx, userID)
	if err != nil {
		l.logger.WithFields(logging.Fields{
			"event":   "access_check_failed",
			"user_id": userID,
		}).WithError(err).Debug("treating lookup failure as no access")
		return false
	}

	if account.IsAdmin {
		return true
	}
	if !account.SubscriptionActive || !account.HasExpiry() {
		return false
	}

	if account.SubscriptionExpires.Before(l.now()) {
		if err := l.accounts.DeactivateSubscription(ctx, userID); err != nil {
			l.logger.WithFields(logging.Fields{
				"event":   "subscription_downgrade_failed",
				"user_id": userID,
			}).WithError(err).Warn("failed to downgrade expired subscription")
		} else {
			l.logger.WithFields(logging.Fields{
				"event":   "subscription_expired",
				"user_id": userID,
				"expired": account.SubscriptionExpires,
			}).Info("downgraded expired subscription")
		}
		return false
	}

	return true
}

// Revoke deactivates an account's entitlement immediately. The stored expiry
// is left in place as an audit trail and revoking an inactive account is a
// no-op that still succeeds.
func (l *Ledger) Revoke(ctx context.Context, userID int64) error {
	if l == nil || l.accounts == nil {
		return errors.New("subscription ledger is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	l.locks.Lock(userID)
	defer l.locks.Unlock(userID)

	if _, err := l.accounts.GetByID(ctx, userID); err != nil {
		return fmt.Errorf("revoke subscription: %w", err)
	}

	if err := l.accounts.DeactivateSubscription(ctx, userID); err != nil {
		return fmt.Errorf("revoke subscription: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"event":   "subscription_revoked",
		"user_id": userID,
	}).Info("revoked subscription")

	return nil
}

// ReconcileAll sweeps every account and downgrades the ones whose active flag
// has gone stale: expired entitlements and active accounts with no expiry at
// all. Running it twice yields a zero delta on the second pass.
func (l *Ledger) ReconcileAll(ctx context.Context) (fixed, total int, err error) {
	if l == nil || l.accounts == nil {
		return 0, 0, errors.New("subscription ledger is not initialized")
	}
	if ctx == nil {
		return 0, 0, errors.New("context is required")
	}

	accounts, err := l.accounts.ListAll(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("reconcile subscriptions: %w", err)
	}

	now := l.now()
	for _, account := range accounts {
		if !staleEntitlement(account, now) {
			continue
		}

		l.locks.Lock(account.UserID)
		current, lookupErr := l.accounts.GetByID(ctx, account.UserID)
		if lookupErr != nil {
			l.locks.Unlock(account.UserID)
			return fixed, len(accounts), fmt.Errorf("reconcile account %d: %w", account.UserID, lookupErr)
		}
		// The scan snapshot is taken outside the lock; a grant may have landed
		// since, so the staleness decision must be remade on the fresh read.
		if !staleEntitlement(current, now) {
			l.locks.Unlock(account.UserID)
			continue
		}
		downgradeErr := l.accounts.DeactivateSubscription(ctx, account.UserID)
		l.locks.Unlock(account.UserID)

		if downgradeErr != nil {
			return fixed, len(accounts), fmt.Errorf("reconcile account %d: %w", account.UserID, downgradeErr)
		}

		fixed++
	}

	l.logger.WithFields(logging.Fields{
		"event": "subscription_reconcile",
		"fixed": fixed,
		"total": len(accounts),
	}).Info("reconciled subscription statuses")

	return fixed, len(accounts), nil
}

// staleEntitlement reports whether the active flag no longer matches the
// expiry: active with none at all, or active past it.
func staleEntitlement(account domain.UserAccount, now time.Time) bool {
	if !account.SubscriptionActive {
		return false
	}
	return !account.HasExpiry() || account.SubscriptionExpires.Before(now)
}

// ClaimChannelBonus grants the one-time 7-day partner-channel bonus. A second
// claim fails with ErrBonusAlreadyUsed.
func (l *Ledger) ClaimChannelBonus(ctx context.Context, userID int64) (time.Time, error) {
	if l == nil || l.accounts == nil {
		return time.Time{}, errors.New("subscription ledger is not initialized")
	}
	if ctx == nil {
		return time.Time{}, errors.New("context is required")
	}

	l.locks.Lock(userID)
	defer l.locks.Unlock(userID)

	account, err := l.accounts.GetByID(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("claim channel bonus: %w", err)
	}
	if account.ChannelBonusUsed {
		return time.Time{}, domain.ErrBonusAlreadyUsed
	}

	expires, err := l.grantLocked(ctx, account, channelBonusDays, domain.TierChannelBonus)
	if err != nil {
		return time.Time{}, err
	}

	if err := l.accounts.MarkChannelBonusUsed(ctx, userID); err != nil {
		return time.Time{}, fmt.Errorf("mark channel bonus used: %w", err)
	}

	return expires, nil
}
