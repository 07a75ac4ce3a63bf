// Package referral implements referral attribution, earnings accrual, and the
// two-phase withdrawal workflow.
package referral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tg_business_monitor_bot/internal/domain"
	"tg_business_monitor_bot/internal/keyedmutex"
	"tg_business_monitor_bot/internal/ledger/subscription"
	"tg_business_monitor_bot/internal/logging"
)

const (
	// MinWithdrawal is the smallest amount a withdrawal request may carry.
	MinWithdrawal = 100

	// commissionPercent of a referred user's purchase is credited to the
	// referrer, truncated.
	commissionPercent = 30
)

// milestoneBonusDays maps exact referral counts to subscription bonus grants.
// The trigger fires on equality with the post-increment count only.
var milestoneBonusDays = map[int64]int{
	3:  7,
	5:  30,
	10: 180,
	30: subscription.PerpetualDays,
}

// accountStore is the slice of the account repository the ledger needs.
type accountStore interface {
	GetByID(ctx context.Context, userID int64) (domain.UserAccount, error)
	SetReferredBy(ctx context.Context, userID, referrerID int64) (bool, error)
	IncrementReferralCount(ctx context.Context, userID int64) (int64, error)
	CreditEarnings(ctx context.Context, userID, amount int64) error
	ApplyWithdrawalState(ctx context.Context, userID, earned, pending, total int64, requests []domain.WithdrawalRequest) error
	ListAll(ctx context.Context) ([]domain.UserAccount, error)
}

// entitlementGranter is the subscription ledger surface used for milestone
// bonuses.
type entitlementGranter interface {
	Grant(ctx context.Context, userID int64, days int, tier string) (time.Time, error)
}

// Attribution reports the outcome of an attribution attempt for the caller to
// render. A zero value means the attempt was a no-op.
type Attribution struct {
	Attributed    bool
	ReferrerID    int64
	ReferralCount int64
	BonusDays     int
}

// Ledger owns the referral fields of every account and each legal transition
// over them.
type Ledger struct {
	accounts      accountStore
	subscriptions entitlementGranter
	locks         *keyedmutex.Mutex
	logger        *logrus.Entry
	now           func() time.Time
	newRequestID  func() string
}

// NewLedger constructs a referral ledger. The keyed mutex must be the same
// instance the subscription ledger uses so cross-ledger operations on one
// account serialize.
func NewLedger(accounts accountStore, subscriptions entitlementGranter, locks *keyedmutex.Mutex, logger *logrus.Entry) *Ledger {
	if locks == nil {
		locks = keyedmutex.New()
	}
	if logger == nil {
		logger = logging.Logger()
	}

	return &Ledger{
		accounts:      accounts,
		subscriptions: subscriptions,
		locks:         locks,
		logger:        logger,
		now:           time.Now,
		newRequestID:  uuid.NewString,
	}
}

func (l *Ledger) ready(ctx context.Context) error {
	if l == nil || l.accounts == nil {
		return errors.New("referral ledger is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

// Attribute links a freshly started user to the referrer named in their start
// payload. Self-referrals, unknown referrers, and users who already carry an
// attribution are quiet no-ops; first write wins and is never overwritten. On
// success the referrer's counter is bumped and, when it lands exactly on a
// milestone, the matching subscription bonus is granted.
func (l *Ledger) Attribute(ctx context.Context, newUserID, referrerID int64) (Attribution, error) {
	if err := l.ready(ctx); err != nil {
		return Attribution{}, err
	}
	if referrerID == 0 || newUserID == 0 || referrerID == newUserID {
		return Attribution{}, nil
	}

	if _, err := l.accounts.GetByID(ctx, referrerID); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			l.logger.WithFields(logging.Fields{
				"event":       "referral_skipped",
				"user_id":     newUserID,
				"referrer_id": referrerID,
			}).Debug("referrer does not exist")
			return Attribution{}, nil
		}
		return Attribution{}, fmt.Errorf("attribute referral: %w", err)
	}

	set, err := l.accounts.SetReferredBy(ctx, newUserID, referrerID)
	if err != nil {
		return Attribution{}, fmt.Errorf("attribute referral: %w", err)
	}
	if !set {
		return Attribution{}, nil
	}

	count, err := l.accounts.IncrementReferralCount(ctx, referrerID)
	if err != nil {
		return Attribution{}, fmt.Errorf("attribute referral: %w", err)
	}

	result := Attribution{
		Attributed:    true,
		ReferrerID:    referrerID,
		ReferralCount: count,
	}

	if bonusDays, ok := milestoneBonusDays[count]; ok && l.subscriptions != nil {
		if _, err := l.subscriptions.Grant(ctx, referrerID, bonusDays, domain.TierReferral); err != nil {
			return Attribution{}, fmt.Errorf("grant milestone bonus: %w", err)
		}
		result.BonusDays = bonusDays
	}

	l.logger.WithFields(logging.Fields{
		"event":          "referral_attributed",
		"user_id":        newUserID,
		"referrer_id":    referrerID,
		"referral_count": count,
		"bonus_days":     result.BonusDays,
	}).Info("referral attributed")

	return result, nil
}

// CreditPurchase credits the payer's referrer with 30% of a completed
// purchase, truncated. Users without an attribution produce no credit; the
// chain is single-level only. Returns the credited amount and the referrer.
func (l *Ledger) CreditPurchase(ctx context.Context, payerID, purchaseAmount int64) (int64, int64, error) {
	if err := l.ready(ctx); err != nil {
		return 0, 0, err
	}
	if purchaseAmount <= 0 {
		return 0, 0, fmt.Errorf("invalid purchase amount %d", purchaseAmount)
	}

	payer, err := l.accounts.GetByID(ctx, payerID)
	if err != nil {
		return 0, 0, fmt.Errorf("credit purchase: %w", err)
	}
	if payer.ReferredBy == 0 {
		return 0, 0, nil
	}

	referrerID := payer.ReferredBy
	earnings := purchaseAmount * commissionPercent / 100
	if earnings == 0 {
		return 0, referrerID, nil
	}

	// The withdrawal paths write back absolute balances from a snapshot read
	// under the referrer's lock; the credit must hold the same lock or it can
	// land inside that window and be overwritten.
	l.locks.Lock(referrerID)
	defer l.locks.Unlock(referrerID)

	if err := l.accounts.CreditEarnings(ctx, referrerID, earnings); err != nil {
		return 0, 0, fmt.Errorf("credit purchase: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"event":       "referral_earnings",
		"payer_id":    payerID,
		"referrer_id": referrerID,
		"amount":      earnings,
	}).Info("credited referral earnings")

	return earnings, referrerID, nil
}

// RequestWithdrawal reserves part of the spendable balance against a new
// pending withdrawal request. The debit happens at request time, so the same
// stars cannot be requested twice.
func (l *Ledger) RequestWithdrawal(ctx context.Context, userID, amount int64) (domain.WithdrawalRequest, error) {
	if err := l.ready(ctx); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if amount < MinWithdrawal {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: minimum is %d stars", domain.ErrInvalidAmount, MinWithdrawal)
	}

	l.locks.Lock(userID)
	defer l.locks.Unlock(userID)

	account, err := l.accounts.GetByID(ctx, userID)
	if err != nil {
		return domain.WithdrawalRequest{}, fmt.Errorf("request withdrawal: %w", err)
	}
	if account.EarnedStars < amount {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: balance %d, requested %d", domain.ErrInsufficientBalance, account.EarnedStars, amount)
	}

	request := domain.WithdrawalRequest{
		ID:        l.newRequestID(),
		UserID:    userID,
		Amount:    amount,
		Status:    domain.WithdrawalPending,
		CreatedAt: l.now().UTC(),
	}

	requests := append(append([]domain.WithdrawalRequest(nil), account.WithdrawalRequests...), request)

	err = l.accounts.ApplyWithdrawalState(ctx, userID,
		account.EarnedStars-amount,
		account.PendingWithdrawal+amount,
		account.TotalWithdrawn,
		requests,
	)
	if err != nil {
		return domain.WithdrawalRequest{}, fmt.Errorf("request withdrawal: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"event":      "withdrawal_requested",
		"user_id":    userID,
		"amount":     amount,
		"request_id": request.ID,
	}).Info("withdrawal requested")

	return request, nil
}

// SettleWithdrawal finalizes a pending request. Approval moves the reserved
// amount into the lifetime-withdrawn total; rejection refunds it to the
// spendable balance. Either way no stars are created or destroyed. A request
// that is already settled yields ErrRequestAlreadySettled so a double-click
// cannot double-credit.
func (l *Ledger) SettleWithdrawal(ctx context.Context, requestID string, adminID int64, approve bool) (domain.WithdrawalRequest, error) {
	if err := l.ready(ctx); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if requestID == "" {
		return domain.WithdrawalRequest{}, errors.New("request id is required")
	}

	ownerID, err := l.findRequestOwner(ctx, requestID)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}

	l.locks.Lock(ownerID)
	defer l.locks.Unlock(ownerID)

	account, err := l.accounts.GetByID(ctx, ownerID)
	if err != nil {
		return domain.WithdrawalRequest{}, fmt.Errorf("settle withdrawal: %w", err)
	}

	index := -1
	for i, req := range account.WithdrawalRequests {
		if req.ID == requestID {
			index = i
			break
		}
	}
	if index == -1 {
		return domain.WithdrawalRequest{}, fmt.Errorf("request %s: %w", requestID, domain.ErrRequestNotFound)
	}

	requests := append([]domain.WithdrawalRequest(nil), account.WithdrawalRequests...)
	request := requests[index]
	if request.Status != domain.WithdrawalPending {
		return domain.WithdrawalRequest{}, fmt.Errorf("request %s: %w", requestID, domain.ErrRequestAlreadySettled)
	}

	request.ProcessedAt = l.now().UTC()
	request.ProcessedBy = adminID

	earned := account.EarnedStars
	pending := account.PendingWithdrawal - request.Amount
	total := account.TotalWithdrawn

	if approve {
		request.Status = domain.WithdrawalApproved
		total += request.Amount
	} else {
		request.Status = domain.WithdrawalRejected
		earned += request.Amount
	}

	requests[index] = request

	if err := l.accounts.ApplyWithdrawalState(ctx, ownerID, earned, pending, total, requests); err != nil {
		return domain.WithdrawalRequest{}, fmt.Errorf("settle withdrawal: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"event":      "withdrawal_settled",
		"user_id":    ownerID,
		"request_id": requestID,
		"status":     request.Status,
		"amount":     request.Amount,
		"admin_id":   adminID,
	}).Info("withdrawal settled")

	return request, nil
}

// ListPending returns every pending request across all accounts, oldest first.
func (l *Ledger) ListPending(ctx context.Context) ([]domain.WithdrawalRequest, error) {
	if err := l.ready(ctx); err != nil {
		return nil, err
	}

	accounts, err := l.accounts.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending withdrawals: %w", err)
	}

	var pending []domain.WithdrawalRequest
	for _, account := range accounts {
		for _, req := range account.WithdrawalRequests {
			if req.Status == domain.WithdrawalPending {
				pending = append(pending, req)
			}
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	return pending, nil
}

// findRequestOwner scans all accounts for the request id. Ids are not
// partitioned by user, so the lookup is global.
func (l *Ledger) findRequestOwner(ctx context.Context, requestID string) (int64, error) {
	accounts, err := l.accounts.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("settle withdrawal: %w", err)
	}

	for _, account := range accounts {
		for _, req := range account.WithdrawalRequests {
			if req.ID == requestID {
				return account.UserID, nil
			}
		}
	}

	return 0, fmt.Errorf("request %s: %w", requestID, domain.ErrRequestNotFound)
}
