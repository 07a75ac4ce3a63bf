// Package admin provides the predicate layer guarding privileged operations.
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"tg_business_monitor_bot/internal/domain"
	"tg_business_monitor_bot/internal/logging"
)

// accountStore is the slice of the account repository the gate needs.
type accountStore interface {
	GetByID(ctx context.Context, userID int64) (domain.UserAccount, error)
	SetAdmin(ctx context.Context, userID int64, isAdmin bool) error
}

// Gate answers admin checks and manages the admin flag. The main admin
// identity is injected from configuration, not baked in, and its flag can
// never be changed.
type Gate struct {
	accounts    accountStore
	mainAdminID int64
	logger      *logrus.Entry
}

// NewGate constructs a Gate for the configured main admin.
func NewGate(accounts accountStore, mainAdminID int64, logger *logrus.Entry) *Gate {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Gate{
		accounts:    accounts,
		mainAdminID: mainAdminID,
		logger:      logger,
	}
}

// IsAdmin reports whether the user holds the admin flag. Used pervasively as
// a cheap guard, so lookup failures gate to false instead of erroring.
func (g *Gate) IsAdmin(ctx context.Context, userID int64) bool {
	if g == nil || g.accounts == nil || ctx == nil || userID == 0 {
		return false
	}

	account, err := g.accounts.GetByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			g.logger.WithFields(logging.Fields{
				"event":   "admin_check_failed",
				"user_id": userID,
			}).WithError(err).Debug("treating lookup failure as non-admin")
		}
		return false
	}

	return account.IsAdmin
}

// IsMainAdmin reports whether the user is the configured root admin.
func (g *Gate) IsMainAdmin(userID int64) bool {
	return g != nil && userID != 0 && userID == g.mainAdminID
}

// Promote sets the admin flag on an account. The main admin cannot be
// targeted; its flag is immutable.
func (g *Gate) Promote(ctx context.Context, userID int64) error {
	return g.setAdmin(ctx, userID, true)
}

// Demote clears the admin flag on an account. The main admin cannot be
// demoted, not even by itself.
func (g *Gate) Demote(ctx context.Context, userID int64) error {
	return g.setAdmin(ctx, userID, false)
}

func (g *Gate) setAdmin(ctx context.Context, userID int64, isAdmin bool) error {
	if g == nil || g.accounts == nil {
		return errors.New("admin gate is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if userID == 0 {
		return errors.New("user id is required")
	}
	if userID == g.mainAdminID {
		return fmt.Errorf("account %d: %w", userID, domain.ErrProtectedAccount)
	}

	if _, err := g.accounts.GetByID(ctx, userID); err != nil {
		return fmt.Errorf("set admin flag: %w", err)
	}

	if err := g.accounts.SetAdmin(ctx, userID, isAdmin); err != nil {
		return fmt.Errorf("set admin flag: %w", err)
	}

	g.logger.WithFields(logging.Fields{
		"event":    "admin_flag_changed",
		"user_id":  userID,
		"is_admin": isAdmin,
	}).Info("changed admin flag")

	return nil
}
