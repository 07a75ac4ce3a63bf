// Package domain defines the account model, the ledger error taxonomy, and
// the MongoDB account repository.
package domain

import "errors"

var (
	// ErrUserNotFound indicates an operation targeted an account that does
	// not exist. Propagated to the caller, never silently ignored.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidAmount indicates a withdrawal below the minimum amount.
	ErrInvalidAmount = errors.New("withdrawal amount below minimum")

	// ErrInsufficientBalance indicates a withdrawal exceeding the spendable
	// balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrProtectedAccount indicates an attempt to change the main admin's
	// admin flag.
	ErrProtectedAccount = errors.New("main admin account is protected")

	// ErrRequestNotFound indicates a settlement attempt against an unknown
	// withdrawal request id.
	ErrRequestNotFound = errors.New("withdrawal request not found")

	// ErrRequestAlreadySettled indicates a settlement attempt against a
	// request that is no longer pending. Safe to treat as a no-op.
	ErrRequestAlreadySettled = errors.New("withdrawal request already settled")

	// ErrBonusAlreadyUsed indicates the one-time channel bonus was claimed
	// before.
	ErrBonusAlreadyUsed = errors.New("channel bonus already used")
)
