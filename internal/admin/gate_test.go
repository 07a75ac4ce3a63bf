package admin

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_business_monitor_bot/internal/domain"
)

const mainAdminID = 842428912

func newTestGate(store *fakeAdminStore) *Gate {
	hookLogger, _ := logtest.NewNullLogger()
	return NewGate(store, mainAdminID, logrus.NewEntry(hookLogger))
}

func TestIsAdminReadsFlag(t *testing.T) {
	store := newFakeAdminStore()
	store.put(domain.UserAccount{UserID: 1, IsAdmin: true})
	store.put(domain.UserAccount{UserID: 2})
	gate := newTestGate(store)

	ctx := context.Background()
	if !gate.IsAdmin(ctx, 1) {
		t.Fatalf("expected user 1 to be admin")
	}
	if gate.IsAdmin(ctx, 2) {
		t.Fatalf("expected user 2 to not be admin")
	}
}

func TestIsAdminDefaultsToFalseOnLookupFailure(t *testing.T) {
	gate := newTestGate(newFakeAdminStore())

	if gate.IsAdmin(context.Background(), 404) {
		t.Fatalf("expected unknown user to not be admin")
	}
}

func TestIsMainAdmin(t *testing.T) {
	gate := newTestGate(newFakeAdminStore())

	if !gate.IsMainAdmin(mainAdminID) {
		t.Fatalf("expected configured id to be main admin")
	}
	if gate.IsMainAdmin(12345) {
		t.Fatalf("expected other id to not be main admin")
	}
	if gate.IsMainAdmin(0) {
		t.Fatalf("expected zero id to not be main admin")
	}
}

func TestPromoteAndDemote(t *testing.T) {
	store := newFakeAdminStore()
	store.put(domain.UserAccount{UserID: 1})
	gate := newTestGate(store)

	ctx := context.Background()
	if err := gate.Promote(ctx, 1); err != nil {
		t.Fatalf("Promote returned error: %v", err)
	}
	if !store.get(t, 1).IsAdmin {
		t.Fatalf("expected user 1 promoted")
	}

	if err := gate.Demote(ctx, 1); err != nil {
		t.Fatalf("Demote returned error: %v", err)
	}
	if store.get(t, 1).IsAdmin {
		t.Fatalf("expected user 1 demoted")
	}
}

func TestMainAdminIsProtected(t *testing.T) {
	store := newFakeAdminStore()
	store.put(domain.UserAccount{UserID: mainAdminID, IsAdmin: true})
	gate := newTestGate(store)

	ctx := context.Background()
	if err := gate.Demote(ctx, mainAdminID); !errors.Is(err, domain.ErrProtectedAccount) {
		t.Fatalf("expected ErrProtectedAccount on demote, got %v", err)
	}
	if err := gate.Promote(ctx, mainAdminID); !errors.Is(err, domain.ErrProtectedAccount) {
		t.Fatalf("expected ErrProtectedAccount on promote, got %v", err)
	}

	if !store.get(t, mainAdminID).IsAdmin {
		t.Fatalf("expected main admin flag untouched")
	}
}

func TestPromoteUnknownUserFails(t *testing.T) {
	gate := newTestGate(newFakeAdminStore())

	err := gate.Promote(context.Background(), 404)
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

type fakeAdminStore struct {
	accounts map[int64]domain.UserAccount
}

func newFakeAdminStore() *fakeAdminStore {
	return &fakeAdminStore{accounts: make(map[int64]domain.UserAccount)}
}

func (f *fakeAdminStore) put(account domain.UserAccount) {
	f.accounts[account.UserID] = account
}

func (f *fakeAdminStore) get(t *testing.T, userID int64) domain.UserAccount {
	t.Helper()

	account, ok := f.accounts[userID]
	if !ok {
		t.Fatalf("no account stored for user %d", userID)
	}

	return account
}

func (f *fakeAdminStore) GetByID(_ context.Context, userID int64) (domain.UserAccount, error) {
	account, ok := f.accounts[userID]
	if !ok {
		return domain.UserAccount{}, fmt.Errorf("account %d: %w", userID, domain.ErrUserNotFound)
	}
	return account, nil
}

func (f *fakeAdminStore) SetAdmin(_ context.Context, userID int64, isAdmin bool) error {
	account, ok := f.accounts[userID]
	if !ok {
		return fmt.Errorf("account %d: %w", userID, domain.ErrUserNotFound)
	}

	account.IsAdmin = isAdmin
	f.accounts[userID] = account
	return nil
}
