// Package store encapsulates MongoDB client management and collection helpers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// StatsProvider exposes helper methods to retrieve collection counts for basic
// diagnostics without leaking MongoDB internals to callers.
type StatsProvider struct {
	users    countCollection
	messages countCollection
}

// NewStatsProvider constructs a StatsProvider backed by the provided user and
// message collections.
func NewStatsProvider(users, messages countCollection) *StatsProvider {
	return &StatsProvider{
		users:    users,
		messages: messages,
	}
}

// CountUsers returns the number of documents in the users collection.
func (p *StatsProvider) CountUsers(ctx context.Context) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.users == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := p.users.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}

	return count, nil
}

// CountMessages returns the number of archived messages.
func (p *StatsProvider) CountMessages(ctx context.Context) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.messages == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := p.messages.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}

	return count, nil
}

// CountActiveSubscriptions returns the number of users whose subscription is
// flagged active and has not yet passed its expiry at the supplied instant.
func (p *StatsProvider) CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.users == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	filter := bson.M{
		"subscription_active":  true,
		"subscription_expires": bson.M{"$gt": now},
	}

	count, err := p.users.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count active subscriptions: %w", err)
	}

	return count, nil
}
