package database

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("database: not found")
)

// Store is the persistence surface the handlers depend on. The Mongo driver
// implements it; tests use an in-memory fake.
//
// Every read-modify-write that must be atomic runs inside WithTx; the ctx
// passed to fn carries the transaction, so calls made through it see their
// own writes.
type Store interface {
	// Users.
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, userID int64) (*User, error)
	SetBlocked(ctx context.Context, userID int64, reason string) error
	ClearBlocked(ctx context.Context, userID int64) error
	IsBlocked(ctx context.Context, userID int64) (bool, error)

	// Verification rows (upsert semantics, one row per user).
	UpsertVerification(ctx context.Context, v *Verification) error
	GetVerification(ctx context.Context, userID int64) (*Verification, error)
	DeleteVerification(ctx context.Context, userID int64) error
	// ResetVerification flips the row back to unverified with a zero attempt
	// budget and no outstanding message reference. Used by ban.
	ResetVerification(ctx context.Context, userID int64) error
	MarkVerified(ctx context.Context, userID int64) error
	IsVerified(ctx context.Context, userID int64) (bool, error)

	// Conversation activity.
	TouchConversation(ctx context.Context, userID int64) error
	DeleteConversation(ctx context.Context, userID int64) error

	// Settings.
	GetSettings(ctx context.Context) (*Settings, error)
	SetVerificationEnabled(ctx context.Context, enabled bool) error
	SetVerificationDifficulty(ctx context.Context, difficulty int) error

	// Operator queries.
	RecentVerified(ctx context.Context, limit int) ([]User, error)
	RecentBlocked(ctx context.Context, limit int) ([]User, error)
	CountStats(ctx context.Context) (*Stats, error)
	Wipe(ctx context.Context) error

	// WithTx runs fn inside one atomic transaction. fn may be retried on
	// transient transaction errors, so it must be idempotent over its reads.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	Close(ctx context.Context) error
}
