// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/perpx/perp-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record that exists.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrNotInitialized is returned when the exchange singletons have not
	// been bootstrapped yet.
	ErrNotInitialized = errors.New("store: exchange not initialized")
)

// Store is the persistence interface. The Vault and ExchangeState are
// singletons; accounts are keyed by owner identity. Commit persists one
// operation's record mutations all-or-nothing — this is the atomic
// commit envelope the state machine assumes.
type Store interface {
	// InitExchange bootstraps the singleton exchange state and vault.
	// A no-op if they already exist.
	InitExchange(ctx context.Context, st *model.ExchangeState, vault *model.Vault) error

	// GetExchangeState returns the singleton exchange state.
	GetExchangeState(ctx context.Context) (*model.ExchangeState, error)

	// GetVault returns the singleton custody vault.
	GetVault(ctx context.Context) (*model.Vault, error)

	// CreateAccount persists a new, empty account for an owner.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account by owner identity.
	GetAccount(ctx context.Context, owner string) (*model.Account, error)

	// Commit persists the mutated records of one operation atomically.
	// Nil records are skipped (a price update touches only the exchange
	// state; a deposit touches no exchange state).
	Commit(ctx context.Context, acct *model.Account, vault *model.Vault, st *model.ExchangeState) error

	// InsertOperation appends an immutable audit record.
	InsertOperation(ctx context.Context, rec *model.OperationRecord) error

	// GetOperationsByOwner returns all audit records for an owner,
	// oldest first.
	GetOperationsByOwner(ctx context.Context, owner string) ([]model.OperationRecord, error)
}
