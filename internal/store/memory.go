package store

import (
	"context"
	"sync"

	"github.com/perpx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory records. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	vault    *model.Vault
	state    *model.ExchangeState
	ops      []model.OperationRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
	}
}

func (s *MemoryStore) InitExchange(_ context.Context, st *model.ExchangeState, vault *model.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != nil {
		return nil
	}
	stCopy := *st
	vaultCopy := *vault
	s.state = &stCopy
	s.vault = &vaultCopy
	return nil
}

func (s *MemoryStore) GetExchangeState(_ context.Context) (*model.ExchangeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNotInitialized
	}
	stCopy := *s.state
	return &stCopy, nil
}

func (s *MemoryStore) GetVault(_ context.Context) (*model.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vault == nil {
		return nil, ErrNotInitialized
	}
	vaultCopy := *s.vault
	return &vaultCopy, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.Owner]; ok {
		return ErrAlreadyExists
	}
	s.accounts[acct.Owner] = copyAccount(acct)
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, owner string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[owner]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccount(acct), nil
}

func (s *MemoryStore) Commit(_ context.Context, acct *model.Account, vault *model.Vault, st *model.ExchangeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct != nil {
		if _, ok := s.accounts[acct.Owner]; !ok {
			return ErrNotFound
		}
		s.accounts[acct.Owner] = copyAccount(acct)
	}
	if vault != nil {
		vaultCopy := *vault
		s.vault = &vaultCopy
	}
	if st != nil {
		stCopy := *st
		s.state = &stCopy
	}
	return nil
}

func (s *MemoryStore) InsertOperation(_ context.Context, rec *model.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops = append(s.ops, *rec)
	return nil
}

func (s *MemoryStore) GetOperationsByOwner(_ context.Context, owner string) ([]model.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OperationRecord
	for _, rec := range s.ops {
		if rec.Owner == owner {
			result = append(result, rec)
		}
	}
	return result, nil
}

// copyAccount clones an account including its position, so callers can
// never mutate stored records in place.
func copyAccount(acct *model.Account) *model.Account {
	acctCopy := *acct
	if acct.Position != nil {
		pos := *acct.Position
		acctCopy.Position = &pos
	}
	return &acctCopy
}
