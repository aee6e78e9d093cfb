package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InitExchange(ctx context.Context, st *model.ExchangeState, vault *model.Vault) error {
	if err := s.primary.InitExchange(ctx, st, vault); err != nil {
		return err
	}
	s.rdb.Del(ctx, exchangeKey(), vaultKey())
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	if err := s.primary.CreateAccount(ctx, acct); err != nil {
		return err
	}
	s.cacheAccount(ctx, acct)
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, acct *model.Account, vault *model.Vault, st *model.ExchangeState) error {
	if err := s.primary.Commit(ctx, acct, vault, st); err != nil {
		return err
	}
	// Invalidate everything the commit touched; next read re-populates.
	keys := make([]string, 0, 3)
	if acct != nil {
		keys = append(keys, accountKey(acct.Owner))
	}
	if vault != nil {
		keys = append(keys, vaultKey())
	}
	if st != nil {
		keys = append(keys, exchangeKey())
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) InsertOperation(ctx context.Context, rec *model.OperationRecord) error {
	return s.primary.InsertOperation(ctx, rec)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetExchangeState(ctx context.Context) (*model.ExchangeState, error) {
	data, err := s.rdb.Get(ctx, exchangeKey()).Bytes()
	if err == nil {
		var st model.ExchangeState
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetExchangeState(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, exchangeKey(), data, s.ttl)
	}
	return st, nil
}

func (s *CachedStore) GetVault(ctx context.Context) (*model.Vault, error) {
	data, err := s.rdb.Get(ctx, vaultKey()).Bytes()
	if err == nil {
		var v model.Vault
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	v, err := s.primary.GetVault(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, vaultKey(), data, s.ttl)
	}
	return v, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, owner string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(owner)).Bytes()
	if err == nil {
		var acct model.Account
		if json.Unmarshal(data, &acct) == nil {
			return &acct, nil
		}
	}

	acct, err := s.primary.GetAccount(ctx, owner)
	if err != nil {
		return nil, err
	}

	s.cacheAccount(ctx, acct)
	return acct, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetOperationsByOwner(ctx context.Context, owner string) ([]model.OperationRecord, error) {
	return s.primary.GetOperationsByOwner(ctx, owner)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAccount(ctx context.Context, acct *model.Account) {
	if data, err := json.Marshal(acct); err == nil {
		s.rdb.Set(ctx, accountKey(acct.Owner), data, s.ttl)
	}
}

func accountKey(owner string) string { return fmt.Sprintf("account:%s", owner) }
func exchangeKey() string            { return "exchange:state" }
func vaultKey() string               { return "exchange:vault" }
