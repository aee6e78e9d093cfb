package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpx/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. Unsigned 64-bit balances are stored as NUMERIC (they exceed
// BIGINT range) and travel as strings. Commit wraps every record write
// of one operation in a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Schema holds the table definitions. EnsureSchema applies it at boot.
const Schema = `
CREATE TABLE IF NOT EXISTS exchange_state (
	id SMALLINT PRIMARY KEY CHECK (id = 1),
	oracle_price NUMERIC NOT NULL,
	oracle_last_update BIGINT NOT NULL,
	total_long_positions NUMERIC NOT NULL,
	total_short_positions NUMERIC NOT NULL,
	total_volume NUMERIC NOT NULL,
	collected_fees NUMERIC NOT NULL,
	insurance_fund_balance NUMERIC NOT NULL,
	is_paused BOOLEAN NOT NULL,
	trading_fee_rate INT NOT NULL,
	liquidation_threshold INT NOT NULL,
	max_leverage INT NOT NULL,
	min_margin NUMERIC NOT NULL,
	funding_interval INT NOT NULL,
	oracle_validity_period INT NOT NULL
);

CREATE TABLE IF NOT EXISTS vault (
	id SMALLINT PRIMARY KEY CHECK (id = 1),
	total_balance NUMERIC NOT NULL,
	reserved_collateral NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	owner TEXT PRIMARY KEY,
	collateral_balance NUMERIC NOT NULL,
	total_fees_paid NUMERIC NOT NULL,
	position_size BIGINT,
	position_margin NUMERIC,
	position_entry_price NUMERIC,
	position_leverage SMALLINT,
	position_opened_at BIGINT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
	id UUID PRIMARY KEY,
	owner TEXT NOT NULL,
	kind TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	price NUMERIC NOT NULL,
	pnl BIGINT NOT NULL,
	fee NUMERIC NOT NULL,
	initiator TEXT NOT NULL DEFAULT '',
	ts TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS operations_owner_ts ON operations (owner, ts);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) InitExchange(ctx context.Context, st *model.ExchangeState, vault *model.Vault) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO exchange_state (id, oracle_price, oracle_last_update,
			total_long_positions, total_short_positions, total_volume,
			collected_fees, insurance_fund_balance, is_paused,
			trading_fee_rate, liquidation_threshold, max_leverage,
			min_margin, funding_interval, oracle_validity_period)
		 VALUES (1, $1::NUMERIC, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC,
			$6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12::NUMERIC, $13, $14)
		 ON CONFLICT (id) DO NOTHING`,
		u64(st.OraclePrice), st.OracleLastUpdate,
		u64(st.TotalLongPositions), u64(st.TotalShortPositions), u64(st.TotalVolume),
		u64(st.CollectedFees), u64(st.InsuranceFundBalance), st.IsPaused,
		int32(st.Params.TradingFeeRate), int32(st.Params.LiquidationThreshold),
		int32(st.Params.MaxLeverage), u64(st.Params.MinMargin),
		int32(st.Params.FundingInterval), int32(st.Params.OracleValidityPeriod),
	)
	if err != nil {
		return fmt.Errorf("init exchange state: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO vault (id, total_balance, reserved_collateral)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC)
		 ON CONFLICT (id) DO NOTHING`,
		u64(vault.TotalBalance), u64(vault.ReservedCollateral),
	)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetExchangeState(ctx context.Context) (*model.ExchangeState, error) {
	var st model.ExchangeState
	var long, short, volume, fees, insurance, price, minMargin string
	var feeRate, liqThreshold, maxLev, fundingInterval, validity int32

	err := s.pool.QueryRow(ctx,
		`SELECT oracle_price::TEXT, oracle_last_update,
			total_long_positions::TEXT, total_short_positions::TEXT,
			total_volume::TEXT, collected_fees::TEXT,
			insurance_fund_balance::TEXT, is_paused,
			trading_fee_rate, liquidation_threshold, max_leverage,
			min_margin::TEXT, funding_interval, oracle_validity_period
		 FROM exchange_state WHERE id = 1`).
		Scan(&price, &st.OracleLastUpdate,
			&long, &short, &volume, &fees, &insurance, &st.IsPaused,
			&feeRate, &liqThreshold, &maxLev, &minMargin, &fundingInterval, &validity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("get exchange state: %w", err)
	}

	st.OraclePrice = parseU64(price)
	st.TotalLongPositions = parseU64(long)
	st.TotalShortPositions = parseU64(short)
	st.TotalVolume = parseU64(volume)
	st.CollectedFees = parseU64(fees)
	st.InsuranceFundBalance = parseU64(insurance)
	st.Params = model.GovernanceParams{
		TradingFeeRate:       uint16(feeRate),
		LiquidationThreshold: uint16(liqThreshold),
		MaxLeverage:          uint8(maxLev),
		MinMargin:            parseU64(minMargin),
		FundingInterval:      uint32(fundingInterval),
		OracleValidityPeriod: uint32(validity),
	}
	return &st, nil
}

func (s *PostgresStore) GetVault(ctx context.Context) (*model.Vault, error) {
	var total, reserved string

	err := s.pool.QueryRow(ctx,
		`SELECT total_balance::TEXT, reserved_collateral::TEXT FROM vault WHERE id = 1`).
		Scan(&total, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("get vault: %w", err)
	}

	return &model.Vault{
		TotalBalance:       parseU64(total),
		ReservedCollateral: parseU64(reserved),
	}, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (owner, collateral_balance, total_fees_paid, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (owner) DO NOTHING`,
		acct.Owner, u64(acct.CollateralBalance), u64(acct.TotalFeesPaid), acct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account %s: %w", acct.Owner, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, owner string) (*model.Account, error) {
	var acct model.Account
	var balance, feesPaid string
	var posSize, posOpenedAt *int64
	var posMargin, posEntry *string
	var posLeverage *int16

	err := s.pool.QueryRow(ctx,
		`SELECT owner, collateral_balance::TEXT, total_fees_paid::TEXT,
			position_size, position_margin::TEXT, position_entry_price::TEXT,
			position_leverage, position_opened_at, created_at
		 FROM accounts WHERE owner = $1`, owner).
		Scan(&acct.Owner, &balance, &feesPaid,
			&posSize, &posMargin, &posEntry, &posLeverage, &posOpenedAt, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", owner, err)
	}

	acct.CollateralBalance = parseU64(balance)
	acct.TotalFeesPaid = parseU64(feesPaid)
	if posSize != nil {
		acct.Position = &model.Position{
			Size:       *posSize,
			Margin:     parseU64(*posMargin),
			EntryPrice: parseU64(*posEntry),
			Leverage:   uint8(*posLeverage),
			OpenedAt:   *posOpenedAt,
		}
	}
	return &acct, nil
}

func (s *PostgresStore) Commit(ctx context.Context, acct *model.Account, vault *model.Vault, st *model.ExchangeState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if acct != nil {
		if err := saveAccount(ctx, tx, acct); err != nil {
			return err
		}
	}
	if vault != nil {
		_, err := tx.Exec(ctx,
			`UPDATE vault SET total_balance = $1::NUMERIC, reserved_collateral = $2::NUMERIC WHERE id = 1`,
			u64(vault.TotalBalance), u64(vault.ReservedCollateral),
		)
		if err != nil {
			return fmt.Errorf("commit vault: %w", err)
		}
	}
	if st != nil {
		_, err := tx.Exec(ctx,
			`UPDATE exchange_state SET
				oracle_price = $1::NUMERIC, oracle_last_update = $2,
				total_long_positions = $3::NUMERIC, total_short_positions = $4::NUMERIC,
				total_volume = $5::NUMERIC, collected_fees = $6::NUMERIC,
				insurance_fund_balance = $7::NUMERIC, is_paused = $8,
				trading_fee_rate = $9, liquidation_threshold = $10,
				max_leverage = $11, min_margin = $12::NUMERIC,
				funding_interval = $13, oracle_validity_period = $14
			 WHERE id = 1`,
			u64(st.OraclePrice), st.OracleLastUpdate,
			u64(st.TotalLongPositions), u64(st.TotalShortPositions),
			u64(st.TotalVolume), u64(st.CollectedFees),
			u64(st.InsuranceFundBalance), st.IsPaused,
			int32(st.Params.TradingFeeRate), int32(st.Params.LiquidationThreshold),
			int32(st.Params.MaxLeverage), u64(st.Params.MinMargin),
			int32(st.Params.FundingInterval), int32(st.Params.OracleValidityPeriod),
		)
		if err != nil {
			return fmt.Errorf("commit exchange state: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// execer is satisfied by both pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func saveAccount(ctx context.Context, db execer, acct *model.Account) error {
	var posSize, posOpenedAt *int64
	var posMargin, posEntry *string
	var posLeverage *int16

	if p := acct.Position; p != nil {
		margin, entry := u64(p.Margin), u64(p.EntryPrice)
		lev := int16(p.Leverage)
		posSize, posOpenedAt = &p.Size, &p.OpenedAt
		posMargin, posEntry = &margin, &entry
		posLeverage = &lev
	}

	tag, err := db.Exec(ctx,
		`UPDATE accounts SET
			collateral_balance = $2::NUMERIC, total_fees_paid = $3::NUMERIC,
			position_size = $4, position_margin = $5::NUMERIC,
			position_entry_price = $6::NUMERIC, position_leverage = $7,
			position_opened_at = $8
		 WHERE owner = $1`,
		acct.Owner, u64(acct.CollateralBalance), u64(acct.TotalFeesPaid),
		posSize, posMargin, posEntry, posLeverage, posOpenedAt,
	)
	if err != nil {
		return fmt.Errorf("commit account %s: %w", acct.Owner, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertOperation(ctx context.Context, rec *model.OperationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO operations (id, owner, kind, amount, price, pnl, fee, initiator, ts)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)`,
		rec.ID, rec.Owner, rec.Kind, u64(rec.Amount), u64(rec.Price),
		rec.PnL, u64(rec.Fee), rec.Initiator, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOperationsByOwner(ctx context.Context, owner string) ([]model.OperationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, kind, amount::TEXT, price::TEXT, pnl, fee::TEXT, initiator, ts
		 FROM operations WHERE owner = $1 ORDER BY ts`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.OperationRecord
	for rows.Next() {
		var rec model.OperationRecord
		var amount, price, fee string
		if err := rows.Scan(&rec.ID, &rec.Owner, &rec.Kind,
			&amount, &price, &rec.PnL, &fee, &rec.Initiator, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Amount = parseU64(amount)
		rec.Price = parseU64(price)
		rec.Fee = parseU64(fee)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func parseU64(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
