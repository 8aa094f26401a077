// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nodepass-labs/yieldpass/internal/app/domain/event"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/market"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/redemption"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/token"
	"github.com/nodepass-labs/yieldpass/internal/app/storage"
)

// Store implements the storage interfaces over a database handle.
type Store struct {
	db *sql.DB
}

var _ storage.MarketStore = (*Store)(nil)
var _ storage.TokenStore = (*Store)(nil)
var _ storage.RedemptionStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", storage.ErrConflict, pqErr.Constraint)
	}
	return err
}

// --- MarketStore ------------------------------------------------------------

func (s *Store) CreateMarket(ctx context.Context, m market.Market) (market.Market, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Market{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO markets (id, node_token, yield_pass_token, node_pass_token,
			start_time, expiry_time, adapter_name, is_user_locked, deposited_count,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, m.ID, m.NodeToken, m.YieldPassToken, m.NodePassToken,
		m.StartTime, m.ExpiryTime, m.AdapterName, m.IsUserLocked, m.DepositedCount,
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return market.Market{}, translateErr(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO claim_states (market_id, total, shares, balance, version, updated_at)
		VALUES ($1, '0', '0', '0', 0, $2)
	`, m.ID, now)
	if err != nil {
		return market.Market{}, translateErr(err)
	}

	if err := tx.Commit(); err != nil {
		return market.Market{}, err
	}
	return m, nil
}

func (s *Store) UpdateMarket(ctx context.Context, m market.Market) (market.Market, error) {
	m.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE markets
		SET adapter_name = $2, deposited_count = $3, updated_at = $4
		WHERE id = $1
	`, m.ID, m.AdapterName, m.DepositedCount, m.UpdatedAt)
	if err != nil {
		return market.Market{}, translateErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return market.Market{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) GetMarket(ctx context.Context, id string) (market.Market, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_token, yield_pass_token, node_pass_token,
			start_time, expiry_time, adapter_name, is_user_locked, deposited_count,
			created_at, updated_at
		FROM markets
		WHERE id = $1
	`, id)
	return scanMarket(row)
}

func (s *Store) ListMarkets(ctx context.Context) ([]market.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_token, yield_pass_token, node_pass_token,
			start_time, expiry_time, adapter_name, is_user_locked, deposited_count,
			created_at, updated_at
		FROM markets
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []market.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (market.Market, error) {
	var m market.Market
	err := row.Scan(&m.ID, &m.NodeToken, &m.YieldPassToken, &m.NodePassToken,
		&m.StartTime, &m.ExpiryTime, &m.AdapterName, &m.IsUserLocked, &m.DepositedCount,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return market.Market{}, translateErr(err)
	}
	return m, nil
}

func (s *Store) GetClaimState(ctx context.Context, marketID string) (market.ClaimState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT market_id, total, shares, balance, version, updated_at
		FROM claim_states
		WHERE market_id = $1
	`, marketID)

	var state market.ClaimState
	if err := row.Scan(&state.MarketID, &state.Total, &state.Shares, &state.Balance, &state.Version, &state.UpdatedAt); err != nil {
		return market.ClaimState{}, translateErr(err)
	}
	return state, nil
}

func (s *Store) UpdateClaimState(ctx context.Context, state market.ClaimState) (market.ClaimState, error) {
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE claim_states
		SET total = $3, shares = $4, balance = $5, version = version + 1, updated_at = $6
		WHERE market_id = $1 AND version = $2
	`, state.MarketID, state.Version, state.Total, state.Shares, state.Balance, now)
	if err != nil {
		return market.ClaimState{}, translateErr(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish a missing market from a lost version race.
		if _, err := s.GetClaimState(ctx, state.MarketID); errors.Is(err, storage.ErrNotFound) {
			return market.ClaimState{}, storage.ErrNotFound
		}
		return market.ClaimState{}, fmt.Errorf("%w: claim state version %d superseded", storage.ErrConflict, state.Version)
	}

	state.Version++
	state.UpdatedAt = now
	return state, nil
}

// --- TokenStore -------------------------------------------------------------

func (s *Store) GetYieldBalance(ctx context.Context, marketID, account string) (token.YieldBalance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT market_id, account, amount, updated_at
		FROM yield_balances
		WHERE market_id = $1 AND account = $2
	`, marketID, account)

	var bal token.YieldBalance
	err := row.Scan(&bal.MarketID, &bal.Account, &bal.Amount, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return token.YieldBalance{MarketID: marketID, Account: account, Amount: "0"}, nil
	}
	if err != nil {
		return token.YieldBalance{}, err
	}
	return bal, nil
}

func (s *Store) SetYieldBalance(ctx context.Context, bal token.YieldBalance) (token.YieldBalance, error) {
	bal.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO yield_balances (market_id, account, amount, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (market_id, account) DO UPDATE SET amount = $3, updated_at = $4
	`, bal.MarketID, bal.Account, bal.Amount, bal.UpdatedAt)
	if err != nil {
		return token.YieldBalance{}, translateErr(err)
	}
	return bal, nil
}

func (s *Store) ListYieldBalances(ctx context.Context, marketID string) ([]token.YieldBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, account, amount, updated_at
		FROM yield_balances
		WHERE market_id = $1
		ORDER BY account
	`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []token.YieldBalance
	for rows.Next() {
		var bal token.YieldBalance
		if err := rows.Scan(&bal.MarketID, &bal.Account, &bal.Amount, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, bal)
	}
	return result, rows.Err()
}

func (s *Store) CreateNodePass(ctx context.Context, pass token.NodePass) (token.NodePass, error) {
	pass.MintedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_passes (market_id, license_id, owner, minted_at)
		VALUES ($1, $2, $3, $4)
	`, pass.MarketID, pass.LicenseID, pass.Owner, pass.MintedAt)
	if err != nil {
		return token.NodePass{}, translateErr(err)
	}
	return pass, nil
}

func (s *Store) GetNodePass(ctx context.Context, marketID, licenseID string) (token.NodePass, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT market_id, license_id, owner, minted_at
		FROM node_passes
		WHERE market_id = $1 AND license_id = $2
	`, marketID, licenseID)

	var pass token.NodePass
	if err := row.Scan(&pass.MarketID, &pass.LicenseID, &pass.Owner, &pass.MintedAt); err != nil {
		return token.NodePass{}, translateErr(err)
	}
	return pass, nil
}

func (s *Store) DeleteNodePass(ctx context.Context, marketID, licenseID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM node_passes WHERE market_id = $1 AND license_id = $2
	`, marketID, licenseID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListNodePassesByOwner(ctx context.Context, marketID, owner string) ([]token.NodePass, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, license_id, owner, minted_at
		FROM node_passes
		WHERE market_id = $1 AND owner = $2
		ORDER BY license_id
	`, marketID, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []token.NodePass
	for rows.Next() {
		var pass token.NodePass
		if err := rows.Scan(&pass.MarketID, &pass.LicenseID, &pass.Owner, &pass.MintedAt); err != nil {
			return nil, err
		}
		result = append(result, pass)
	}
	return result, rows.Err()
}

// --- RedemptionStore --------------------------------------------------------

func (s *Store) CreateRedemption(ctx context.Context, rec redemption.Record) (redemption.Record, error) {
	rec.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redemptions (hash, market_id, account, recipient, license_ids, salt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.Hash, rec.MarketID, rec.Account, rec.Recipient, pq.Array(rec.LicenseIDs), rec.Salt, rec.CreatedAt)
	if err != nil {
		return redemption.Record{}, translateErr(err)
	}
	return rec, nil
}

func (s *Store) GetRedemption(ctx context.Context, hash string) (redemption.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, market_id, account, recipient, license_ids, salt, created_at
		FROM redemptions
		WHERE hash = $1
	`, hash)

	var rec redemption.Record
	var ids pq.StringArray
	if err := row.Scan(&rec.Hash, &rec.MarketID, &rec.Account, &rec.Recipient, &ids, &rec.Salt, &rec.CreatedAt); err != nil {
		return redemption.Record{}, translateErr(err)
	}
	rec.LicenseIDs = []string(ids)
	return rec, nil
}

func (s *Store) DeleteRedemption(ctx context.Context, hash string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM redemptions WHERE hash = $1
	`, hash)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- EventStore -------------------------------------------------------------

func (s *Store) CreateEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.CreatedAt = time.Now().UTC()

	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return event.Event{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engine_events (id, type, market_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, evt.ID, string(evt.Type), evt.MarketID, payloadJSON, evt.CreatedAt)
	if err != nil {
		return event.Event{}, translateErr(err)
	}
	return evt, nil
}

func (s *Store) ListEvents(ctx context.Context, marketID string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, market_id, payload, created_at
		FROM engine_events
		WHERE market_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []event.Event
	for rows.Next() {
		var (
			evt        event.Event
			evtType    string
			payloadRaw []byte
		)
		if err := rows.Scan(&evt.ID, &evtType, &evt.MarketID, &payloadRaw, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.Type = event.Type(evtType)
		if len(payloadRaw) > 0 {
			_ = json.Unmarshal(payloadRaw, &evt.Payload)
		}
		result = append(result, evt)
	}
	return result, rows.Err()
}
