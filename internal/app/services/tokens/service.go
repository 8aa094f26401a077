// Package tokens maintains the yield-pass and node-pass ledgers. Shares are
// minted and burned only by the engine; transfers between accounts are open.
package tokens

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/nodepass-labs/yieldpass/internal/app/domain/token"
	"github.com/nodepass-labs/yieldpass/internal/app/storage"
	"github.com/nodepass-labs/yieldpass/pkg/logger"
)

// Errors
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotOwner            = errors.New("caller does not own node pass")
)

// Service is the token ledger.
type Service struct {
	store storage.TokenStore
	log   *logger.Logger
}

// New constructs a token ledger service.
func New(store storage.TokenStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tokens")
	}
	return &Service{store: store, log: log}
}

// Balance returns the yield-pass balance for an account in a market.
func (s *Service) Balance(ctx context.Context, marketID, account string) (*uint256.Int, error) {
	bal, err := s.store.GetYieldBalance(ctx, marketID, account)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return token.ParseAmount(bal.Amount)
}

// MintShares credits freshly minted yield-pass shares to an account.
func (s *Service) MintShares(ctx context.Context, marketID, account string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}

	current, err := s.Balance(ctx, marketID, account)
	if err != nil {
		return err
	}

	next := new(uint256.Int).Add(current, amount)
	_, err = s.store.SetYieldBalance(ctx, token.YieldBalance{
		MarketID: marketID,
		Account:  account,
		Amount:   token.FormatAmount(next),
	})
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// BurnShares debits yield-pass shares from an account, failing when the
// balance is insufficient.
func (s *Service) BurnShares(ctx context.Context, marketID, account string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}

	current, err := s.Balance(ctx, marketID, account)
	if err != nil {
		return err
	}
	if current.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, current.Dec(), amount.Dec())
	}

	next := new(uint256.Int).Sub(current, amount)
	_, err = s.store.SetYieldBalance(ctx, token.YieldBalance{
		MarketID: marketID,
		Account:  account,
		Amount:   token.FormatAmount(next),
	})
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// Transfer moves yield-pass shares between accounts.
func (s *Service) Transfer(ctx context.Context, marketID, from, to string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if from == to {
		return nil
	}

	if err := s.BurnShares(ctx, marketID, from, amount); err != nil {
		return err
	}
	if err := s.MintShares(ctx, marketID, to, amount); err != nil {
		// Restore the debited side; the stores never fail both legs in
		// normal operation, so surface loudly if this happens.
		if restoreErr := s.MintShares(ctx, marketID, from, amount); restoreErr != nil {
			s.log.WithError(restoreErr).Error("transfer rollback failed")
		}
		return err
	}

	s.log.WithField("market_id", marketID).
		WithField("from", from).
		WithField("to", to).
		WithField("amount", amount.Dec()).
		Info("yield pass transferred")
	return nil
}

// MintNodePass issues the node-pass token for one deposited license.
func (s *Service) MintNodePass(ctx context.Context, marketID, licenseID, owner string) (token.NodePass, error) {
	pass, err := s.store.CreateNodePass(ctx, token.NodePass{
		MarketID:  marketID,
		LicenseID: licenseID,
		Owner:     owner,
	})
	if err != nil {
		return token.NodePass{}, fmt.Errorf("create node pass: %w", err)
	}
	return pass, nil
}

// BurnNodePass destroys a node-pass after checking ownership.
func (s *Service) BurnNodePass(ctx context.Context, marketID, licenseID, owner string) error {
	pass, err := s.store.GetNodePass(ctx, marketID, licenseID)
	if err != nil {
		return fmt.Errorf("get node pass: %w", err)
	}
	if pass.Owner != owner {
		return fmt.Errorf("%w: license %s owned by %s", ErrNotOwner, licenseID, pass.Owner)
	}
	if err := s.store.DeleteNodePass(ctx, marketID, licenseID); err != nil {
		return fmt.Errorf("delete node pass: %w", err)
	}
	return nil
}

// NodePass looks up the node-pass for a license.
func (s *Service) NodePass(ctx context.Context, marketID, licenseID string) (token.NodePass, error) {
	return s.store.GetNodePass(ctx, marketID, licenseID)
}

// ListNodePasses lists an owner's node-passes in a market.
func (s *Service) ListNodePasses(ctx context.Context, marketID, owner string) ([]token.NodePass, error) {
	return s.store.ListNodePassesByOwner(ctx, marketID, owner)
}

// ListBalances lists all yield-pass balances in a market.
func (s *Service) ListBalances(ctx context.Context, marketID string) ([]token.YieldBalance, error) {
	return s.store.ListYieldBalances(ctx, marketID)
}
