package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/nodepass-labs/yieldpass/internal/app/domain/market"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/redemption"
	"github.com/nodepass-labs/yieldpass/internal/app/storage"
)

func TestCreateMarketSeedsClaimState(t *testing.T) {
	store := New()
	ctx := context.Background()

	m, err := store.CreateMarket(ctx, market.Market{NodeToken: "node-licenses", StartTime: 1, ExpiryTime: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.ID == "" {
		t.Fatal("market id not assigned")
	}

	state, err := store.GetClaimState(ctx, m.ID)
	if err != nil {
		t.Fatalf("claim state: %v", err)
	}
	if state.Total != "0" || state.Shares != "0" || state.Balance != "0" || state.Version != 0 {
		t.Fatalf("unexpected zero state: %+v", state)
	}
}

func TestCreateMarketDuplicatePairConflicts(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateMarket(ctx, market.Market{NodeToken: "node-licenses", ExpiryTime: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := store.CreateMarket(ctx, market.Market{NodeToken: "node-licenses", ExpiryTime: 2})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestUpdateClaimStateVersionCheck(t *testing.T) {
	store := New()
	ctx := context.Background()

	m, err := store.CreateMarket(ctx, market.Market{NodeToken: "node-licenses", ExpiryTime: 2})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	state, _ := store.GetClaimState(ctx, m.ID)
	state.Total = "100"
	state.Balance = "100"

	updated, err := store.UpdateClaimState(ctx, state)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("version = %d, want 1", updated.Version)
	}

	// A writer holding the stale snapshot loses.
	state.Total = "200"
	if _, err := store.UpdateClaimState(ctx, state); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}
}

func TestRedemptionLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec := redemption.Record{
		Hash:       "hash-1",
		MarketID:   "m1",
		Account:    "alice",
		Recipient:  "carol",
		LicenseIDs: []string{"l1"},
		Salt:       "salt",
	}
	if _, err := store.CreateRedemption(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateRedemption(ctx, rec); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate err = %v, want ErrConflict", err)
	}

	got, err := store.GetRedemption(ctx, "hash-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Recipient != "carol" {
		t.Fatalf("recipient = %s, want carol", got.Recipient)
	}

	if err := store.DeleteRedemption(ctx, "hash-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteRedemption(ctx, "hash-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestGetYieldBalanceDefaultsToZero(t *testing.T) {
	store := New()
	bal, err := store.GetYieldBalance(context.Background(), "m1", "nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if bal.Amount != "0" {
		t.Fatalf("amount = %s, want 0", bal.Amount)
	}
}
