package harvester

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/nodepass-labs/yieldpass/internal/app/adapter"
	"github.com/nodepass-labs/yieldpass/internal/app/events"
	enginesvc "github.com/nodepass-labs/yieldpass/internal/app/services/engine"
	marketsvc "github.com/nodepass-labs/yieldpass/internal/app/services/markets"
	tokensvc "github.com/nodepass-labs/yieldpass/internal/app/services/tokens"
	"github.com/nodepass-labs/yieldpass/internal/app/storage/memory"
)

// pollAdapter yields a fixed amount on each unsolicited harvest until it is
// drained, then reports completion.
type pollAdapter struct {
	adapter.Adapter
	remaining int
}

func newPollAdapter(marketID string, rounds int) *pollAdapter {
	return &pollAdapter{
		Adapter:   adapter.NewStakingPool(marketID, "yield-token"),
		remaining: rounds,
	}
}

func (p *pollAdapter) Harvest(ctx context.Context, cred adapter.Credential, data []byte) (*uint256.Int, error) {
	if p.remaining <= 0 {
		return nil, adapter.ErrHarvestCompleted
	}
	p.remaining--
	return uint256.NewInt(5), nil
}

func (p *pollAdapter) HarvestCompleted(ctx context.Context) (bool, error) {
	return p.remaining <= 0, nil
}

func newHarvesterFixture(t *testing.T) (*Harvester, *marketsvc.Service, string) {
	t.Helper()

	store := memory.New()
	registry := adapter.NewRegistry()
	var poll *pollAdapter
	registry.Register("poll", func(marketID string) (adapter.Adapter, error) {
		poll = newPollAdapter(marketID, 2)
		return poll, nil
	})

	recorder := events.NewRecorder(store, nil, nil)
	markets := marketsvc.New(store, registry, recorder, nil)
	tokens := tokensvc.New(store, nil)
	engine := enginesvc.New(markets, tokens, store, store, recorder, nil)

	m, err := markets.Deploy(context.Background(), marketsvc.DeployParams{
		NodeToken:   "node-licenses",
		StartTime:   time.Now().Unix() - 10,
		ExpiryTime:  time.Now().Unix() + 3600,
		AdapterName: "poll",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	return New(engine, markets, "@every 1m", nil), markets, m.ID
}

func TestRunOnceHarvestsPendingYield(t *testing.T) {
	h, markets, marketID := newHarvesterFixture(t)
	ctx := context.Background()

	h.RunOnce(ctx)

	state, err := markets.ClaimState(ctx, marketID)
	if err != nil {
		t.Fatalf("claim state: %v", err)
	}
	if state.Total != "5" {
		t.Fatalf("total = %s, want 5", state.Total)
	}
}

func TestRunOnceMarksCompletedMarkets(t *testing.T) {
	h, markets, marketID := newHarvesterFixture(t)
	ctx := context.Background()

	// Two yielding rounds, then the adapter reports completion.
	h.RunOnce(ctx)
	h.RunOnce(ctx)
	h.RunOnce(ctx)

	if !h.isCompleted(marketID) {
		t.Fatal("market not marked completed after final harvest")
	}

	state, err := markets.ClaimState(ctx, marketID)
	if err != nil {
		t.Fatalf("claim state: %v", err)
	}
	if state.Total != "10" {
		t.Fatalf("total = %s, want 10", state.Total)
	}

	// Completed markets are skipped on later passes.
	h.RunOnce(ctx)
	state, _ = markets.ClaimState(ctx, marketID)
	if state.Total != "10" {
		t.Fatalf("total after skip = %s, want 10", state.Total)
	}
}

func TestStartStop(t *testing.T) {
	h, _, _ := newHarvesterFixture(t)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stop is idempotent.
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
