package markets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nodepass-labs/yieldpass/internal/app/adapter"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/market"
	"github.com/nodepass-labs/yieldpass/internal/app/events"
	"github.com/nodepass-labs/yieldpass/internal/app/storage/memory"
)

func newService() (*Service, *memory.Store) {
	store := memory.New()
	registry := adapter.NewRegistry()
	registry.Register("stakingpool", adapter.StakingPoolFactory("yield-token"))
	recorder := events.NewRecorder(store, nil, nil)
	return New(store, registry, recorder, nil), store
}

func TestDeployProvisionsTokenPairAndState(t *testing.T) {
	svc, store := newService()

	m, err := svc.Deploy(context.Background(), DeployParams{
		NodeToken:   "node-licenses",
		StartTime:   1000,
		ExpiryTime:  2000,
		AdapterName: "stakingpool",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if m.YieldPassToken == "" || m.NodePassToken == "" {
		t.Fatalf("token pair not provisioned: %+v", m)
	}

	state, err := store.GetClaimState(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("claim state: %v", err)
	}
	if state.Total != "0" || state.Shares != "0" || state.Balance != "0" {
		t.Fatalf("claim state not zeroed: %+v", state)
	}
}

func TestDeployRejectsDuplicatePair(t *testing.T) {
	svc, _ := newService()
	params := DeployParams{
		NodeToken:   "node-licenses",
		StartTime:   1000,
		ExpiryTime:  2000,
		AdapterName: "stakingpool",
	}

	if _, err := svc.Deploy(context.Background(), params); err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	if _, err := svc.Deploy(context.Background(), params); !errors.Is(err, ErrMarketExists) {
		t.Fatalf("err = %v, want ErrMarketExists", err)
	}

	// Same collection with a different expiry is a distinct market.
	params.ExpiryTime = 3000
	if _, err := svc.Deploy(context.Background(), params); err != nil {
		t.Fatalf("different expiry deploy: %v", err)
	}
}

func TestDeployRejectsInvalidWindow(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Deploy(context.Background(), DeployParams{
		NodeToken:   "node-licenses",
		StartTime:   2000,
		ExpiryTime:  1000,
		AdapterName: "stakingpool",
	})
	if !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("err = %v, want ErrInvalidWindow", err)
	}
}

func TestDeployRejectsUnknownAdapter(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Deploy(context.Background(), DeployParams{
		NodeToken:   "node-licenses",
		StartTime:   1000,
		ExpiryTime:  2000,
		AdapterName: "ghost",
	})
	if !errors.Is(err, ErrUnknownAdapter) {
		t.Fatalf("err = %v, want ErrUnknownAdapter", err)
	}
}

func TestSetAdapterRotatesCredential(t *testing.T) {
	svc, _ := newService()

	m, err := svc.Deploy(context.Background(), DeployParams{
		NodeToken:   "node-licenses",
		StartTime:   1000,
		ExpiryTime:  2000,
		AdapterName: "stakingpool",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	oldAdapter, oldCred, err := svc.AdapterFor(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("adapter for: %v", err)
	}

	if _, err := svc.SetAdapter(context.Background(), m.ID, "stakingpool"); err != nil {
		t.Fatalf("set adapter: %v", err)
	}

	newAdapter, newCred, err := svc.AdapterFor(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("adapter for after swap: %v", err)
	}
	if newAdapter == oldAdapter {
		t.Fatal("adapter instance not replaced")
	}
	if newCred == oldCred {
		t.Fatal("credential not rotated")
	}

	// The rotated credential does not authorize calls on the new adapter
	// when presented as the old one.
	if _, err := newAdapter.Setup(context.Background(), oldCred, "alice", []string{"l1"}, nil); !errors.Is(err, adapter.ErrUnauthorized) {
		t.Fatalf("stale credential err = %v, want ErrUnauthorized", err)
	}
}

func TestAdapterForRebindsAfterRestart(t *testing.T) {
	svc, store := newService()

	m, err := svc.Deploy(context.Background(), DeployParams{
		NodeToken:   "node-licenses",
		StartTime:   1000,
		ExpiryTime:  2000,
		AdapterName: "stakingpool",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	// A fresh service over the same store has no live bindings.
	registry := adapter.NewRegistry()
	registry.Register("stakingpool", adapter.StakingPoolFactory("yield-token"))
	restarted := New(store, registry, events.NewRecorder(store, nil, nil), nil)

	bound, cred, err := restarted.AdapterFor(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("adapter for: %v", err)
	}
	if bound == nil || cred == "" {
		t.Fatal("expected lazily rebound adapter with fresh credential")
	}
}

func TestStatusLifecycle(t *testing.T) {
	svc, _ := newService()
	now := int64(500)
	svc.WithClock(func() time.Time { return time.Unix(now, 0) })

	m, err := svc.Deploy(context.Background(), DeployParams{
		NodeToken:   "node-licenses",
		StartTime:   1000,
		ExpiryTime:  2000,
		AdapterName: "stakingpool",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	assertStatus := func(at int64, want market.Status) {
		t.Helper()
		now = at
		got, err := svc.Status(context.Background(), m)
		if err != nil {
			t.Fatalf("status at %d: %v", at, err)
		}
		if got != want {
			t.Fatalf("status at %d = %s, want %s", at, got, want)
		}
	}

	assertStatus(500, market.StatusPending)
	assertStatus(1500, market.StatusMinting)
	assertStatus(2500, market.StatusClaimable)

	bound, cred, err := svc.AdapterFor(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("adapter for: %v", err)
	}
	if _, err := bound.Harvest(context.Background(), cred, []byte(`{"id":"evt-final","amount":"0","final":true}`)); err != nil {
		t.Fatalf("final harvest: %v", err)
	}
	assertStatus(2500, market.StatusSettled)
}
