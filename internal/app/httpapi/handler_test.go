package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	app "github.com/nodepass-labs/yieldpass/internal/app"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/market"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	application, err := app.New(app.Stores{}, app.Options{}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}

	handler := NewHandler(application, Options{
		JWTSecret:     "test-secret",
		AdminUser:     "admin",
		AdminPassword: "hunter2",
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func adminToken(t *testing.T, server *httptest.Server) string {
	t.Helper()

	resp, body := doJSON(t, http.MethodPost, server.URL+"/auth/login", "", map[string]string{
		"user":     "admin",
		"password": "hunter2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body %s", resp.StatusCode, body)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return payload.Token
}

func deployMarket(t *testing.T, server *httptest.Server, token string, start, expiry int64) market.Market {
	t.Helper()

	resp, body := doJSON(t, http.MethodPost, server.URL+"/markets", token, map[string]any{
		"node_token":   "node-licenses",
		"start_time":   start,
		"expiry_time":  expiry,
		"adapter_name": "stakingpool",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deploy status = %d, body %s", resp.StatusCode, body)
	}

	var m market.Market
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("decode market: %v", err)
	}
	return m
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t)
	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestDeployRequiresAdminToken(t *testing.T) {
	server := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/markets", "", map[string]any{
		"node_token":   "node-licenses",
		"start_time":   1000,
		"expiry_time":  2000,
		"adapter_name": "stakingpool",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	server := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/auth/login", "", map[string]string{
		"user":     "admin",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)
	token := adminToken(t, server)

	now := time.Now().Unix()
	m := deployMarket(t, server, token, now-10, now+3600)

	// Mint one license into the open window.
	resp, body := doJSON(t, http.MethodPost, server.URL+"/markets/"+m.ID+"/mint", "", map[string]any{
		"depositor":       "alice",
		"yield_recipient": "alice",
		"node_recipient":  "alice",
		"license_ids":     []string{"license-1"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mint status = %d, body %s", resp.StatusCode, body)
	}
	var minted struct {
		Shares string `json:"shares"`
	}
	if err := json.Unmarshal(body, &minted); err != nil {
		t.Fatalf("decode mint response: %v", err)
	}
	if minted.Shares == "" || minted.Shares == "0" {
		t.Fatalf("shares = %q, want positive", minted.Shares)
	}

	// Harvest a notification through the adapter.
	resp, body = doJSON(t, http.MethodPost, server.URL+"/markets/"+m.ID+"/harvest", "", map[string]any{
		"adapter_data": json.RawMessage(`{"id":"evt-1","amount":"100"}`),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("harvest status = %d, body %s", resp.StatusCode, body)
	}

	// Claims are refused while the window is open.
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/markets/"+m.ID+"/claim", "", map[string]any{
		"caller":    "alice",
		"recipient": "alice",
		"shares":    "1",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("early claim status = %d, want 409", resp.StatusCode)
	}

	// Balance reflects the mint.
	resp, body = doJSON(t, http.MethodGet, server.URL+"/markets/"+m.ID+"/balances/alice", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance status = %d", resp.StatusCode)
	}
	var bal struct {
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(body, &bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if bal.Amount != minted.Shares {
		t.Fatalf("balance = %s, want %s", bal.Amount, minted.Shares)
	}

	// Claim state shows the harvested pool.
	resp, body = doJSON(t, http.MethodGet, server.URL+"/markets/"+m.ID+"/state", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d", resp.StatusCode)
	}
	var state market.ClaimState
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Total != "100" {
		t.Fatalf("state total = %s, want 100", state.Total)
	}

	// Event log records deploy, mint and harvest.
	resp, body = doJSON(t, http.MethodGet, server.URL+"/markets/"+m.ID+"/events", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	var evts []struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &evts); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("events = %d, want 3", len(evts))
	}
}

func TestWithdrawUnknownRedemptionIs409(t *testing.T) {
	server := newTestServer(t)
	token := adminToken(t, server)

	now := time.Now().Unix()
	m := deployMarket(t, server, token, now-10, now+3600)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/markets/"+m.ID+"/withdraw", "", map[string]any{
		"caller":          "alice",
		"redemption_hash": "no-such-hash",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, body %s, want 409", resp.StatusCode, body)
	}
}

func TestMintUnknownMarketIs404(t *testing.T) {
	server := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/markets/ghost/mint", "", map[string]any{
		"depositor":       "alice",
		"yield_recipient": "alice",
		"node_recipient":  "alice",
		"license_ids":     []string{"license-1"},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeployDuplicateIs409(t *testing.T) {
	server := newTestServer(t)
	token := adminToken(t, server)

	now := time.Now().Unix()
	deployMarket(t, server, token, now-10, now+3600)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/markets", token, map[string]any{
		"node_token":   "node-licenses",
		"start_time":   now - 10,
		"expiry_time":  now + 3600,
		"adapter_name": "stakingpool",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestUnknownAdapterIs400(t *testing.T) {
	server := newTestServer(t)
	token := adminToken(t, server)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/markets", token, map[string]any{
		"node_token":   "node-licenses",
		"start_time":   1000,
		"expiry_time":  2000,
		"adapter_name": "ghost",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s, want 400", resp.StatusCode, body)
	}
}

func TestMalformedTokenRejected(t *testing.T) {
	server := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/markets", "not-a-jwt", map[string]any{
		"node_token":   "node-licenses",
		"start_time":   1000,
		"expiry_time":  2000,
		"adapter_name": "stakingpool",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListMarkets(t *testing.T) {
	server := newTestServer(t)
	token := adminToken(t, server)

	now := time.Now().Unix()
	for i := 0; i < 2; i++ {
		resp, body := doJSON(t, http.MethodPost, server.URL+"/markets", token, map[string]any{
			"node_token":   fmt.Sprintf("collection-%d", i),
			"start_time":   now - 10,
			"expiry_time":  now + 3600,
			"adapter_name": "stakingpool",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("deploy %d status = %d, body %s", i, resp.StatusCode, body)
		}
	}

	resp, body := doJSON(t, http.MethodGet, server.URL+"/markets", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list []market.Market
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("markets = %d, want 2", len(list))
	}
}
