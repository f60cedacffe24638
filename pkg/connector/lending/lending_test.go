package lending

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/resiliency"
)

func testAdapter(t *testing.T, handler http.Handler) *PoolAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL: srv.URL,
		Wallet:  "0xwallet",
		Chains:  []string{"ethereum"},
		Markets: []string{"USDC", "DAI"},
	}
	client := resiliency.NewClient(contracts.FamilyDefi, resiliency.Config{
		Timeout: time.Second, MaxRetries: 0,
	})
	return NewPoolAdapter(cfg, client)
}

func depositIntent() *contracts.LendingIntent {
	return &contracts.LendingIntent{
		Chain: "Ethereum", Protocol: "Aave", Asset: "usdc",
		Amount: "100", Action: ActionDeposit,
	}
}

func marketHandler(paused bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(marketState{
			Asset: "USDC", SupplyAPY: "3.1", Liquidity: "900000", Paused: paused,
		})
	})
}

func TestSupportsRoutesByProtocolAndChain(t *testing.T) {
	pool := testAdapter(t, http.NotFoundHandler())

	assert.True(t, pool.Supports(depositIntent()))

	other := depositIntent()
	other.Protocol = "compound"
	assert.False(t, pool.Supports(other), "the pool adapter only claims its own protocol")

	offChain := depositIntent()
	offChain.Chain = "solana"
	assert.False(t, pool.Supports(offChain))
}

func TestCTokenAdapterClaimsCompound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	client := resiliency.NewClient(contracts.FamilyDefi, resiliency.Config{Timeout: time.Second})
	ct := NewCTokenAdapter(Config{
		BaseURL: srv.URL, Chains: []string{"ethereum"}, Markets: []string{"USDC"},
	}, client)

	intent := depositIntent()
	intent.Protocol = "compound"
	assert.True(t, ct.Supports(intent))
	assert.False(t, ct.Supports(depositIntent()))
}

func TestPreflightReadsMarketState(t *testing.T) {
	pool := testAdapter(t, marketHandler(false))

	report, err := pool.Preflight(context.Background(), depositIntent())
	require.NoError(t, err)
	assert.True(t, report.Feasible)
	assert.Equal(t, "aave", report.Connector)

	var market marketState
	require.NoError(t, json.Unmarshal(report.Plan, &market))
	assert.Equal(t, "3.1", market.SupplyAPY)
}

func TestPreflightPausedMarket(t *testing.T) {
	pool := testAdapter(t, marketHandler(true))

	report, err := pool.Preflight(context.Background(), depositIntent())
	require.NoError(t, err)
	assert.False(t, report.Feasible)
	assert.Equal(t, "market is paused", report.Reason)
}

func TestPreflightUnknownMarket(t *testing.T) {
	pool := testAdapter(t, marketHandler(false))
	intent := depositIntent()
	intent.Asset = "SHIB"

	_, err := pool.Preflight(context.Background(), intent)
	require.Error(t, err)
	assert.Equal(t, errcode.Code("DEFI_PREFLIGHT_FAILED"), errcode.CodeOf(err))
}

func TestExecuteSubmitsAction(t *testing.T) {
	var actionBody map[string]any
	pool := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(marketState{Asset: "USDC"})
		case r.URL.Path == "/v1/deposit":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&actionBody))
			_ = json.NewEncoder(w).Encode(actionResponse{TxHash: "0xdep", Status: "submitted"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	result, err := pool.Execute(context.Background(), "run-1", depositIntent(), nil)
	require.NoError(t, err)
	assert.Equal(t, "0xdep", result.Reference)
	assert.Equal(t, "run-1", actionBody["clientRef"])
	assert.Equal(t, "USDC", actionBody["asset"])
}

func TestExecuteRejectsWhenMarketPauses(t *testing.T) {
	// The market pauses between preflight and execute; the re-check refuses.
	pool := testAdapter(t, marketHandler(true))

	_, err := pool.Execute(context.Background(), "run-1", depositIntent(), nil)
	require.Error(t, err)
	assert.Equal(t, errcode.Code("DEFI_EXECUTION_FAILED"), errcode.CodeOf(err))
}
