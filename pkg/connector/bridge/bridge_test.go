package bridge

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

func testConnector(t *testing.T, handler http.Handler) *Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL: srv.URL,
		Wallet:  "0xwallet",
		Routes: []Route{
			{Source: "ethereum", Dest: "arbitrum"},
			{Source: "arbitrum", Dest: "base"},
		},
	}
	client := resiliency.NewClient(contracts.FamilyBridge, resiliency.Config{
		Timeout: time.Second, MaxRetries: 0,
	})
	return New(cfg, client)
}

func TestRouteNotSupportedToDepositOnlyChain(t *testing.T) {
	c := testConnector(t, http.NotFoundHandler())
	intent := &contracts.BridgeIntent{
		SourceChain: "ethereum",
		DestChain:   "hyperliquid",
		Asset:       "USDC",
		Amount:      "100",
	}

	_, err := c.Preflight(context.Background(), intent)
	require.Error(t, err)
	assert.Equal(t, errcode.Code("BRIDGE_ROUTE_NOT_SUPPORTED"), errcode.CodeOf(err))

	var typed *errcode.Error
	require.ErrorAs(t, err, &typed)
	pipeline, ok := typed.Details["suggestedPipeline"].([]string)
	require.True(t, ok)
	require.Len(t, pipeline, 2, "the suggestion names exactly two hops")
	assert.Contains(t, pipeline[0], "arbitrum")
	assert.Contains(t, pipeline[1], "hyperliquid.deposit")
}

func TestRouteNotSupportedGeneric(t *testing.T) {
	c := testConnector(t, http.NotFoundHandler())
	intent := &contracts.BridgeIntent{
		SourceChain: "ethereum",
		DestChain:   "base",
		Asset:       "USDC",
		Amount:      "100",
	}

	_, err := c.Preflight(context.Background(), intent)
	require.Error(t, err)

	var typed *errcode.Error
	require.ErrorAs(t, err, &typed)
	pipeline := typed.Details["suggestedPipeline"].([]string)
	require.Len(t, pipeline, 2)
	assert.Contains(t, pipeline[0], "ethereum")
	assert.Contains(t, pipeline[1], "base")
}

func TestPreflightQuote(t *testing.T) {
	c := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/quote", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"estimatedOut": "99.5", "feeAmount": "0.5", "quoteId": "q-1",
		})
	}))
	intent := &contracts.BridgeIntent{
		SourceChain: "ethereum", DestChain: "arbitrum", Asset: "USDC", Amount: "100",
	}

	report, err := c.Preflight(context.Background(), intent)
	require.NoError(t, err)
	assert.True(t, report.Feasible)
	assert.True(t, report.WalletReady)

	var q bridgeQuote
	require.NoError(t, json.Unmarshal(report.Plan, &q))
	assert.Equal(t, "q-1", q.QuoteID)
}

func TestExecuteReturnsSettlementHandle(t *testing.T) {
	c := testConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfer", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orderId": "order-9", "sourceTxHash": "0xsrc", "status": "pending",
		})
	}))
	intent := &contracts.BridgeIntent{
		SourceChain: "ethereum", DestChain: "arbitrum", Asset: "USDC", Amount: "100",
	}

	result, err := c.Execute(context.Background(), "run-1", intent, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Settlement)
	assert.Equal(t, "order-9", result.Settlement.OrderID)
	assert.Equal(t, "0xsrc", result.Settlement.SourceTxHash)
	assert.Equal(t, "0xsrc", result.Reference)
}

func TestExecuteRejectsUnsupportedRoute(t *testing.T) {
	c := testConnector(t, http.NotFoundHandler())
	intent := &contracts.BridgeIntent{
		SourceChain: "base", DestChain: "ethereum", Asset: "USDC", Amount: "100",
	}

	_, err := c.Execute(context.Background(), "run-1", intent, nil)
	require.Error(t, err)
	assert.Equal(t, errcode.Code("BRIDGE_ROUTE_NOT_SUPPORTED"), errcode.CodeOf(err))
}
