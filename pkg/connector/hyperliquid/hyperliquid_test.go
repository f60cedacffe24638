package hyperliquid

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/core/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/resiliency"
	"github.com/Mindburn-Labs/keel/core/pkg/signernonce"
	"github.com/Mindburn-Labs/keel/core/pkg/store"
)

// Throwaway key, never funded anywhere.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testConnector(t *testing.T, keyHex string, handler http.Handler) *Connector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := resiliency.NewClient(contracts.FamilyHyperliquid, resiliency.Config{
		Timeout: time.Second, MaxRetries: 0,
	})
	nonces := signernonce.NewCoordinator(store.NewMemoryStore())
	c, err := New(Config{BaseURL: srv.URL, KeyHex: keyHex}, client, nonces)
	require.NoError(t, err)
	return c
}

func orderIntent() *contracts.PerpIntent {
	return &contracts.PerpIntent{
		Market: "btc", Side: "buy", Size: "0.1",
		Price: "64000", OrderType: "limit", Action: ActionOrder,
	}
}

func TestSupportsKnownActions(t *testing.T) {
	c := testConnector(t, "", http.NotFoundHandler())

	assert.True(t, c.Supports(orderIntent()))
	assert.True(t, c.Supports(&contracts.PerpIntent{Action: ActionWithdraw}))
	assert.False(t, c.Supports(&contracts.PerpIntent{Action: "cancel-all"}))
	assert.False(t, c.Supports(&contracts.TransferIntent{}))
}

func TestPreflightOrderFetchesMarket(t *testing.T) {
	c := testConnector(t, testKeyHex, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/info", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "meta", body["type"])
		assert.Equal(t, "BTC", body["market"])
		_ = json.NewEncoder(w).Encode(marketInfo{
			Market: "BTC", MidPrice: "64100", MaxLeverage: 50, SizeDecimal: 3,
		})
	}))

	report, err := c.Preflight(context.Background(), orderIntent())
	require.NoError(t, err)
	assert.True(t, report.Feasible)
	assert.True(t, report.WalletReady)
}

func TestPreflightHaltedMarket(t *testing.T) {
	c := testConnector(t, testKeyHex, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(marketInfo{Market: "BTC", Halted: true})
	}))

	report, err := c.Preflight(context.Background(), orderIntent())
	require.NoError(t, err)
	assert.False(t, report.Feasible)
	assert.Equal(t, "market is halted", report.Reason)
}

func TestPreflightOrderShapeRejections(t *testing.T) {
	c := testConnector(t, testKeyHex, http.NotFoundHandler())

	sideless := orderIntent()
	sideless.Side = "long"
	_, err := c.Preflight(context.Background(), sideless)
	require.Error(t, err)
	assert.Equal(t, errcode.Code("HYPERLIQUID_PREFLIGHT_FAILED"), errcode.CodeOf(err))

	priceless := orderIntent()
	priceless.Price = ""
	_, err = c.Preflight(context.Background(), priceless)
	require.Error(t, err)
}

func TestPreflightWithdrawSkipsMarketLookup(t *testing.T) {
	c := testConnector(t, testKeyHex, http.NotFoundHandler())

	report, err := c.Preflight(context.Background(), &contracts.PerpIntent{
		Action: ActionWithdraw, Size: "500",
	})
	require.NoError(t, err)
	assert.True(t, report.Feasible)
}

func TestExecuteSignsWithCoordinatedNonce(t *testing.T) {
	var submissions []map[string]any
	c := testConnector(t, testKeyHex, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exchange", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		submissions = append(submissions, body)
		_ = json.NewEncoder(w).Encode(exchangeResponse{Status: "ok", OrderID: "oid-1"})
	}))

	ctx := context.Background()
	result, err := c.Execute(ctx, "run-1", orderIntent(), nil)
	require.NoError(t, err)
	assert.Equal(t, "oid-1", result.Reference)

	_, err = c.Execute(ctx, "run-2", orderIntent(), nil)
	require.NoError(t, err)

	require.Len(t, submissions, 2)
	assert.Equal(t, float64(1), submissions[0]["nonce"])
	assert.Equal(t, float64(2), submissions[1]["nonce"], "each submission draws a fresh nonce")

	// The signature recovers the connector's own API wallet.
	payload, err := canonicalize.JCS(map[string]any{
		"action": submissions[0]["action"], "nonce": uint64(1),
	})
	require.NoError(t, err)
	sigHex := submissions[0]["signature"].(string)
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), sig)
	require.NoError(t, err)
	assert.Equal(t, c.address, strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()))
}

func TestExecuteWithoutKeyRefuses(t *testing.T) {
	c := testConnector(t, "", http.NotFoundHandler())

	_, err := c.Execute(context.Background(), "run-1", orderIntent(), nil)
	require.Error(t, err)
	assert.Equal(t, errcode.Code("HYPERLIQUID_EXECUTION_FAILED"), errcode.CodeOf(err))
}

func TestExecuteSurfacesExchangeError(t *testing.T) {
	c := testConnector(t, testKeyHex, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(exchangeResponse{Error: "insufficient margin"})
	}))

	_, err := c.Execute(context.Background(), "run-1", orderIntent(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient margin")
}
