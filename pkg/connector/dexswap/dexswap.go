// Package dexswap executes token swaps through a DEX aggregator HTTP API.
// Preflight fetches a quote; execute re-quotes and submits the swap, so a
// stale preflight quote is never acted on.
package dexswap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/connector"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/resiliency"
)

// Config points the connector at an aggregator deployment.
type Config struct {
	BaseURL string   `yaml:"baseUrl" json:"baseUrl"`
	APIKey  string   `yaml:"apiKey" json:"apiKey"`
	Chains  []string `yaml:"chains" json:"chains"`
	Wallet  string   `yaml:"wallet" json:"wallet"` // funded wallet address; empty means dry-run only
}

// Connector handles the swap family.
type Connector struct {
	cfg    Config
	chains map[string]bool
	http   *resiliency.Client
	clock  func() time.Time
}

// New builds the connector with the shared resilient HTTP client.
func New(cfg Config, client *resiliency.Client) *Connector {
	chains := make(map[string]bool, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		chains[strings.ToLower(ch)] = true
	}
	return &Connector{cfg: cfg, chains: chains, http: client, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Connector) WithClock(clock func() time.Time) *Connector {
	c.clock = clock
	return c
}

func (c *Connector) Name() string   { return "dex-aggregator" }
func (c *Connector) Family() string { return contracts.FamilySwap }

func (c *Connector) Supports(intent contracts.Intent) bool {
	s, ok := intent.(*contracts.SwapIntent)
	if !ok {
		return false
	}
	return c.chains[strings.ToLower(s.Chain)]
}

// quote is the aggregator's quote response.
type quote struct {
	SellAsset   string `json:"sellAsset"`
	BuyAsset    string `json:"buyAsset"`
	SellAmount  string `json:"sellAmount"`
	BuyAmount   string `json:"buyAmount"`
	PriceImpact string `json:"priceImpactBps"`
	Route       []struct {
		Pool string `json:"pool"`
		Dex  string `json:"dex"`
	} `json:"route"`
	QuoteID string `json:"quoteId"`
}

type swapResponse struct {
	TxHash  string `json:"txHash"`
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

func (c *Connector) quoteURL(s *contracts.SwapIntent) string {
	q := url.Values{}
	q.Set("chain", strings.ToLower(s.Chain))
	q.Set("sell", strings.ToUpper(s.SellAsset))
	q.Set("buy", strings.ToUpper(s.BuyAsset))
	q.Set("amount", s.Amount)
	q.Set("slippageBps", fmt.Sprintf("%d", s.SlippageBps))
	return c.cfg.BaseURL + "/v1/quote?" + q.Encode()
}

// Preflight fetches a route quote. Missing wallet credentials degrade to a
// partial report rather than an error so dry runs work without live keys.
func (c *Connector) Preflight(ctx context.Context, intent contracts.Intent) (*connector.PreflightReport, error) {
	s := intent.(*contracts.SwapIntent)

	var q quote
	if err := c.http.GetJSON(ctx, c.quoteURL(s), &q); err != nil {
		return nil, errcode.Wrap(errcode.FamilyCode(contracts.FamilySwap, errcode.SuffixPreflightFailed),
			err, "fetch quote")
	}
	if len(q.Route) == 0 {
		return nil, errcode.Newf(errcode.FamilyCode(contracts.FamilySwap, errcode.SuffixPreflightFailed),
			"no route from %s to %s on %s", s.SellAsset, s.BuyAsset, s.Chain)
	}

	raw, err := json.Marshal(q)
	if err != nil {
		return nil, errcode.Wrap(errcode.FamilyCode(contracts.FamilySwap, errcode.SuffixPreflightFailed),
			err, "encode plan")
	}
	return &connector.PreflightReport{
		Family:      contracts.FamilySwap,
		Connector:   c.Name(),
		Chain:       strings.ToLower(s.Chain),
		WalletReady: c.cfg.Wallet != "",
		Feasible:    true,
		EstimatedAt: c.clock().UTC(),
		Plan:        raw,
	}, nil
}

// Execute re-quotes and submits the swap. The fresh quote id ties the
// submission to a route the aggregator priced within its own validity
// window.
func (c *Connector) Execute(ctx context.Context, runID string, intent contracts.Intent, _ *connector.PreflightReport) (*connector.ExecutionResult, error) {
	s := intent.(*contracts.SwapIntent)
	failed := errcode.FamilyCode(contracts.FamilySwap, errcode.SuffixExecutionFailed)

	if c.cfg.Wallet == "" {
		return nil, errcode.New(failed, "no wallet configured")
	}

	var q quote
	if err := c.http.GetJSON(ctx, c.quoteURL(s), &q); err != nil {
		return nil, errcode.Wrap(failed, err, "refresh quote")
	}
	if len(q.Route) == 0 {
		return nil, errcode.Newf(failed, "route disappeared for %s to %s on %s",
			s.SellAsset, s.BuyAsset, s.Chain)
	}

	recipient := s.Recipient
	if recipient == "" {
		recipient = c.cfg.Wallet
	}
	body := map[string]any{
		"quoteId":     q.QuoteID,
		"chain":       strings.ToLower(s.Chain),
		"wallet":      c.cfg.Wallet,
		"recipient":   recipient,
		"slippageBps": s.SlippageBps,
		"clientRef":   runID,
	}
	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["X-Api-Key"] = c.cfg.APIKey
	}

	var res swapResponse
	if err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/v1/swap", body, &res, headers); err != nil {
		return nil, errcode.Wrap(failed, err, "submit swap")
	}

	reference := res.TxHash
	if reference == "" {
		reference = res.OrderID
	}
	detail, _ := json.Marshal(map[string]any{
		"quoteId":   q.QuoteID,
		"orderId":   res.OrderID,
		"buyAmount": q.BuyAmount,
	})
	return &connector.ExecutionResult{
		Family:      contracts.FamilySwap,
		Connector:   c.Name(),
		Reference:   reference,
		Status:      res.Status,
		SubmittedAt: c.clock().UTC(),
		Detail:      detail,
	}, nil
}
