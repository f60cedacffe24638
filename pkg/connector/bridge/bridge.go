// Package bridge moves assets between chains through a generic bridge
// provider. The provider serves a fixed route matrix; routes it cannot
// serve are rejected up front with a suggested two-hop pipeline instead of
// failing mid-transfer. A successful execute hands back a settlement
// handle, since the destination credit is not observable from the source
// transaction.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/connector"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/resiliency"
)

// depositOnlyChain hosts a native account-credit mechanism the generic
// provider cannot reach; transfers there go via an intermediate hop plus
// the venue's own deposit flow.
const depositOnlyChain = "hyperliquid"

// intermediateChain is the hop suggested when a route needs to reach the
// deposit-only chain.
const intermediateChain = "arbitrum"

// Route is one supported source/destination pair.
type Route struct {
	Source string `yaml:"source" json:"source"`
	Dest   string `yaml:"dest" json:"dest"`
}

// Config points the connector at a bridge provider deployment.
type Config struct {
	BaseURL string  `yaml:"baseUrl" json:"baseUrl"`
	Wallet  string  `yaml:"wallet" json:"wallet"`
	Routes  []Route `yaml:"routes" json:"routes"`
}

// Connector handles the bridge family.
type Connector struct {
	cfg    Config
	routes map[string]bool
	http   *resiliency.Client
	clock  func() time.Time
}

// New builds the connector.
func New(cfg Config, client *resiliency.Client) *Connector {
	routes := make(map[string]bool, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes[routeKey(r.Source, r.Dest)] = true
	}
	return &Connector{cfg: cfg, routes: routes, http: client, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Connector) WithClock(clock func() time.Time) *Connector {
	c.clock = clock
	return c
}

func routeKey(src, dst string) string {
	return strings.ToLower(src) + "->" + strings.ToLower(dst)
}

func (c *Connector) Name() string   { return "bridge-provider" }
func (c *Connector) Family() string { return contracts.FamilyBridge }

// Supports claims every bridge intent; route feasibility is a preflight
// concern so the caller gets the typed route error with its suggested
// pipeline instead of a generic PROTOCOL_UNSUPPORTED.
func (c *Connector) Supports(intent contracts.Intent) bool {
	_, ok := intent.(*contracts.BridgeIntent)
	return ok
}

// checkRoute validates the pair against the provider matrix. Unsupported
// routes carry details.suggestedPipeline naming the two hops that reach
// the destination.
func (c *Connector) checkRoute(b *contracts.BridgeIntent) error {
	src := strings.ToLower(b.SourceChain)
	dst := strings.ToLower(b.DestChain)
	if c.routes[routeKey(src, dst)] {
		return nil
	}

	err := errcode.Newf(errcode.FamilyCode(contracts.FamilyBridge, errcode.SuffixRouteNotSupported),
		"bridge provider has no route from %s to %s", src, dst)
	if dst == depositOnlyChain {
		return err.WithDetail("suggestedPipeline", []string{
			fmt.Sprintf("bridge %s from %s to %s", strings.ToUpper(b.Asset), src, intermediateChain),
			fmt.Sprintf("hyperliquid.deposit %s from %s", strings.ToUpper(b.Asset), intermediateChain),
		})
	}
	return err.WithDetail("suggestedPipeline", []string{
		fmt.Sprintf("bridge %s from %s to %s", strings.ToUpper(b.Asset), src, intermediateChain),
		fmt.Sprintf("bridge %s from %s to %s", strings.ToUpper(b.Asset), intermediateChain, dst),
	})
}

// bridgeQuote is the provider's transfer estimate.
type bridgeQuote struct {
	EstimatedOut      string `json:"estimatedOut"`
	FeeAmount         string `json:"feeAmount"`
	EstimatedDuration int    `json:"estimatedDurationSec"`
	QuoteID           string `json:"quoteId"`
}

type transferResponse struct {
	OrderID      string `json:"orderId"`
	SourceTxHash string `json:"sourceTxHash"`
	Status       string `json:"status"`
}

// Preflight validates the route and fetches a transfer quote.
func (c *Connector) Preflight(ctx context.Context, intent contracts.Intent) (*connector.PreflightReport, error) {
	b := intent.(*contracts.BridgeIntent)
	if err := c.checkRoute(b); err != nil {
		return nil, err
	}

	body := map[string]any{
		"sourceChain": strings.ToLower(b.SourceChain),
		"destChain":   strings.ToLower(b.DestChain),
		"asset":       strings.ToUpper(b.Asset),
		"amount":      b.Amount,
	}
	var q bridgeQuote
	if err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/v1/quote", body, &q, nil); err != nil {
		return nil, errcode.Wrap(errcode.FamilyCode(contracts.FamilyBridge, errcode.SuffixPreflightFailed),
			err, "fetch bridge quote")
	}

	raw, err := json.Marshal(q)
	if err != nil {
		return nil, errcode.Wrap(errcode.FamilyCode(contracts.FamilyBridge, errcode.SuffixPreflightFailed),
			err, "encode plan")
	}
	return &connector.PreflightReport{
		Family:      contracts.FamilyBridge,
		Connector:   c.Name(),
		Chain:       strings.ToLower(b.SourceChain),
		WalletReady: c.cfg.Wallet != "",
		Feasible:    true,
		EstimatedAt: c.clock().UTC(),
		Plan:        raw,
	}, nil
}

// Execute submits the transfer. The returned settlement handle carries the
// provider order id the tracker polls until the destination credit lands.
func (c *Connector) Execute(ctx context.Context, runID string, intent contracts.Intent, _ *connector.PreflightReport) (*connector.ExecutionResult, error) {
	b := intent.(*contracts.BridgeIntent)
	failed := errcode.FamilyCode(contracts.FamilyBridge, errcode.SuffixExecutionFailed)

	if c.cfg.Wallet == "" {
		return nil, errcode.New(failed, "no wallet configured")
	}
	if err := c.checkRoute(b); err != nil {
		return nil, err
	}

	recipient := b.Recipient
	if recipient == "" {
		recipient = c.cfg.Wallet
	}
	body := map[string]any{
		"sourceChain": strings.ToLower(b.SourceChain),
		"destChain":   strings.ToLower(b.DestChain),
		"asset":       strings.ToUpper(b.Asset),
		"amount":      b.Amount,
		"wallet":      c.cfg.Wallet,
		"recipient":   recipient,
		"clientRef":   runID,
	}
	var res transferResponse
	if err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/v1/transfer", body, &res, nil); err != nil {
		return nil, errcode.Wrap(failed, err, "submit bridge transfer")
	}

	detail, _ := json.Marshal(map[string]any{
		"sourceChain": strings.ToLower(b.SourceChain),
		"destChain":   strings.ToLower(b.DestChain),
	})
	return &connector.ExecutionResult{
		Family:      contracts.FamilyBridge,
		Connector:   c.Name(),
		Reference:   res.SourceTxHash,
		Status:      res.Status,
		SubmittedAt: c.clock().UTC(),
		Detail:      detail,
		Settlement: &connector.SettlementHandle{
			OrderID:      res.OrderID,
			SourceTxHash: res.SourceTxHash,
		},
	}, nil
}
