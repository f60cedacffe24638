// Package lending executes deposit and withdraw operations against money
// market protocols. Each protocol gets its own adapter; the registry's
// Supports check routes an intent to the adapter for its protocol, and an
// unconfigured protocol surfaces PROTOCOL_UNSUPPORTED upstream.
package lending

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/connector"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/resiliency"
)

// Actions accepted by every lending adapter.
const (
	ActionDeposit  = "deposit"
	ActionWithdraw = "withdraw"
)

// Config points an adapter at one protocol gateway deployment.
type Config struct {
	BaseURL string   `yaml:"baseUrl" json:"baseUrl"`
	Wallet  string   `yaml:"wallet" json:"wallet"`
	Chains  []string `yaml:"chains" json:"chains"`
	Markets []string `yaml:"markets" json:"markets"` // asset symbols with an active market
}

// adapter carries everything shared by the protocol adapters; the concrete
// types differ only in protocol name and API shape.
type adapter struct {
	protocol string
	cfg      Config
	chains   map[string]bool
	markets  map[string]bool
	http     *resiliency.Client
	clock    func() time.Time
}

func newAdapter(protocol string, cfg Config, client *resiliency.Client) adapter {
	chains := make(map[string]bool, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		chains[strings.ToLower(ch)] = true
	}
	markets := make(map[string]bool, len(cfg.Markets))
	for _, m := range cfg.Markets {
		markets[strings.ToUpper(m)] = true
	}
	return adapter{
		protocol: protocol,
		cfg:      cfg,
		chains:   chains,
		markets:  markets,
		http:     client,
		clock:    time.Now,
	}
}

func (a *adapter) Family() string { return contracts.FamilyDefi }

func (a *adapter) supports(intent contracts.Intent) (*contracts.LendingIntent, bool) {
	l, ok := intent.(*contracts.LendingIntent)
	if !ok {
		return nil, false
	}
	if !strings.EqualFold(l.Protocol, a.protocol) {
		return nil, false
	}
	if !a.chains[strings.ToLower(l.Chain)] {
		return nil, false
	}
	return l, true
}

// marketState is the protocol gateway's market snapshot.
type marketState struct {
	Asset         string `json:"asset"`
	SupplyAPY     string `json:"supplyApy"`
	Liquidity     string `json:"availableLiquidity"`
	Paused        bool   `json:"paused"`
	WalletBalance string `json:"walletBalance,omitempty"`
	Supplied      string `json:"supplied,omitempty"`
}

type actionResponse struct {
	TxHash string `json:"txHash"`
	Status string `json:"status"`
}

func (a *adapter) preflight(ctx context.Context, l *contracts.LendingIntent) (*connector.PreflightReport, error) {
	pfErr := errcode.FamilyCode(contracts.FamilyDefi, errcode.SuffixPreflightFailed)

	if l.Action != ActionDeposit && l.Action != ActionWithdraw {
		return nil, errcode.Newf(pfErr, "unknown lending action %q", l.Action)
	}
	if !a.markets[strings.ToUpper(l.Asset)] {
		return nil, errcode.Newf(pfErr, "%s has no active %s market on %s",
			a.protocol, l.Asset, l.Chain)
	}

	stateURL := a.cfg.BaseURL + "/v1/markets/" + strings.ToLower(l.Chain) + "/" + strings.ToUpper(l.Asset)
	if a.cfg.Wallet != "" {
		stateURL += "?wallet=" + a.cfg.Wallet
	}
	var market marketState
	if err := a.http.GetJSON(ctx, stateURL, &market); err != nil {
		return nil, errcode.Wrap(pfErr, err, "fetch market state")
	}

	report := &connector.PreflightReport{
		Family:      contracts.FamilyDefi,
		Connector:   a.protocol,
		Chain:       strings.ToLower(l.Chain),
		WalletReady: a.cfg.Wallet != "",
		Feasible:    !market.Paused,
		EstimatedAt: a.clock().UTC(),
	}
	if market.Paused {
		report.Reason = "market is paused"
	}
	raw, err := json.Marshal(market)
	if err != nil {
		return nil, errcode.Wrap(pfErr, err, "encode plan")
	}
	report.Plan = raw
	return report, nil
}

func (a *adapter) execute(ctx context.Context, runID string, l *contracts.LendingIntent) (*connector.ExecutionResult, error) {
	failed := errcode.FamilyCode(contracts.FamilyDefi, errcode.SuffixExecutionFailed)

	if a.cfg.Wallet == "" {
		return nil, errcode.New(failed, "no wallet configured")
	}

	// Re-check the market immediately before acting; the preflight snapshot
	// may be arbitrarily stale by now.
	report, err := a.preflight(ctx, l)
	if err != nil {
		return nil, err
	}
	if !report.Feasible {
		return nil, errcode.Newf(failed, "market became infeasible: %s", report.Reason)
	}

	body := map[string]any{
		"chain":     strings.ToLower(l.Chain),
		"asset":     strings.ToUpper(l.Asset),
		"amount":    l.Amount,
		"wallet":    a.cfg.Wallet,
		"clientRef": runID,
	}
	var res actionResponse
	if err := a.http.PostJSON(ctx, a.cfg.BaseURL+"/v1/"+l.Action, body, &res, nil); err != nil {
		return nil, errcode.Wrap(failed, err, "submit "+l.Action)
	}

	detail, _ := json.Marshal(map[string]any{"protocol": a.protocol, "action": l.Action})
	return &connector.ExecutionResult{
		Family:      contracts.FamilyDefi,
		Connector:   a.protocol,
		Reference:   res.TxHash,
		Status:      res.Status,
		SubmittedAt: a.clock().UTC(),
		Detail:      detail,
	}, nil
}

// PoolAdapter speaks to pooled-liquidity markets (aToken style accounting).
type PoolAdapter struct{ adapter }

// NewPoolAdapter builds the pooled-market adapter.
func NewPoolAdapter(cfg Config, client *resiliency.Client) *PoolAdapter {
	return &PoolAdapter{newAdapter("aave", cfg, client)}
}

func (p *PoolAdapter) Name() string { return "lending-pool" }

func (p *PoolAdapter) Supports(intent contracts.Intent) bool {
	_, ok := p.supports(intent)
	return ok
}

func (p *PoolAdapter) Preflight(ctx context.Context, intent contracts.Intent) (*connector.PreflightReport, error) {
	l, _ := p.supports(intent)
	return p.preflight(ctx, l)
}

func (p *PoolAdapter) Execute(ctx context.Context, runID string, intent contracts.Intent, _ *connector.PreflightReport) (*connector.ExecutionResult, error) {
	l, _ := p.supports(intent)
	return p.execute(ctx, runID, l)
}

// WithClock overrides the clock for deterministic testing.
func (p *PoolAdapter) WithClock(clock func() time.Time) *PoolAdapter {
	p.clock = clock
	return p
}

// CTokenAdapter speaks to isolated cToken markets, which expose the same
// gateway shape under a different protocol name and market universe.
type CTokenAdapter struct{ adapter }

// NewCTokenAdapter builds the cToken-market adapter.
func NewCTokenAdapter(cfg Config, client *resiliency.Client) *CTokenAdapter {
	return &CTokenAdapter{newAdapter("compound", cfg, client)}
}

func (c *CTokenAdapter) Name() string { return "lending-ctoken" }

func (c *CTokenAdapter) Supports(intent contracts.Intent) bool {
	_, ok := c.supports(intent)
	return ok
}

func (c *CTokenAdapter) Preflight(ctx context.Context, intent contracts.Intent) (*connector.PreflightReport, error) {
	l, _ := c.supports(intent)
	return c.preflight(ctx, l)
}

func (c *CTokenAdapter) Execute(ctx context.Context, runID string, intent contracts.Intent, _ *connector.PreflightReport) (*connector.ExecutionResult, error) {
	l, _ := c.supports(intent)
	return c.execute(ctx, runID, l)
}

// WithClock overrides the clock for deterministic testing.
func (c *CTokenAdapter) WithClock(clock func() time.Time) *CTokenAdapter {
	c.clock = clock
	return c
}
