// Package hyperliquid executes perp orders and withdrawals on the
// Hyperliquid exchange API. Exchange actions are ECDSA-signed over the
// canonical action payload, and every signed request carries a strictly
// increasing nonce drawn from the signer nonce coordinator so replays and
// out-of-order submissions are rejected exchange-side.
package hyperliquid

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Mindburn-Labs/keel/core/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/core/pkg/connector"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/resiliency"
	"github.com/Mindburn-Labs/keel/core/pkg/signernonce"
)

// Actions accepted by the connector.
const (
	ActionOrder    = "order"
	ActionWithdraw = "withdraw"
)

// Config points the connector at an API deployment.
type Config struct {
	BaseURL string `yaml:"baseUrl" json:"baseUrl"`
	KeyHex  string `yaml:"keyHex" json:"keyHex"` // API wallet key; empty means dry-run only
}

// Connector handles the hyperliquid family.
type Connector struct {
	cfg     Config
	key     *ecdsa.PrivateKey
	address string
	http    *resiliency.Client
	nonces  *signernonce.Coordinator
	clock   func() time.Time
}

// New builds the connector.
func New(cfg Config, client *resiliency.Client, nonces *signernonce.Coordinator) (*Connector, error) {
	c := &Connector{cfg: cfg, http: client, nonces: nonces, clock: time.Now}
	if cfg.KeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.KeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("hyperliquid connector: parse api key: %w", err)
		}
		c.key = key
		c.address = strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	}
	return c, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Connector) WithClock(clock func() time.Time) *Connector {
	c.clock = clock
	return c
}

func (c *Connector) Name() string   { return "hyperliquid" }
func (c *Connector) Family() string { return contracts.FamilyHyperliquid }

func (c *Connector) Supports(intent contracts.Intent) bool {
	p, ok := intent.(*contracts.PerpIntent)
	if !ok {
		return false
	}
	return p.Action == ActionOrder || p.Action == ActionWithdraw
}

// marketInfo is the venue's market snapshot.
type marketInfo struct {
	Market      string `json:"market"`
	MidPrice    string `json:"midPx"`
	MaxLeverage int    `json:"maxLeverage"`
	SizeDecimal int    `json:"szDecimals"`
	Halted      bool   `json:"halted"`
}

type exchangeResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"oid"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Preflight fetches the market snapshot and validates the order shape.
// Withdrawals only need the wallet check.
func (c *Connector) Preflight(ctx context.Context, intent contracts.Intent) (*connector.PreflightReport, error) {
	p := intent.(*contracts.PerpIntent)
	pfErr := errcode.FamilyCode(contracts.FamilyHyperliquid, errcode.SuffixPreflightFailed)

	report := &connector.PreflightReport{
		Family:      contracts.FamilyHyperliquid,
		Connector:   c.Name(),
		WalletReady: c.key != nil,
		Feasible:    true,
		EstimatedAt: c.clock().UTC(),
	}

	if p.Action == ActionWithdraw {
		raw, _ := json.Marshal(map[string]any{"action": ActionWithdraw, "size": p.Size})
		report.Plan = raw
		return report, nil
	}

	if p.Side != "buy" && p.Side != "sell" {
		return nil, errcode.Newf(pfErr, "invalid order side %q", p.Side)
	}
	if p.OrderType == "limit" && p.Price == "" {
		return nil, errcode.New(pfErr, "limit order requires a price")
	}

	var info marketInfo
	body := map[string]any{"type": "meta", "market": strings.ToUpper(p.Market)}
	if err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/info", body, &info, nil); err != nil {
		return nil, errcode.Wrap(pfErr, err, "fetch market info")
	}
	if info.Market == "" {
		return nil, errcode.Newf(pfErr, "unknown market %q", p.Market)
	}
	if info.Halted {
		report.Feasible = false
		report.Reason = "market is halted"
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return nil, errcode.Wrap(pfErr, err, "encode plan")
	}
	report.Plan = raw
	return report, nil
}

// signAction signs the canonical action payload together with its nonce.
// The exchange rejects any nonce at or below the last accepted one for the
// key, which is why issuance goes through the coordinator.
func (c *Connector) signAction(action map[string]any, nonce uint64) (string, error) {
	payload, err := canonicalize.JCS(map[string]any{"action": action, "nonce": nonce})
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(crypto.Keccak256(payload), c.key)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// Execute signs and submits the exchange action.
func (c *Connector) Execute(ctx context.Context, runID string, intent contracts.Intent, _ *connector.PreflightReport) (*connector.ExecutionResult, error) {
	p := intent.(*contracts.PerpIntent)
	failed := errcode.FamilyCode(contracts.FamilyHyperliquid, errcode.SuffixExecutionFailed)

	if c.key == nil {
		return nil, errcode.New(failed, "no api wallet configured")
	}

	var action map[string]any
	switch p.Action {
	case ActionOrder:
		action = map[string]any{
			"type":       "order",
			"market":     strings.ToUpper(p.Market),
			"side":       p.Side,
			"size":       p.Size,
			"price":      p.Price,
			"orderType":  p.OrderType,
			"reduceOnly": p.ReduceOnly,
			"clientRef":  runID,
		}
	case ActionWithdraw:
		action = map[string]any{
			"type":      "withdraw",
			"size":      p.Size,
			"clientRef": runID,
		}
	default:
		return nil, errcode.Newf(failed, "unknown action %q", p.Action)
	}

	nonce, err := c.nonces.Next(ctx, "hyperliquid:"+c.address)
	if err != nil {
		return nil, err
	}
	signature, err := c.signAction(action, nonce)
	if err != nil {
		return nil, errcode.Wrap(failed, err, "sign exchange action")
	}

	var res exchangeResponse
	body := map[string]any{"action": action, "nonce": nonce, "signature": signature}
	if err := c.http.PostJSON(ctx, c.cfg.BaseURL+"/exchange", body, &res, nil); err != nil {
		return nil, errcode.Wrap(failed, err, "submit exchange action")
	}
	if res.Error != "" {
		return nil, errcode.Newf(failed, "exchange rejected action: %s", res.Error)
	}

	reference := res.OrderID
	if reference == "" {
		reference = res.TxHash
	}
	detail, _ := json.Marshal(map[string]any{"action": p.Action, "nonce": nonce})
	return &connector.ExecutionResult{
		Family:      contracts.FamilyHyperliquid,
		Connector:   c.Name(),
		Reference:   reference,
		Status:      res.Status,
		SubmittedAt: c.clock().UTC(),
		Detail:      detail,
	}, nil
}
