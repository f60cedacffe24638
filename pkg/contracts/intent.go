package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Intent is the closed union of normalized, operation-specific intents.
// Intents arrive pre-validated against their per-operation schema; decoding
// here only binds them to their concrete type. Amounts are decimal strings
// throughout; the gateway never does float arithmetic on money.
type Intent interface {
	// IntentFamily returns the connector family the intent belongs to.
	IntentFamily() string
	// Canonical returns the deterministic, key-stable representation used
	// for idempotency hashing. Two envelopes with equal canonical intents
	// and policy version describe the same economic action.
	Canonical() map[string]any
}

// TransferIntent moves a native or token asset on a single chain.
type TransferIntent struct {
	Chain     string `json:"chain"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Memo      string `json:"memo,omitempty"`
}

func (i TransferIntent) IntentFamily() string { return FamilyTransfer }

func (i TransferIntent) Canonical() map[string]any {
	return map[string]any{
		"family":    FamilyTransfer,
		"chain":     strings.ToLower(i.Chain),
		"asset":     strings.ToUpper(i.Asset),
		"amount":    i.Amount,
		"recipient": strings.ToLower(i.Recipient),
	}
}

// SwapIntent exchanges one asset for another through a DEX aggregator.
type SwapIntent struct {
	Chain       string `json:"chain"`
	SellAsset   string `json:"sellAsset"`
	BuyAsset    string `json:"buyAsset"`
	Amount      string `json:"amount"`
	SlippageBps int    `json:"slippageBps,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
}

func (i SwapIntent) IntentFamily() string { return FamilySwap }

func (i SwapIntent) Canonical() map[string]any {
	return map[string]any{
		"family":    FamilySwap,
		"chain":     strings.ToLower(i.Chain),
		"sellAsset": strings.ToUpper(i.SellAsset),
		"buyAsset":  strings.ToUpper(i.BuyAsset),
		"amount":    i.Amount,
		"recipient": strings.ToLower(i.Recipient),
	}
}

// LendingIntent deposits to or withdraws from a lending protocol.
type LendingIntent struct {
	Chain    string `json:"chain"`
	Protocol string `json:"protocol"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	// Action is "deposit" or "withdraw", derived from the operation.
	Action string `json:"action"`
}

func (i LendingIntent) IntentFamily() string { return FamilyDefi }

func (i LendingIntent) Canonical() map[string]any {
	return map[string]any{
		"family":   FamilyDefi,
		"chain":    strings.ToLower(i.Chain),
		"protocol": strings.ToLower(i.Protocol),
		"asset":    strings.ToUpper(i.Asset),
		"amount":   i.Amount,
		"action":   i.Action,
	}
}

// BridgeIntent moves an asset from one chain to another through a bridge
// provider. Completion is multi-step: a source-chain transaction plus a
// destination-chain credit observed by the settlement tracker.
type BridgeIntent struct {
	SourceChain string `json:"sourceChain"`
	DestChain   string `json:"destChain"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Recipient   string `json:"recipient"`
}

func (i BridgeIntent) IntentFamily() string { return FamilyBridge }

func (i BridgeIntent) Canonical() map[string]any {
	return map[string]any{
		"family":      FamilyBridge,
		"sourceChain": strings.ToLower(i.SourceChain),
		"destChain":   strings.ToLower(i.DestChain),
		"asset":       strings.ToUpper(i.Asset),
		"amount":      i.Amount,
		"recipient":   strings.ToLower(i.Recipient),
	}
}

// PerpIntent places or cancels an order on the Hyperliquid exchange.
type PerpIntent struct {
	Market     string `json:"market"`
	Side       string `json:"side"` // "buy" or "sell"
	Size       string `json:"size"`
	Price      string `json:"price,omitempty"` // empty for market orders
	OrderType  string `json:"orderType"`       // "limit" or "market"
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
	// Action is the hyperliquid.* suffix, e.g. "order" or "cancel".
	Action string `json:"action"`
}

func (i PerpIntent) IntentFamily() string { return FamilyHyperliquid }

func (i PerpIntent) Canonical() map[string]any {
	return map[string]any{
		"family":    FamilyHyperliquid,
		"market":    strings.ToUpper(i.Market),
		"side":      strings.ToLower(i.Side),
		"size":      i.Size,
		"price":     i.Price,
		"orderType": strings.ToLower(i.OrderType),
		"action":    i.Action,
	}
}

// DecodeIntent binds a raw intent payload to its concrete type based on the
// envelope operation. The payload has already passed per-operation schema
// validation; decode failures here indicate a schema/validator mismatch and
// are treated as schema errors by the caller.
func DecodeIntent(operation string, raw json.RawMessage) (Intent, error) {
	switch Family(operation) {
	case FamilyTransfer:
		var i TransferIntent
		if err := json.Unmarshal(raw, &i); err != nil {
			return nil, fmt.Errorf("decode transfer intent: %w", err)
		}
		return &i, nil
	case FamilySwap:
		var i SwapIntent
		if err := json.Unmarshal(raw, &i); err != nil {
			return nil, fmt.Errorf("decode swap intent: %w", err)
		}
		return &i, nil
	case FamilyDefi:
		var i LendingIntent
		if err := json.Unmarshal(raw, &i); err != nil {
			return nil, fmt.Errorf("decode lending intent: %w", err)
		}
		i.Action = strings.TrimPrefix(operation, "defi.")
		return &i, nil
	case FamilyBridge:
		var i BridgeIntent
		if err := json.Unmarshal(raw, &i); err != nil {
			return nil, fmt.Errorf("decode bridge intent: %w", err)
		}
		return &i, nil
	case FamilyHyperliquid:
		var i PerpIntent
		if err := json.Unmarshal(raw, &i); err != nil {
			return nil, fmt.Errorf("decode hyperliquid intent: %w", err)
		}
		i.Action = strings.TrimPrefix(operation, "hyperliquid.")
		return &i, nil
	default:
		return nil, fmt.Errorf("unrecognized operation %q", operation)
	}
}
