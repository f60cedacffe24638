// Package evm executes native-asset transfers on EVM chains. Preflight
// checks reachability, balance, and fees without touching the wallet;
// execute signs and broadcasts, drawing its account nonce from the signer
// nonce coordinator after syncing it against the chain's pending count.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Mindburn-Labs/keel/core/pkg/connector"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/signernonce"
)

const nativeTransferGas = 21000

// ChainConfig describes one EVM endpoint the connector can reach.
type ChainConfig struct {
	Name    string `yaml:"name" json:"name"`
	RPCURL  string `yaml:"rpcUrl" json:"rpcUrl"`
	ChainID int64  `yaml:"chainId" json:"chainId"`
	Asset   string `yaml:"asset" json:"asset"` // native asset symbol, e.g. ETH, MATIC
}

// Dialer abstracts ethclient.Dial so tests can inject a fake chain.
type Dialer func(ctx context.Context, rawurl string) (Chain, error)

// Chain is the slice of the RPC surface the connector uses.
type Chain interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// DialEthclient is the production dialer.
func DialEthclient(ctx context.Context, rawurl string) (Chain, error) {
	return ethclient.DialContext(ctx, rawurl)
}

// Connector handles the transfer family for configured EVM chains.
type Connector struct {
	chains map[string]ChainConfig
	key    *ecdsa.PrivateKey // nil in dry-run-only deployments
	from   common.Address
	nonces *signernonce.Coordinator
	dial   Dialer
	clock  func() time.Time
}

// New builds the connector. keyHex may be empty; preflight then reports
// walletReady:false and execute refuses to run.
func New(chains []ChainConfig, keyHex string, nonces *signernonce.Coordinator) (*Connector, error) {
	c := &Connector{
		chains: make(map[string]ChainConfig, len(chains)),
		nonces: nonces,
		dial:   DialEthclient,
		clock:  time.Now,
	}
	for _, ch := range chains {
		c.chains[strings.ToLower(ch.Name)] = ch
	}
	if keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("evm connector: parse signing key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// WithDialer overrides the RPC dialer (tests).
func (c *Connector) WithDialer(d Dialer) *Connector {
	c.dial = d
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Connector) WithClock(clock func() time.Time) *Connector {
	c.clock = clock
	return c
}

func (c *Connector) Name() string   { return "evm-native" }
func (c *Connector) Family() string { return contracts.FamilyTransfer }

// Supports claims transfer intents on configured chains whose asset is the
// chain's native asset.
func (c *Connector) Supports(intent contracts.Intent) bool {
	t, ok := intent.(*contracts.TransferIntent)
	if !ok {
		return false
	}
	cfg, ok := c.chains[strings.ToLower(t.Chain)]
	if !ok {
		return false
	}
	return strings.EqualFold(t.Asset, cfg.Asset)
}

type transferPlan struct {
	From        string `json:"from,omitempty"`
	To          string `json:"to"`
	ValueWei    string `json:"valueWei"`
	GasLimit    uint64 `json:"gasLimit"`
	GasPriceWei string `json:"gasPriceWei"`
	ChainID     int64  `json:"chainId"`
}

func (c *Connector) preflightErr(err error, msg string) error {
	return errcode.Wrap(errcode.FamilyCode(contracts.FamilyTransfer, errcode.SuffixPreflightFailed), err, msg)
}

// Preflight validates the transfer against live chain state. Without a
// signing key it still produces the fee plan but flags walletReady:false
// and skips the balance check.
func (c *Connector) Preflight(ctx context.Context, intent contracts.Intent) (*connector.PreflightReport, error) {
	t := intent.(*contracts.TransferIntent)
	cfg := c.chains[strings.ToLower(t.Chain)]

	if !common.IsHexAddress(t.Recipient) {
		return nil, errcode.Newf(errcode.FamilyCode(contracts.FamilyTransfer, errcode.SuffixPreflightFailed),
			"recipient %q is not a valid address", t.Recipient)
	}
	value, err := ParseEther(t.Amount)
	if err != nil {
		return nil, c.preflightErr(err, "parse amount")
	}

	chain, err := c.dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, c.preflightErr(err, "dial rpc endpoint")
	}
	defer chain.Close()

	gasPrice, err := chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, c.preflightErr(err, "estimate gas price")
	}

	report := &connector.PreflightReport{
		Family:      contracts.FamilyTransfer,
		Connector:   c.Name(),
		Chain:       cfg.Name,
		WalletReady: c.key != nil,
		Feasible:    true,
		EstimatedAt: c.clock().UTC(),
	}
	plan := transferPlan{
		To:          common.HexToAddress(t.Recipient).Hex(),
		ValueWei:    value.String(),
		GasLimit:    nativeTransferGas,
		GasPriceWei: gasPrice.String(),
		ChainID:     cfg.ChainID,
	}

	if c.key != nil {
		plan.From = c.from.Hex()
		balance, err := chain.BalanceAt(ctx, c.from, nil)
		if err != nil {
			return nil, c.preflightErr(err, "read balance")
		}
		cost := new(big.Int).Add(value, new(big.Int).Mul(gasPrice, big.NewInt(nativeTransferGas)))
		if balance.Cmp(cost) < 0 {
			report.Feasible = false
			report.Reason = fmt.Sprintf("insufficient balance: have %s wei, need %s wei", balance, cost)
		}
	}

	raw, err := json.Marshal(plan)
	if err != nil {
		return nil, c.preflightErr(err, "encode plan")
	}
	report.Plan = raw
	return report, nil
}

// Execute signs and broadcasts the transfer. Fees and balance are
// re-validated against live state; the preflight plan is advisory only.
func (c *Connector) Execute(ctx context.Context, runID string, intent contracts.Intent, _ *connector.PreflightReport) (*connector.ExecutionResult, error) {
	t := intent.(*contracts.TransferIntent)
	cfg := c.chains[strings.ToLower(t.Chain)]
	failed := errcode.FamilyCode(contracts.FamilyTransfer, errcode.SuffixExecutionFailed)

	if c.key == nil {
		return nil, errcode.New(failed, "no signing key configured")
	}
	value, err := ParseEther(t.Amount)
	if err != nil {
		return nil, errcode.Wrap(failed, err, "parse amount")
	}

	chain, err := c.dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errcode.Wrap(failed, err, "dial rpc endpoint").AsRetryable()
	}
	defer chain.Close()

	gasPrice, err := chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errcode.Wrap(failed, err, "estimate gas price").AsRetryable()
	}

	// The coordinator counts issued values from 1; the chain counts sent
	// transactions from 0. Syncing to the pending count and subtracting one
	// maps the issued value onto the next usable account nonce.
	signer := fmt.Sprintf("%s:%s", strings.ToLower(cfg.Name), strings.ToLower(c.from.Hex()))
	pending, err := chain.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, errcode.Wrap(failed, err, "read pending nonce").AsRetryable()
	}
	if err := c.nonces.Sync(ctx, signer, pending); err != nil {
		return nil, err
	}
	issued, err := c.nonces.Next(ctx, signer)
	if err != nil {
		return nil, err
	}
	accountNonce := issued - 1

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    accountNonce,
		To:       ptr(common.HexToAddress(t.Recipient)),
		Value:    value,
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(cfg.ChainID)), c.key)
	if err != nil {
		return nil, errcode.Wrap(failed, err, "sign transaction")
	}
	if err := chain.SendTransaction(ctx, signed); err != nil {
		return nil, errcode.Wrap(failed, err, "broadcast transaction").AsRetryable()
	}

	detail, _ := json.Marshal(map[string]any{
		"chain":    cfg.Name,
		"nonce":    accountNonce,
		"gasPrice": gasPrice.String(),
		"runId":    runID,
	})
	return &connector.ExecutionResult{
		Family:      contracts.FamilyTransfer,
		Connector:   c.Name(),
		Reference:   signed.Hash().Hex(),
		Status:      "broadcast",
		SubmittedAt: c.clock().UTC(),
		Detail:      detail,
	}, nil
}

func ptr(a common.Address) *common.Address { return &a }

// ParseEther converts a decimal ether-denominated string to wei.
func ParseEther(amount string) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(amount)
	if !ok || rat.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	wei := new(big.Rat).Mul(rat, new(big.Rat).SetInt(big.NewInt(1e18)))
	if !wei.IsInt() {
		return nil, fmt.Errorf("amount %q has sub-wei precision", amount)
	}
	return wei.Num(), nil
}
