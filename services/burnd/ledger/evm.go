package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"burn","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var tokenABI = mustParseABI(erc20ABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// EVMClient is the subset of the Ethereum RPC used by the gateway.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMConfig configures the ERC-20 gateway.
type EVMConfig struct {
	ChainID      *big.Int
	Signers      map[string]string
	DeadAddress  string
	GasLimit     uint64
	ContextTTL   time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// EVMGateway destroys ERC-20 tokens either through a burn(uint256) call or a
// transfer to a dead address.
type EVMGateway struct {
	client       EVMClient
	chainID      *big.Int
	keys         map[common.Address]*ecdsa.PrivateKey
	dead         common.Address
	gasLimit     uint64
	contextTTL   time.Duration
	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	pending map[string]common.Hash
}

// NewEVMGateway validates configuration and loads signing keys.
func NewEVMGateway(client EVMClient, cfg EVMConfig) (*EVMGateway, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id required")
	}
	keys := make(map[common.Address]*ecdsa.PrivateKey, len(cfg.Signers))
	for owner, rawKey := range cfg.Signers {
		if !common.IsHexAddress(owner) {
			return nil, fmt.Errorf("signer %q is not a hex address", owner)
		}
		key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(rawKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signer key for %s: %w", owner, err)
		}
		address := common.HexToAddress(owner)
		if derived := gethcrypto.PubkeyToAddress(key.PublicKey); derived != address {
			return nil, fmt.Errorf("signer key for %s derives %s", owner, derived.Hex())
		}
		keys[address] = key
	}
	dead := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	if strings.TrimSpace(cfg.DeadAddress) != "" {
		if !common.IsHexAddress(cfg.DeadAddress) {
			return nil, fmt.Errorf("dead address %q is not a hex address", cfg.DeadAddress)
		}
		dead = common.HexToAddress(cfg.DeadAddress)
	}
	gw := &EVMGateway{
		client:       client,
		chainID:      new(big.Int).Set(cfg.ChainID),
		keys:         keys,
		dead:         dead,
		gasLimit:     cfg.GasLimit,
		contextTTL:   cfg.ContextTTL,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		pending:      make(map[string]common.Hash),
	}
	if gw.gasLimit == 0 {
		gw.gasLimit = 120_000
	}
	if gw.contextTTL <= 0 {
		gw.contextTTL = 90 * time.Second
	}
	if gw.pollInterval <= 0 {
		gw.pollInterval = 2 * time.Second
	}
	if gw.now == nil {
		gw.now = func() time.Time { return time.Now().UTC() }
	}
	return gw, nil
}

// Balance returns the ERC-20 balance of owner in base units.
func (g *EVMGateway) Balance(ctx context.Context, owner, asset string) (*big.Int, error) {
	if !common.IsHexAddress(owner) {
		return nil, NewError(KindTokenAccount, fmt.Sprintf("owner %q is not a hex address", owner))
	}
	out, err := g.call(ctx, asset, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, NewError(KindProcessing, "balanceOf returned unexpected type")
	}
	return balance, nil
}

// Precision queries the token's decimals().
func (g *EVMGateway) Precision(ctx context.Context, asset string) (uint8, error) {
	out, err := g.call(ctx, asset, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, NewError(KindProcessing, "decimals returned unexpected type")
	}
	return decimals, nil
}

func (g *EVMGateway) call(ctx context.Context, asset, method string, args ...any) ([]any, error) {
	if !common.IsHexAddress(asset) {
		return nil, NewError(KindTokenAccount, fmt.Sprintf("asset %q is not a hex address", asset))
	}
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, Wrap(KindProcessing, fmt.Errorf("pack %s: %w", method, err))
	}
	to := common.HexToAddress(asset)
	raw, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, Wrap(Classify(err), fmt.Errorf("call %s: %w", method, err))
	}
	if len(raw) == 0 {
		return nil, NewError(KindTokenAccount, fmt.Sprintf("%s: no contract code at %s", method, to.Hex()))
	}
	out, err := tokenABI.Unpack(method, raw)
	if err != nil {
		return nil, Wrap(KindProcessing, fmt.Errorf("unpack %s: %w", method, err))
	}
	if len(out) == 0 {
		return nil, NewError(KindProcessing, method+" returned no values")
	}
	return out, nil
}

// SubmissionContext captures the signer's next nonce, a fee cap and the head
// block hash.
func (g *EVMGateway) SubmissionContext(ctx context.Context, signer string) (SubmissionContext, error) {
	address, _, err := g.signer(signer)
	if err != nil {
		return SubmissionContext{}, err
	}
	nonce, err := g.client.PendingNonceAt(ctx, address)
	if err != nil {
		return SubmissionContext{}, Wrap(Classify(err), fmt.Errorf("pending nonce: %w", err))
	}
	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return SubmissionContext{}, Wrap(Classify(err), fmt.Errorf("suggest gas price: %w", err))
	}
	header, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return SubmissionContext{}, Wrap(Classify(err), fmt.Errorf("head header: %w", err))
	}
	return SubmissionContext{
		Token:      header.Hash().Hex(),
		Nonce:      nonce,
		FeeCap:     price,
		ObtainedAt: g.now(),
	}, nil
}

// SubmitBurn signs, broadcasts and waits for the receipt of a destruction
// transaction. The transaction hash is returned alongside a TIMEOUT error when
// the receipt does not arrive before ctx expires; resubmitting with the same
// context resumes waiting on that hash instead of broadcasting again.
func (g *EVMGateway) SubmitBurn(ctx context.Context, sub Submission) (string, error) {
	if sub.Raw == nil || sub.Raw.Sign() <= 0 {
		return "", NewError(KindProcessing, "raw amount must be positive")
	}
	if !common.IsHexAddress(sub.Asset) {
		return "", NewError(KindTokenAccount, fmt.Sprintf("asset %q is not a hex address", sub.Asset))
	}
	address, key, err := g.signer(sub.Signer)
	if err != nil {
		return "", err
	}
	subCtx := sub.Context
	if subCtx == nil {
		fresh, err := g.SubmissionContext(ctx, sub.Signer)
		if err != nil {
			return "", err
		}
		subCtx = &fresh
	}
	if g.now().Sub(subCtx.ObtainedAt) > g.contextTTL {
		return "", NewError(KindBlockhashExpired, "submission context expired")
	}

	pendingKey := fmt.Sprintf("%s:%d", address.Hex(), subCtx.Nonce)
	g.mu.Lock()
	hash, inFlight := g.pending[pendingKey]
	g.mu.Unlock()
	if !inFlight {
		var data []byte
		switch sub.Mode {
		case ModeTransfer:
			data, err = tokenABI.Pack("transfer", g.dead, sub.Raw)
		case ModeBurn, "":
			data, err = tokenABI.Pack("burn", sub.Raw)
		default:
			return "", NewError(KindProcessing, fmt.Sprintf("unsupported burn mode %q", sub.Mode))
		}
		if err != nil {
			return "", Wrap(KindProcessing, fmt.Errorf("pack burn: %w", err))
		}
		feeCap := subCtx.FeeCap
		if feeCap == nil {
			return "", NewError(KindBlockhashExpired, "submission context missing fee cap")
		}
		to := common.HexToAddress(sub.Asset)
		tx := gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    subCtx.Nonce,
			To:       &to,
			Value:    new(big.Int),
			Gas:      g.gasLimit,
			GasPrice: feeCap,
			Data:     data,
		})
		signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(g.chainID), key)
		if err != nil {
			return "", Wrap(KindProcessing, fmt.Errorf("sign transaction: %w", err))
		}
		if err := g.client.SendTransaction(ctx, signed); err != nil {
			return "", Wrap(Classify(err), fmt.Errorf("send transaction: %w", err))
		}
		hash = signed.Hash()
		g.mu.Lock()
		g.pending[pendingKey] = hash
		g.mu.Unlock()
	}

	receipt, err := g.waitReceipt(ctx, hash)
	if err != nil {
		return hash.Hex(), err
	}
	g.mu.Lock()
	delete(g.pending, pendingKey)
	g.mu.Unlock()
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return hash.Hex(), NewError(KindProcessing, fmt.Sprintf("transaction %s reverted", hash.Hex()))
	}
	return hash.Hex(), nil
}

func (g *EVMGateway) waitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			kind := Classify(err)
			if kind != KindTimeout {
				return nil, Wrap(kind, fmt.Errorf("receipt %s: %w", hash.Hex(), err))
			}
		}
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, Detail: "awaiting receipt for " + hash.Hex(), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// TransactionDetail reports settlement time, fee and block number.
func (g *EVMGateway) TransactionDetail(ctx context.Context, txRef string) (TxDetail, error) {
	hash := common.HexToHash(txRef)
	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return TxDetail{}, Wrap(Classify(err), fmt.Errorf("receipt %s: %w", txRef, err))
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return TxDetail{}, NewError(KindProcessing, "receipt missing block metadata")
	}
	header, err := g.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return TxDetail{}, Wrap(Classify(err), fmt.Errorf("header %s: %w", receipt.BlockNumber, err))
	}
	fee := new(big.Int).SetUint64(receipt.GasUsed)
	if receipt.EffectiveGasPrice != nil {
		fee.Mul(fee, receipt.EffectiveGasPrice)
	}
	return TxDetail{
		ConfirmedAt: time.Unix(int64(header.Time), 0).UTC(),
		Fee:         fee,
		Slot:        receipt.BlockNumber.Uint64(),
	}, nil
}

func (g *EVMGateway) signer(owner string) (common.Address, *ecdsa.PrivateKey, error) {
	if !common.IsHexAddress(owner) {
		return common.Address{}, nil, NewError(KindTokenAccount, fmt.Sprintf("signer %q is not a hex address", owner))
	}
	address := common.HexToAddress(owner)
	key, ok := g.keys[address]
	if !ok {
		return common.Address{}, nil, NewError(KindProcessing, "no signing key configured for "+address.Hex())
	}
	return address, key, nil
}
