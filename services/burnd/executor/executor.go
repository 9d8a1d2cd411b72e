package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"burnkeeper/services/burnd/ledger"
	"burnkeeper/services/burnd/models"
)

// Request describes a single destruction attempt.
type Request struct {
	Signer  string
	Asset   string
	Amount  float64
	Type    models.BurnType
	Context *ledger.SubmissionContext
}

// Result is the structured outcome of an attempt. Failures carry a kind and
// detail instead of an error.
type Result struct {
	Success  bool
	TxRef    string
	Amount   float64
	Raw      *big.Int
	Decimals uint8
	Kind     ledger.ErrorKind
	Detail   string
}

// Failure builds an unsuccessful result.
func Failure(kind ledger.ErrorKind, detail string) Result {
	return Result{Kind: kind, Detail: detail}
}

// Executor wraps one ledger submission with precision resolution, base unit
// conversion and a balance pre-check. It never writes to the ledger of record.
type Executor struct {
	gateway           ledger.Gateway
	precision         *lru.Cache
	defaultDecimals   uint8
	mode              ledger.Mode
	settlementTimeout time.Duration
	readTimeout       time.Duration
	logger            *slog.Logger
}

// Option customises the executor.
type Option func(*Executor)

// WithDefaultDecimals sets the precision used when the ledger cannot be queried.
func WithDefaultDecimals(decimals uint8) Option {
	return func(e *Executor) {
		e.defaultDecimals = decimals
	}
}

// WithMode selects burn instruction or dead address transfer.
func WithMode(mode ledger.Mode) Option {
	return func(e *Executor) {
		if mode != "" {
			e.mode = mode
		}
	}
}

// WithSettlementTimeout bounds each submission.
func WithSettlementTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.settlementTimeout = timeout
		}
	}
}

// WithReadTimeout bounds precision and balance queries.
func WithReadTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.readTimeout = timeout
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New constructs an executor around the gateway.
func New(gateway ledger.Gateway, opts ...Option) *Executor {
	cache, _ := lru.New(64)
	e := &Executor{
		gateway:           gateway,
		precision:         cache,
		defaultDecimals:   9,
		mode:              ledger.ModeBurn,
		settlementTimeout: 60 * time.Second,
		readTimeout:       15 * time.Second,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute performs one attempt. The submission itself is detached from ctx
// cancellation: once broadcast it is irrevocable, so it runs to the settlement
// timeout and its outcome is always reported.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	if e == nil || e.gateway == nil {
		return Failure(ledger.KindProcessing, "executor not configured")
	}
	if math.IsNaN(req.Amount) || req.Amount <= 0 {
		return Failure(ledger.KindProcessing, fmt.Sprintf("amount must be positive, got %v", req.Amount))
	}
	if strings.TrimSpace(req.Signer) == "" || strings.TrimSpace(req.Asset) == "" {
		return Failure(ledger.KindProcessing, "signer and asset are required")
	}

	decimals := e.resolvePrecision(ctx, req.Asset)
	raw, err := ledger.ToBaseUnits(req.Amount, decimals)
	if err != nil {
		return Failure(ledger.KindProcessing, err.Error())
	}

	readCtx, cancel := context.WithTimeout(ctx, e.readTimeout)
	balance, err := e.gateway.Balance(readCtx, req.Signer, req.Asset)
	cancel()
	if err != nil {
		return Failure(ledger.Classify(err), fmt.Sprintf("balance check: %v", err))
	}
	if balance == nil || balance.Cmp(raw) < 0 {
		held := ledger.FromBaseUnits(balance, decimals)
		return Result{
			Kind:     ledger.KindInsufficientTokens,
			Detail:   fmt.Sprintf("balance %v below burn amount %v", held, req.Amount),
			Raw:      raw,
			Decimals: decimals,
		}
	}

	submitCtx, cancelSubmit := context.WithTimeout(context.WithoutCancel(ctx), e.settlementTimeout)
	defer cancelSubmit()
	txRef, err := e.gateway.SubmitBurn(submitCtx, ledger.Submission{
		Signer:  req.Signer,
		Asset:   req.Asset,
		Raw:     raw,
		Mode:    e.mode,
		Context: req.Context,
	})
	if err != nil {
		kind := ledger.Classify(err)
		e.logger.Warn("burn submission failed",
			slog.String("type", string(req.Type)),
			slog.String("kind", string(kind)),
			slog.String("tx_ref", txRef),
			slog.String("error", err.Error()))
		return Result{TxRef: txRef, Raw: raw, Decimals: decimals, Kind: kind, Detail: err.Error()}
	}
	return Result{
		Success:  true,
		TxRef:    txRef,
		Amount:   ledger.FromBaseUnits(raw, decimals),
		Raw:      raw,
		Decimals: decimals,
	}
}

func (e *Executor) resolvePrecision(ctx context.Context, asset string) uint8 {
	if cached, ok := e.precision.Get(asset); ok {
		return cached.(uint8)
	}
	readCtx, cancel := context.WithTimeout(ctx, e.readTimeout)
	defer cancel()
	decimals, err := e.gateway.Precision(readCtx, asset)
	if err != nil {
		e.logger.Warn("asset precision unavailable, using default",
			slog.String("asset", asset),
			slog.Int("default_decimals", int(e.defaultDecimals)),
			slog.String("error", err.Error()))
		return e.defaultDecimals
	}
	e.precision.Add(asset, decimals)
	return decimals
}

// Holdings reports owner's balance of asset in human units.
func (e *Executor) Holdings(ctx context.Context, owner, asset string) (float64, error) {
	decimals := e.resolvePrecision(ctx, asset)
	readCtx, cancel := context.WithTimeout(ctx, e.readTimeout)
	defer cancel()
	balance, err := e.gateway.Balance(readCtx, owner, asset)
	if err != nil {
		return 0, err
	}
	return ledger.FromBaseUnits(balance, decimals), nil
}

// TransactionDetail looks up a settled transaction within the read timeout.
func (e *Executor) TransactionDetail(ctx context.Context, txRef string) (ledger.TxDetail, error) {
	readCtx, cancel := context.WithTimeout(ctx, e.readTimeout)
	defer cancel()
	return e.gateway.TransactionDetail(readCtx, txRef)
}

// SubmissionContext fetches a fresh submission context for signer within the
// read timeout.
func (e *Executor) SubmissionContext(ctx context.Context, signer string) (ledger.SubmissionContext, error) {
	readCtx, cancel := context.WithTimeout(ctx, e.readTimeout)
	defer cancel()
	return e.gateway.SubmissionContext(readCtx, signer)
}
