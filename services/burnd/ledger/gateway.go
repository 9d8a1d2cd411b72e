package ledger

import (
	"context"
	"math/big"
	"time"
)

// Mode selects how tokens are destroyed.
type Mode string

// Burn modes.
const (
	ModeBurn     Mode = "burn"
	ModeTransfer Mode = "transfer"
)

// SubmissionContext pins the ledger state a submission is built against. A
// context can expire, after which the ledger rejects submissions built on it.
type SubmissionContext struct {
	Token      string
	Nonce      uint64
	FeeCap     *big.Int
	ObtainedAt time.Time
}

// Submission describes one destruction transaction.
type Submission struct {
	Signer  string
	Asset   string
	Raw     *big.Int
	Mode    Mode
	Context *SubmissionContext
}

// TxDetail is the settled view of a submitted transaction.
type TxDetail struct {
	ConfirmedAt time.Time
	Fee         *big.Int
	Slot        uint64
}

// Gateway is the ledger surface consumed by the burn executor.
type Gateway interface {
	Balance(ctx context.Context, owner, asset string) (*big.Int, error)
	Precision(ctx context.Context, asset string) (uint8, error)
	SubmissionContext(ctx context.Context, signer string) (SubmissionContext, error)
	SubmitBurn(ctx context.Context, sub Submission) (string, error)
	TransactionDetail(ctx context.Context, txRef string) (TxDetail, error)
}

// FuncGateway adapts callback functions to the Gateway interface.
type FuncGateway struct {
	BalanceFunc   func(ctx context.Context, owner, asset string) (*big.Int, error)
	PrecisionFunc func(ctx context.Context, asset string) (uint8, error)
	ContextFunc   func(ctx context.Context, signer string) (SubmissionContext, error)
	SubmitFunc    func(ctx context.Context, sub Submission) (string, error)
	DetailFunc    func(ctx context.Context, txRef string) (TxDetail, error)
}

// Balance delegates to the configured callback.
func (g FuncGateway) Balance(ctx context.Context, owner, asset string) (*big.Int, error) {
	if g.BalanceFunc == nil {
		return new(big.Int), nil
	}
	return g.BalanceFunc(ctx, owner, asset)
}

// Precision delegates to the configured callback.
func (g FuncGateway) Precision(ctx context.Context, asset string) (uint8, error) {
	if g.PrecisionFunc == nil {
		return 0, NewError(KindUnknown, "precision not configured")
	}
	return g.PrecisionFunc(ctx, asset)
}

// SubmissionContext delegates to the configured callback.
func (g FuncGateway) SubmissionContext(ctx context.Context, signer string) (SubmissionContext, error) {
	if g.ContextFunc == nil {
		return SubmissionContext{ObtainedAt: time.Now().UTC()}, nil
	}
	return g.ContextFunc(ctx, signer)
}

// SubmitBurn delegates to the configured callback.
func (g FuncGateway) SubmitBurn(ctx context.Context, sub Submission) (string, error) {
	if g.SubmitFunc == nil {
		return "", NewError(KindProcessing, "submit not configured")
	}
	return g.SubmitFunc(ctx, sub)
}

// TransactionDetail delegates to the configured callback.
func (g FuncGateway) TransactionDetail(ctx context.Context, txRef string) (TxDetail, error) {
	if g.DetailFunc == nil {
		return TxDetail{}, nil
	}
	return g.DetailFunc(ctx, txRef)
}
