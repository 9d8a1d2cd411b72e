package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"burnkeeper/services/burnd/ledger"
	"burnkeeper/services/burnd/models"
)

const (
	testSigner = "0x2222222222222222222222222222222222222222"
	testAsset  = "0x1111111111111111111111111111111111111111"
)

func rawUnits(amount int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

func TestExecuteInsufficientTokensSubmitsNothing(t *testing.T) {
	submitted := 0
	gw := ledger.FuncGateway{
		PrecisionFunc: func(context.Context, string) (uint8, error) { return 9, nil },
		BalanceFunc: func(context.Context, string, string) (*big.Int, error) {
			return rawUnits(400, 9), nil
		},
		SubmitFunc: func(context.Context, ledger.Submission) (string, error) {
			submitted++
			return "0xabc", nil
		},
	}
	result := New(gw).Execute(context.Background(), Request{Signer: testSigner, Asset: testAsset, Amount: 500, Type: models.BurnTypeMilestone})
	if result.Success {
		t.Fatalf("expected failure")
	}
	if result.Kind != ledger.KindInsufficientTokens {
		t.Fatalf("unexpected kind %s", result.Kind)
	}
	if result.Kind.Retryable() {
		t.Fatalf("insufficient tokens must not be retryable")
	}
	if submitted != 0 {
		t.Fatalf("expected no submission, got %d", submitted)
	}
}

func TestExecuteConvertsToBaseUnits(t *testing.T) {
	var got ledger.Submission
	gw := ledger.FuncGateway{
		PrecisionFunc: func(context.Context, string) (uint8, error) { return 6, nil },
		BalanceFunc: func(context.Context, string, string) (*big.Int, error) {
			return rawUnits(1_000, 6), nil
		},
		SubmitFunc: func(_ context.Context, sub ledger.Submission) (string, error) {
			got = sub
			return "0xabc", nil
		},
	}
	result := New(gw, WithMode(ledger.ModeTransfer)).Execute(context.Background(), Request{Signer: testSigner, Asset: testAsset, Amount: 12.5, Type: models.BurnTypeBuyback})
	if !result.Success {
		t.Fatalf("expected success, got %s %s", result.Kind, result.Detail)
	}
	if got.Raw.String() != "12500000" {
		t.Fatalf("unexpected raw amount %s", got.Raw)
	}
	if got.Mode != ledger.ModeTransfer {
		t.Fatalf("unexpected mode %s", got.Mode)
	}
	if result.Amount != 12.5 || result.Decimals != 6 || result.TxRef != "0xabc" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestExecutePrecisionFallbackAndCache(t *testing.T) {
	calls := 0
	fail := true
	var raws []string
	gw := ledger.FuncGateway{
		PrecisionFunc: func(context.Context, string) (uint8, error) {
			calls++
			if fail {
				return 0, errors.New("connection refused")
			}
			return 2, nil
		},
		BalanceFunc: func(context.Context, string, string) (*big.Int, error) {
			return rawUnits(1, 30), nil
		},
		SubmitFunc: func(_ context.Context, sub ledger.Submission) (string, error) {
			raws = append(raws, sub.Raw.String())
			return "0xabc", nil
		},
	}
	exec := New(gw, WithDefaultDecimals(4))
	req := Request{Signer: testSigner, Asset: testAsset, Amount: 3, Type: models.BurnTypeMilestone}

	exec.Execute(context.Background(), req)
	fail = false
	exec.Execute(context.Background(), req)
	exec.Execute(context.Background(), req)

	if calls != 2 {
		t.Fatalf("expected fallback to be retried once then cached, got %d precision calls", calls)
	}
	want := []string{"30000", "300", "300"}
	for i := range want {
		if raws[i] != want[i] {
			t.Fatalf("attempt %d raw = %s, want %s", i, raws[i], want[i])
		}
	}
}

func TestExecuteClassifiesSubmissionFailure(t *testing.T) {
	gw := ledger.FuncGateway{
		PrecisionFunc: func(context.Context, string) (uint8, error) { return 0, nil },
		BalanceFunc: func(context.Context, string, string) (*big.Int, error) {
			return big.NewInt(10), nil
		},
		SubmitFunc: func(context.Context, ledger.Submission) (string, error) {
			return "", errors.New("429 too many requests")
		},
	}
	result := New(gw).Execute(context.Background(), Request{Signer: testSigner, Asset: testAsset, Amount: 5})
	if result.Success || result.Kind != ledger.KindRateLimit {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestExecuteRejectsNonPositiveAmount(t *testing.T) {
	result := New(ledger.FuncGateway{}).Execute(context.Background(), Request{Signer: testSigner, Asset: testAsset, Amount: 0})
	if result.Kind != ledger.KindProcessing {
		t.Fatalf("unexpected kind %s", result.Kind)
	}
}

func TestExecuteSubmissionSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := ledger.FuncGateway{
		PrecisionFunc: func(context.Context, string) (uint8, error) { return 0, nil },
		BalanceFunc: func(context.Context, string, string) (*big.Int, error) {
			return big.NewInt(10), nil
		},
		SubmitFunc: func(subCtx context.Context, _ ledger.Submission) (string, error) {
			cancel()
			if err := subCtx.Err(); err != nil {
				return "", err
			}
			return "0xdone", nil
		},
	}
	result := New(gw).Execute(ctx, Request{Signer: testSigner, Asset: testAsset, Amount: 1})
	if !result.Success || result.TxRef != "0xdone" {
		t.Fatalf("expected in-flight submission to complete, got %+v", result)
	}
}

func TestTransactionDetailBoundedByReadTimeout(t *testing.T) {
	var deadline time.Time
	gw := ledger.FuncGateway{
		DetailFunc: func(ctx context.Context, txRef string) (ledger.TxDetail, error) {
			d, ok := ctx.Deadline()
			if !ok {
				t.Fatalf("expected a deadline on the detail lookup")
			}
			deadline = d
			return ledger.TxDetail{Slot: 42}, nil
		},
	}
	start := time.Now()
	detail, err := New(gw, WithReadTimeout(2*time.Second)).TransactionDetail(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.Slot != 42 {
		t.Fatalf("unexpected slot %d", detail.Slot)
	}
	if deadline.Sub(start) > 2*time.Second+500*time.Millisecond {
		t.Fatalf("deadline %s exceeds read timeout", deadline.Sub(start))
	}
}
