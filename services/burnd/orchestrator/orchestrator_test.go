package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"burnkeeper/services/burnd/executor"
	"burnkeeper/services/burnd/ledger"
	"burnkeeper/services/burnd/models"
	"burnkeeper/services/burnd/projector"
	"burnkeeper/services/burnd/retry"
	"burnkeeper/services/burnd/storage"
	"burnkeeper/services/burnd/valuation"
	"burnkeeper/services/burnd/venue"
)

const (
	reserveSigner   = "0x00000000000000000000000000000000000000a1"
	operatingSigner = "0x00000000000000000000000000000000000000b2"
	testAsset       = "0x00000000000000000000000000000000000000c3"
)

type fakeValuation struct {
	value float64
}

func (f *fakeValuation) Current(context.Context) (valuation.Reading, error) {
	return valuation.Reading{Value: f.value, ObservedAt: time.Now(), Source: "test"}, nil
}

type fakeVenue struct {
	pending  float64
	claims   int
	expected float64
	bought   float64
	swapErr  error
	minSeen  float64
}

func (f *fakeVenue) PendingRewards(context.Context) (venue.Pending, error) {
	return venue.Pending{Amount: f.pending, AmountUSD: f.pending}, nil
}

func (f *fakeVenue) ClaimRewards(context.Context) (venue.Claim, error) {
	f.claims++
	return venue.Claim{TxRef: fmt.Sprintf("claim-%d", f.claims), Amount: f.pending, AmountUSD: f.pending}, nil
}

func (f *fakeVenue) Quote(_ context.Context, input float64, _ string) (venue.Quote, error) {
	return venue.Quote{ID: "q1", InputAmount: input, ExpectedOutput: f.expected}, nil
}

func (f *fakeVenue) Swap(_ context.Context, _ venue.Quote, minOutput float64) (venue.Fill, error) {
	f.minSeen = minOutput
	if f.swapErr != nil {
		return venue.Fill{}, f.swapErr
	}
	return venue.Fill{TxRef: "swap-1", OutputAmount: f.bought}, nil
}

type fakeMetrics struct {
	mu         sync.Mutex
	burns      map[string]int
	failures   map[string]int
	unrecorded int
	paused     bool
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{burns: map[string]int{}, failures: map[string]int{}}
}

func (m *fakeMetrics) RecordBurn(burnType string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.burns[burnType]++
}

func (m *fakeMetrics) RecordFailure(burnType, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[burnType+"/"+kind]++
}

func (m *fakeMetrics) RecordUnrecordedBurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrecorded++
}

func (m *fakeMetrics) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

// ledgerStub is a gateway with two decimal places that records submissions.
type ledgerStub struct {
	mu        sync.Mutex
	balance   float64
	submits   []ledger.Submission
	contexts  int
	nonce     uint64
	detailErr error
	fail      func(n int) error
}

func (l *ledgerStub) gateway() ledger.FuncGateway {
	return ledger.FuncGateway{
		PrecisionFunc: func(context.Context, string) (uint8, error) { return 2, nil },
		BalanceFunc: func(context.Context, string, string) (*big.Int, error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			return ledger.ToBaseUnits(l.balance, 2)
		},
		ContextFunc: func(context.Context, string) (ledger.SubmissionContext, error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.contexts++
			return ledger.SubmissionContext{Token: fmt.Sprintf("ctx-%d", l.contexts), Nonce: l.nonce, ObtainedAt: time.Now()}, nil
		},
		SubmitFunc: func(_ context.Context, sub ledger.Submission) (string, error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.submits = append(l.submits, sub)
			if l.fail != nil {
				if err := l.fail(len(l.submits)); err != nil {
					return "", err
				}
			}
			l.nonce++
			return fmt.Sprintf("0xtx%d", len(l.submits)), nil
		},
		DetailFunc: func(context.Context, string) (ledger.TxDetail, error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.detailErr != nil {
				return ledger.TxDetail{}, l.detailErr
			}
			return ledger.TxDetail{Slot: 7, ConfirmedAt: time.Now()}, nil
		},
	}
}

type harness struct {
	store     *storage.Store
	projector *projector.Projector
	ledger    *ledgerStub
	venue     *fakeVenue
	metrics   *fakeMetrics
	orch      *Orchestrator
}

func newHarness(t *testing.T, value float64) *harness {
	t.Helper()
	db, err := storage.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	store := storage.New(db)
	_, err = store.SeedMilestones(context.Background(), []storage.MilestoneSeed{
		{Threshold: 100_000, BurnAmount: 1_000},
		{Threshold: 150_000, BurnAmount: 2_000},
		{Threshold: 300_000, BurnAmount: 4_000},
	}, 1_000_000)
	require.NoError(t, err)

	stub := &ledgerStub{balance: 100_000}
	exec := executor.New(stub.gateway())
	controller := retry.New(exec,
		retry.WithBaseDelay(time.Millisecond),
		retry.WithMaxAttempts(3),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	proj := projector.New(store, projector.Genesis{TotalSupply: 1_000_000, ReserveBalance: 200_000})
	v := &fakeVenue{pending: 600, expected: 1_000, bought: 995}
	metrics := newFakeMetrics()
	orch, err := New(store, proj, exec, controller, Config{
		Asset:           testAsset,
		ReserveSigner:   reserveSigner,
		OperatingSigner: operatingSigner,
		RewardThreshold: 500,
		SlippageBps:     100,
	},
		WithValuation(&fakeValuation{value: value}),
		WithBuyback(v, v),
		WithMetrics(metrics),
		WithPersistRetry(2, 0),
	)
	require.NoError(t, err)
	return &harness{store: store, projector: proj, ledger: stub, venue: v, metrics: metrics, orch: orch}
}

func TestRunMilestonesBurnsEligibleInOrder(t *testing.T) {
	h := newHarness(t, 200_000)
	ctx := context.Background()

	report, err := h.orch.RunMilestones(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Eligible)
	require.Len(t, report.Completed, 2)
	require.Equal(t, "1", report.Completed[0].ReferenceID)
	require.Equal(t, "2", report.Completed[1].ReferenceID)

	milestones, err := h.store.ListMilestones(ctx)
	require.NoError(t, err)
	require.True(t, milestones[0].Completed)
	require.True(t, milestones[1].Completed)
	require.False(t, milestones[2].Completed)
	require.Equal(t, models.MilestoneCompleted, milestones[0].Status)

	require.Len(t, h.ledger.submits, 2)
	for _, sub := range h.ledger.submits {
		require.Equal(t, reserveSigner, sub.Signer)
		require.NotNil(t, sub.Context)
	}

	snap, err := h.projector.Latest(ctx)
	require.NoError(t, err)
	require.InDelta(t, 197_000, snap.ReserveBalance, 1e-9)
	require.InDelta(t, 3_000, snap.MilestoneBurned, 1e-9)
	require.Equal(t, 2, h.orch.Status().BurnsRecorded)
	require.Equal(t, 2, h.metrics.burns[string(models.BurnTypeMilestone)])
}

func TestRunMilestonesTwiceBurnsOnce(t *testing.T) {
	h := newHarness(t, 200_000)
	ctx := context.Background()

	_, err := h.orch.RunMilestones(ctx)
	require.NoError(t, err)
	report, err := h.orch.RunMilestones(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Eligible)
	require.Len(t, h.ledger.submits, 2)

	_, err = h.orch.BurnMilestone(ctx, 1)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
	require.Len(t, h.ledger.submits, 2)
}

func TestRunMilestonesStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, 200_000)
	h.ledger.fail = func(int) error {
		return ledger.NewError(ledger.KindInsufficientFunds, "fee payer empty")
	}
	ctx := context.Background()

	report, err := h.orch.RunMilestones(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{1}, report.Failed)
	require.Len(t, h.ledger.submits, 1)

	m, err := h.store.GetMilestone(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.MilestoneFailed, m.Status)
	require.Equal(t, 1, m.AttemptCount)
	require.Contains(t, m.LastFailureReason, string(ledger.KindInsufficientFunds))
	require.NotNil(t, m.SubmissionNonce)
	require.Equal(t, reserveSigner, m.SubmissionSigner)

	burns, total, err := h.store.ListBurns(ctx, storage.BurnQuery{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, burns)
	require.Equal(t, 1, h.orch.Status().Failures)
	require.Equal(t, 1, h.metrics.failures["milestone/INSUFFICIENT_FUNDS"])
}

func TestBurnMilestoneRefreshesExpiredContext(t *testing.T) {
	h := newHarness(t, 200_000)
	h.ledger.fail = func(n int) error {
		if n == 1 {
			return ledger.NewError(ledger.KindBlockhashExpired, "context too old")
		}
		return nil
	}

	burn, err := h.orch.BurnMilestone(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "0xtx2", burn.TxRef)
	require.Len(t, h.ledger.submits, 2)
	require.NotEqual(t, h.ledger.submits[0].Context.Token, h.ledger.submits[1].Context.Token)
	require.Equal(t, 2, h.ledger.contexts)
	require.Contains(t, burn.Details, `"attempts":2`)
}

func TestBurnMilestoneInsufficientReserve(t *testing.T) {
	h := newHarness(t, 200_000)
	h.ledger.balance = 10

	_, err := h.orch.BurnMilestone(context.Background(), 1)
	var failure *BurnFailure
	require.True(t, errors.As(err, &failure))
	require.Equal(t, ledger.KindInsufficientTokens, failure.Kind)
	require.Empty(t, h.ledger.submits)
}

func TestPauseRejectsNewWork(t *testing.T) {
	h := newHarness(t, 200_000)
	ctx := context.Background()

	h.orch.Pause()
	require.True(t, h.orch.Status().Paused)
	require.True(t, h.metrics.paused)
	_, err := h.orch.RunMilestones(ctx)
	require.ErrorIs(t, err, ErrPaused)
	_, err = h.orch.RunBuyback(ctx)
	require.ErrorIs(t, err, ErrPaused)
	_, err = h.orch.RecoverMilestone(ctx, 1)
	require.ErrorIs(t, err, ErrPaused)
	require.Empty(t, h.ledger.submits)

	h.orch.Resume()
	report, err := h.orch.RunMilestones(ctx)
	require.NoError(t, err)
	require.Len(t, report.Completed, 2)
}

func TestRunBuybackBurnsWithSlippageBuffer(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	cycle, err := h.orch.RunBuyback(ctx)
	require.NoError(t, err)
	require.NotNil(t, cycle)
	require.Equal(t, models.RewardBurned, cycle.Status)
	require.InDelta(t, 990, h.venue.minSeen, 1e-9)
	require.NotNil(t, cycle.TokensBought)
	require.InDelta(t, 995, *cycle.TokensBought, 1e-9)
	require.NotNil(t, cycle.TokensBurned)
	require.InDelta(t, 990, *cycle.TokensBurned, 1e-9)
	require.InDelta(t, 1_000, cycle.ExpectedTokens, 1e-9)
	require.Equal(t, "claim-1", cycle.ClaimTxRef)
	require.Equal(t, "swap-1", cycle.BuyTxRef)

	require.Len(t, h.ledger.submits, 1)
	require.Equal(t, operatingSigner, h.ledger.submits[0].Signer)
	require.Equal(t, "99000", h.ledger.submits[0].Raw.String())

	burns, err := h.store.BurnsForReference(ctx, cycle.ID.String())
	require.NoError(t, err)
	require.Len(t, burns, 1)
	require.Equal(t, models.BurnTypeBuyback, burns[0].BurnType)

	snap, err := h.projector.Latest(ctx)
	require.NoError(t, err)
	require.InDelta(t, 200_000, snap.ReserveBalance, 1e-9)
	require.InDelta(t, 990, snap.BuybackBurned, 1e-9)
}

func TestRunBuybackBelowThresholdClaimsNothing(t *testing.T) {
	h := newHarness(t, 0)
	h.venue.pending = 100

	cycle, err := h.orch.RunBuyback(context.Background())
	require.NoError(t, err)
	require.Nil(t, cycle)
	require.Zero(t, h.venue.claims)
}

func TestRunBuybackSwapFailureParksCycle(t *testing.T) {
	h := newHarness(t, 0)
	h.venue.swapErr = errors.New("venue unavailable")

	cycle, err := h.orch.RunBuyback(context.Background())
	require.Error(t, err)
	require.NotNil(t, cycle)
	require.Equal(t, models.RewardFailed, cycle.Status)
	require.Nil(t, cycle.TokensBought)
	require.Contains(t, cycle.ErrorMessage, "venue unavailable")
	require.Empty(t, h.ledger.submits)

	_, err = h.orch.RecoverReward(context.Background(), cycle.ID)
	require.ErrorIs(t, err, ErrNotRecoverable)
}

func TestRecoverRewardBurnsWhatIsHeld(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.ledger.fail = func(n int) error {
		if n == 1 {
			return ledger.NewError(ledger.KindTokenAccount, "token account missing")
		}
		return nil
	}

	cycle, err := h.orch.RunBuyback(ctx)
	require.Error(t, err)
	require.Equal(t, models.RewardFailed, cycle.Status)
	require.NotNil(t, cycle.TokensBought)
	require.Nil(t, cycle.TokensBurned)

	h.ledger.balance = 500
	burn, err := h.orch.RecoverReward(ctx, cycle.ID)
	require.NoError(t, err)
	require.Equal(t, models.BurnTypeBuybackRecovery, burn.BurnType)
	require.InDelta(t, 500, burn.Amount, 1e-9)
	require.Equal(t, InitiatorRecon, burn.Initiator)

	recovered, err := h.store.GetRewardCycle(ctx, cycle.ID)
	require.NoError(t, err)
	require.Equal(t, models.RewardRecovered, recovered.Status)

	_, err = h.orch.RecoverReward(ctx, cycle.ID)
	require.ErrorIs(t, err, ErrNotRecoverable)
}

func TestBurnThatCannotBeRecordedIsFlagged(t *testing.T) {
	h := newHarness(t, 200_000)
	sqlDB, err := h.store.DB().DB()
	require.NoError(t, err)
	h.ledger.fail = func(int) error {
		require.NoError(t, sqlDB.Close())
		return nil
	}

	_, err = h.orch.BurnMilestone(context.Background(), 1)
	require.Error(t, err)
	require.Equal(t, 1, h.orch.Status().Unrecorded)
	require.Equal(t, 1, h.metrics.unrecorded)
	require.Zero(t, h.orch.Status().BurnsRecorded)
}

func TestExecutingMilestoneBlocksPassUntilResolved(t *testing.T) {
	h := newHarness(t, 200_000)
	ctx := context.Background()
	_, err := h.store.BeginMilestone(ctx, 1)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = h.orch.RunMilestones(ctx)
		require.ErrorIs(t, err, storage.ErrInvalidTransition)
	}
	_, err = h.orch.BurnMilestone(ctx, 1)
	require.ErrorIs(t, err, storage.ErrInvalidTransition)
	require.Empty(t, h.ledger.submits)

	m, err := h.orch.ResolveMilestone(ctx, 1, "")
	require.NoError(t, err)
	require.Equal(t, models.MilestoneFailed, m.Status)
	require.Equal(t, 1, m.AttemptCount)

	report, err := h.orch.RunMilestones(ctx)
	require.NoError(t, err)
	require.Len(t, report.Completed, 2)
	m2, err := h.store.GetMilestone(ctx, 2)
	require.NoError(t, err)
	require.True(t, m2.Completed)
}

func TestResolveMilestoneWithLandedTransaction(t *testing.T) {
	h := newHarness(t, 200_000)
	ctx := context.Background()
	_, err := h.store.BeginMilestone(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, h.store.RecordMilestoneSubmission(ctx, 1, reserveSigner, 0))
	h.ledger.nonce = 1

	_, err = h.orch.ResolveMilestone(ctx, 1, "")
	require.ErrorIs(t, err, ErrSubmissionAmbiguous)

	h.ledger.detailErr = errors.New("transaction not found")
	_, err = h.orch.ResolveMilestone(ctx, 1, "0xlanded")
	require.ErrorIs(t, err, ErrUnconfirmed)
	m, err := h.store.GetMilestone(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.MilestoneExecuting, m.Status)

	h.ledger.detailErr = nil
	m, err = h.orch.ResolveMilestone(ctx, 1, "0xlanded")
	require.NoError(t, err)
	require.True(t, m.Completed)
	require.Equal(t, "0xlanded", m.TxRef)
	require.Empty(t, h.ledger.submits)

	burns, err := h.store.BurnsForReference(ctx, "1")
	require.NoError(t, err)
	require.Len(t, burns, 1)
	require.Equal(t, models.BurnTypeMilestone, burns[0].BurnType)
	require.Equal(t, InitiatorOperator, burns[0].Initiator)
	require.InDelta(t, 1_000, burns[0].Amount, 1e-9)

	snap, err := h.projector.Latest(ctx)
	require.NoError(t, err)
	require.InDelta(t, 199_000, snap.ReserveBalance, 1e-9)

	_, err = h.orch.ResolveMilestone(ctx, 1, "0xlanded")
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestResolveMilestoneFailsUnconsumedSubmission(t *testing.T) {
	h := newHarness(t, 200_000)
	ctx := context.Background()

	_, err := h.orch.ResolveMilestone(ctx, 1, "")
	require.ErrorIs(t, err, ErrNotExecuting)

	_, err = h.store.BeginMilestone(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, h.store.RecordMilestoneSubmission(ctx, 1, reserveSigner, 3))
	h.ledger.nonce = 3

	m, err := h.orch.ResolveMilestone(ctx, 1, "")
	require.NoError(t, err)
	require.Equal(t, models.MilestoneFailed, m.Status)
	require.False(t, m.Completed)
	require.Contains(t, m.LastFailureReason, "resolved by operator")
}

func TestWithMilestoneLockExcludesBurns(t *testing.T) {
	h := newHarness(t, 200_000)
	ctx := context.Background()

	done := make(chan error, 1)
	h.orch.WithMilestoneLock(func() {
		go func() {
			_, err := h.orch.BurnMilestone(ctx, 1)
			done <- err
		}()
		time.Sleep(50 * time.Millisecond)
		h.ledger.mu.Lock()
		submitted := len(h.ledger.submits)
		h.ledger.mu.Unlock()
		require.Zero(t, submitted)
	})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("burn did not proceed after the lock was released")
	}
	require.Len(t, h.ledger.submits, 1)
}
