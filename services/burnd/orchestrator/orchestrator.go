package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"burnkeeper/services/burnd/eligibility"
	"burnkeeper/services/burnd/executor"
	"burnkeeper/services/burnd/ledger"
	"burnkeeper/services/burnd/models"
	"burnkeeper/services/burnd/retry"
	"burnkeeper/services/burnd/storage"
	"burnkeeper/services/burnd/valuation"
	"burnkeeper/services/burnd/venue"
)

var (
	// ErrPaused is returned while the orchestrator refuses new work.
	ErrPaused = errors.New("burnd/orchestrator: paused")
	// ErrAlreadyCompleted reports a milestone that was finished by an earlier run.
	ErrAlreadyCompleted = errors.New("burnd/orchestrator: milestone already completed")
	// ErrBuybackDisabled is returned when no reward claimer or venue is configured.
	ErrBuybackDisabled = errors.New("burnd/orchestrator: buyback disabled")
	// ErrNotRecoverable reports a record that no longer qualifies for recovery.
	ErrNotRecoverable = errors.New("burnd/orchestrator: not recoverable")
	// ErrNotExecuting is returned when resolving a milestone that is not mid-submission.
	ErrNotExecuting = errors.New("burnd/orchestrator: milestone is not executing")
	// ErrSubmissionAmbiguous reports an interrupted submission whose nonce was
	// consumed on the ledger; only the landed transaction can settle it.
	ErrSubmissionAmbiguous = errors.New("burnd/orchestrator: submission nonce consumed, tx_ref required")
	// ErrUnconfirmed is returned when a supplied transaction cannot be found settled.
	ErrUnconfirmed = errors.New("burnd/orchestrator: transaction not confirmed")
)

// Initiators recorded on burns.
const (
	InitiatorScheduler = "scheduler"
	InitiatorOperator  = "operator"
	InitiatorRecon     = "reconciliation"
)

// BurnFailure describes a burn that did not land after the retry policy ran.
type BurnFailure struct {
	Type     models.BurnType
	Kind     ledger.ErrorKind
	Detail   string
	TxRef    string
	Attempts int
}

func (e *BurnFailure) Error() string {
	return fmt.Sprintf("burnd/orchestrator: %s burn failed after %d attempt(s): %s: %s", e.Type, e.Attempts, e.Kind, e.Detail)
}

// ValuationSource supplies the current valuation.
type ValuationSource interface {
	Current(ctx context.Context) (valuation.Reading, error)
}

// RewardClaimer inspects and claims accrued rewards.
type RewardClaimer interface {
	PendingRewards(ctx context.Context) (venue.Pending, error)
	ClaimRewards(ctx context.Context) (venue.Claim, error)
}

// SwapVenue converts claimed rewards into the token.
type SwapVenue interface {
	Quote(ctx context.Context, inputAmount float64, outputAsset string) (venue.Quote, error)
	Swap(ctx context.Context, quote venue.Quote, minOutput float64) (venue.Fill, error)
}

// Projector records the supply effect of a burn.
type Projector interface {
	Apply(ctx context.Context, burn models.Burn) (models.MetricsSnapshot, error)
}

// Metrics receives orchestrator telemetry.
type Metrics interface {
	RecordBurn(burnType string, amount float64)
	RecordFailure(burnType, kind string)
	RecordUnrecordedBurn()
	SetPaused(paused bool)
}

// Config carries pool and buyback settings.
type Config struct {
	Asset           string
	ReserveSigner   string
	OperatingSigner string
	RewardThreshold float64
	SlippageBps     int
}

// Status summarises orchestrator state for operators.
type Status struct {
	Paused           bool       `json:"paused"`
	BurnsRecorded    int        `json:"burns_recorded"`
	Failures         int        `json:"failures"`
	Unrecorded       int        `json:"unrecorded"`
	LastMilestoneRun *time.Time `json:"last_milestone_run,omitempty"`
	LastBuybackRun   *time.Time `json:"last_buyback_run,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// MilestoneReport summarises one milestone pass.
type MilestoneReport struct {
	Valuation float64
	Stale     bool
	Eligible  int
	Completed []models.Burn
	Failed    []int
	Skipped   int
}

// Orchestrator drives milestone and buyback burns through the executor and
// retry controller and records every success atomically with its workflow.
type Orchestrator struct {
	store      *storage.Store
	projector  Projector
	executor   *executor.Executor
	controller *retry.Controller
	valuation  ValuationSource
	claimer    RewardClaimer
	venue      SwapVenue
	cfg        Config

	metrics      Metrics
	logger       *slog.Logger
	tracer       trace.Tracer
	attempts     metric.Int64Counter
	now          func() time.Time
	persistTries int
	persistDelay time.Duration

	milestoneMu sync.Mutex
	rewardMu    sync.Mutex

	mu     sync.Mutex
	status Status
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithValuation wires the valuation feed used by milestone passes.
func WithValuation(source ValuationSource) Option {
	return func(o *Orchestrator) {
		o.valuation = source
	}
}

// WithBuyback wires the reward claimer and swap venue.
func WithBuyback(claimer RewardClaimer, venue SwapVenue) Option {
	return func(o *Orchestrator) {
		o.claimer = claimer
		o.venue = venue
	}
}

// WithMetrics registers a telemetry sink.
func WithMetrics(metrics Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPersistRetry controls how often a record write is retried after a
// successful ledger submission.
func WithPersistRetry(tries int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		if tries > 0 {
			o.persistTries = tries
		}
		if delay >= 0 {
			o.persistDelay = delay
		}
	}
}

// New constructs an orchestrator.
func New(store *storage.Store, projector Projector, exec *executor.Executor, controller *retry.Controller, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("burnd/orchestrator: store required")
	}
	if exec == nil || controller == nil {
		return nil, fmt.Errorf("burnd/orchestrator: executor and retry controller required")
	}
	if cfg.Asset == "" {
		return nil, fmt.Errorf("burnd/orchestrator: asset required")
	}
	o := &Orchestrator{
		store:        store,
		projector:    projector,
		executor:     exec,
		controller:   controller,
		cfg:          cfg,
		logger:       slog.Default(),
		tracer:       otel.Tracer("burnd/orchestrator"),
		now:          time.Now,
		persistTries: 3,
		persistDelay: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	counter, err := otel.Meter("burnd/orchestrator").Int64Counter("burnd.orchestrator.burn_runs",
		metric.WithDescription("Burn runs by type and outcome."))
	if err != nil {
		return nil, fmt.Errorf("burnd/orchestrator: meter: %w", err)
	}
	o.attempts = counter
	return o, nil
}

// Pause stops new milestone and buyback work. In-flight burns finish.
func (o *Orchestrator) Pause() {
	o.setPaused(true)
}

// Resume re-enables processing.
func (o *Orchestrator) Resume() {
	o.setPaused(false)
}

func (o *Orchestrator) setPaused(paused bool) {
	o.mu.Lock()
	changed := o.status.Paused != paused
	o.status.Paused = paused
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.SetPaused(paused)
	}
	if changed {
		o.logger.Info("orchestrator pause state changed", slog.Bool("paused", paused))
	}
}

// Status returns a copy of the current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// WithMilestoneLock runs fn while no milestone burn is between submission and
// its supply projection.
func (o *Orchestrator) WithMilestoneLock(fn func()) {
	o.milestoneMu.Lock()
	defer o.milestoneMu.Unlock()
	fn()
}

func (o *Orchestrator) paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.Paused
}

// RunMilestones burns every eligible milestone at the current valuation, lowest
// threshold first. The pass stops at the first failure so progress stays
// monotonic, and stops starting new burns once ctx is done.
func (o *Orchestrator) RunMilestones(ctx context.Context) (MilestoneReport, error) {
	var report MilestoneReport
	if o.paused() {
		return report, ErrPaused
	}
	if o.valuation == nil {
		return report, fmt.Errorf("burnd/orchestrator: valuation source not configured")
	}
	reading, err := o.valuation.Current(ctx)
	if err != nil {
		return report, fmt.Errorf("burnd/orchestrator: valuation: %w", err)
	}
	report.Valuation = reading.Value
	report.Stale = reading.Stale
	if reading.Stale {
		o.logger.Warn("milestone pass using stale valuation",
			slog.Float64("valuation", reading.Value),
			slog.Time("observed_at", reading.ObservedAt))
	}
	milestones, err := o.store.ListMilestones(ctx)
	if err != nil {
		return report, err
	}
	eligible := eligibility.Milestones(reading.Value, milestones)
	report.Eligible = len(eligible)
	defer o.markRun(func(s *Status, at time.Time) { s.LastMilestoneRun = &at })

	for _, m := range eligible {
		if ctx.Err() != nil {
			break
		}
		burn, err := o.burnMilestone(ctx, m.ID, models.BurnTypeMilestone, InitiatorScheduler)
		switch {
		case err == nil:
			report.Completed = append(report.Completed, burn)
			continue
		case errors.Is(err, ErrAlreadyCompleted):
			report.Skipped++
			continue
		case errors.Is(err, ErrPaused):
			return report, nil
		}
		var failure *BurnFailure
		if errors.As(err, &failure) {
			report.Failed = append(report.Failed, m.ID)
			return report, nil
		}
		return report, err
	}
	return report, nil
}

// BurnMilestone burns a single milestone on operator request. The threshold
// is not re-checked; completion is still guarded.
func (o *Orchestrator) BurnMilestone(ctx context.Context, id int) (models.Burn, error) {
	if o.paused() {
		return models.Burn{}, ErrPaused
	}
	return o.burnMilestone(ctx, id, models.BurnTypeMilestone, InitiatorOperator)
}

// RecoverMilestone retries a previously failed milestone. The caller is
// expected to have re-validated eligibility.
func (o *Orchestrator) RecoverMilestone(ctx context.Context, id int) (models.Burn, error) {
	if o.paused() {
		return models.Burn{}, ErrPaused
	}
	return o.burnMilestone(ctx, id, models.BurnTypeMilestoneRecovery, InitiatorRecon)
}

func (o *Orchestrator) burnMilestone(ctx context.Context, id int, burnType models.BurnType, initiator string) (models.Burn, error) {
	o.milestoneMu.Lock()
	defer o.milestoneMu.Unlock()
	if o.paused() {
		return models.Burn{}, ErrPaused
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.milestone_burn", trace.WithAttributes(
		attribute.Int("milestone.id", id),
		attribute.String("burn.type", string(burnType)),
	))
	defer span.End()

	m, err := o.store.BeginMilestone(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyCompleted) {
			span.SetStatus(codes.Ok, "already completed")
			return models.Burn{}, ErrAlreadyCompleted
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Burn{}, err
	}

	outcome := o.destroy(ctx, executor.Request{
		Signer: o.cfg.ReserveSigner,
		Asset:  o.cfg.Asset,
		Amount: m.BurnAmount,
		Type:   burnType,
	}, func(sub ledger.SubmissionContext) error {
		return o.store.RecordMilestoneSubmission(ctx, id, o.cfg.ReserveSigner, sub.Nonce)
	})
	persistCtx := context.WithoutCancel(ctx)
	if !outcome.Result.Success {
		failure := o.failure(burnType, outcome)
		if err := o.persist(persistCtx, "fail milestone", func(ctx context.Context) error {
			return o.store.FailMilestone(ctx, id, failure.Kind.String()+": "+failure.Detail)
		}); err != nil {
			o.logger.Error("failed to record milestone failure", slog.Int("milestone", id), slog.String("error", err.Error()))
		}
		o.logger.Error("milestone burn failed",
			slog.Int("milestone", id),
			slog.Float64("threshold", m.Threshold),
			slog.Float64("amount", m.BurnAmount),
			slog.String("kind", string(failure.Kind)),
			slog.String("detail", failure.Detail),
			slog.Int("attempts", failure.Attempts))
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		return models.Burn{}, failure
	}

	burn := o.newBurn(persistCtx, burnType, outcome, o.cfg.ReserveSigner, "reserve", strconv.Itoa(id), initiator)
	if err := o.persist(persistCtx, "complete milestone", func(ctx context.Context) error {
		return o.store.CompleteMilestone(ctx, id, burn)
	}); err != nil {
		o.unrecorded(burn, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Burn{}, err
	}
	o.recorded(persistCtx, *burn)
	o.logger.Info("milestone burn recorded",
		slog.Int("milestone", id),
		slog.Float64("threshold", m.Threshold),
		slog.Float64("amount", burn.Amount),
		slog.String("tx_ref", burn.TxRef),
		slog.String("type", string(burnType)))
	span.SetStatus(codes.Ok, "burned")
	return *burn, nil
}

// ResolveMilestone settles a milestone left executing by an interrupted
// attempt. With txRef the transaction must be settled on the ledger and the
// milestone completes with a burn for its amount. Without txRef the milestone
// is marked failed, unless the pinned signer nonce has since been consumed.
func (o *Orchestrator) ResolveMilestone(ctx context.Context, id int, txRef string) (models.Milestone, error) {
	o.milestoneMu.Lock()
	defer o.milestoneMu.Unlock()

	ctx, span := o.tracer.Start(ctx, "orchestrator.milestone_resolve", trace.WithAttributes(
		attribute.Int("milestone.id", id),
	))
	defer span.End()
	fail := func(err error) (models.Milestone, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Milestone{}, err
	}

	m, err := o.store.GetMilestone(ctx, id)
	if err != nil {
		return fail(err)
	}
	if m.Completed {
		return fail(ErrAlreadyCompleted)
	}
	if m.Status != models.MilestoneExecuting {
		return fail(fmt.Errorf("%w: milestone %d is %s", ErrNotExecuting, id, m.Status))
	}
	persistCtx := context.WithoutCancel(ctx)

	if txRef = strings.TrimSpace(txRef); txRef != "" {
		detail, err := o.executor.TransactionDetail(ctx, txRef)
		if err != nil {
			return fail(fmt.Errorf("%w: %s: %v", ErrUnconfirmed, txRef, err))
		}
		outcome := retry.Outcome{
			Result:   executor.Result{Success: true, TxRef: txRef, Amount: m.BurnAmount},
			Status:   retry.StatusSucceeded,
			Attempts: m.AttemptCount + 1,
		}
		burn := buildBurn(models.BurnTypeMilestone, outcome, &detail, o.cfg.ReserveSigner, "reserve", strconv.Itoa(id), InitiatorOperator)
		if err := o.persist(persistCtx, "complete resolved milestone", func(ctx context.Context) error {
			return o.store.CompleteMilestone(ctx, id, burn)
		}); err != nil {
			return fail(err)
		}
		o.recorded(persistCtx, *burn)
		o.logger.Warn("executing milestone resolved as completed",
			slog.Int("milestone", id),
			slog.String("tx_ref", txRef),
			slog.Float64("amount", burn.Amount))
	} else {
		if m.SubmissionNonce != nil {
			current, err := o.executor.SubmissionContext(ctx, m.SubmissionSigner)
			if err != nil {
				return fail(fmt.Errorf("burnd/orchestrator: submission context: %w", err))
			}
			if current.Nonce > *m.SubmissionNonce {
				return fail(fmt.Errorf("%w: nonce %d, ledger at %d", ErrSubmissionAmbiguous, *m.SubmissionNonce, current.Nonce))
			}
		} else {
			o.logger.Warn("no submission was pinned for milestone; failing on operator assertion", slog.Int("milestone", id))
		}
		if err := o.persist(persistCtx, "fail resolved milestone", func(ctx context.Context) error {
			return o.store.FailMilestone(ctx, id, "resolved by operator: no ledger transaction")
		}); err != nil {
			return fail(err)
		}
		o.logger.Warn("executing milestone resolved as failed", slog.Int("milestone", id))
	}
	span.SetStatus(codes.Ok, "resolved")
	return o.store.GetMilestone(persistCtx, id)
}

// RunBuyback claims accrued rewards once they reach the threshold, swaps them
// for the token and burns what was acquired. It returns nil when rewards are
// below the threshold.
func (o *Orchestrator) RunBuyback(ctx context.Context) (*models.RewardCycle, error) {
	if o.paused() {
		return nil, ErrPaused
	}
	if o.claimer == nil || o.venue == nil {
		return nil, ErrBuybackDisabled
	}
	o.rewardMu.Lock()
	defer o.rewardMu.Unlock()
	defer o.markRun(func(s *Status, at time.Time) { s.LastBuybackRun = &at })

	ctx, span := o.tracer.Start(ctx, "orchestrator.buyback")
	defer span.End()
	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	pending, err := o.claimer.PendingRewards(ctx)
	if err != nil {
		return nil, fail(fmt.Errorf("burnd/orchestrator: pending rewards: %w", err))
	}
	if !eligibility.Buyback(pending.Amount, o.cfg.RewardThreshold) {
		o.logger.Debug("rewards below buyback threshold",
			slog.Float64("pending", pending.Amount),
			slog.Float64("threshold", o.cfg.RewardThreshold))
		span.SetStatus(codes.Ok, "below threshold")
		return nil, nil
	}
	claim, err := o.claimer.ClaimRewards(ctx)
	if err != nil {
		return nil, fail(fmt.Errorf("burnd/orchestrator: claim rewards: %w", err))
	}

	persistCtx := context.WithoutCancel(ctx)
	cycle := &models.RewardCycle{
		ClaimedAmount:    claim.Amount,
		ClaimedAmountUSD: claim.AmountUSD,
		ClaimTxRef:       claim.TxRef,
	}
	if err := o.persist(persistCtx, "create reward cycle", func(ctx context.Context) error {
		return o.store.CreateRewardCycle(ctx, cycle)
	}); err != nil {
		o.logger.Error("claimed rewards could not be recorded",
			slog.String("claim_tx_ref", claim.TxRef),
			slog.Float64("amount", claim.Amount),
			slog.String("error", err.Error()))
		return nil, fail(err)
	}
	span.SetAttributes(attribute.String("reward.id", cycle.ID.String()))

	quote, err := o.venue.Quote(ctx, claim.Amount, o.cfg.Asset)
	if err != nil {
		o.parkReward(persistCtx, cycle.ID, "quote: "+err.Error())
		return o.reloadReward(persistCtx, cycle.ID), fail(fmt.Errorf("burnd/orchestrator: quote: %w", err))
	}
	minOutput := quote.ExpectedOutput * (1 - float64(o.cfg.SlippageBps)/10_000)
	fill, err := o.venue.Swap(ctx, quote, minOutput)
	if err != nil {
		o.parkReward(persistCtx, cycle.ID, "swap: "+err.Error())
		return o.reloadReward(persistCtx, cycle.ID), fail(fmt.Errorf("burnd/orchestrator: swap: %w", err))
	}
	if err := o.persist(persistCtx, "mark reward bought", func(ctx context.Context) error {
		return o.store.MarkRewardBought(ctx, cycle.ID, fill.TxRef, fill.OutputAmount, quote.ExpectedOutput)
	}); err != nil {
		o.logger.Error("swap could not be recorded",
			slog.String("reward", cycle.ID.String()),
			slog.String("buy_tx_ref", fill.TxRef),
			slog.Float64("tokens_bought", fill.OutputAmount),
			slog.String("error", err.Error()))
		return o.reloadReward(persistCtx, cycle.ID), fail(err)
	}

	amount := math.Min(fill.OutputAmount, minOutput)
	outcome := o.destroy(ctx, executor.Request{
		Signer: o.cfg.OperatingSigner,
		Asset:  o.cfg.Asset,
		Amount: amount,
		Type:   models.BurnTypeBuyback,
	}, nil)
	if !outcome.Result.Success {
		failure := o.failure(models.BurnTypeBuyback, outcome)
		o.parkReward(persistCtx, cycle.ID, failure.Kind.String()+": "+failure.Detail)
		o.logger.Error("buyback burn failed",
			slog.String("reward", cycle.ID.String()),
			slog.Float64("amount", amount),
			slog.String("kind", string(failure.Kind)),
			slog.String("detail", failure.Detail))
		return o.reloadReward(persistCtx, cycle.ID), fail(failure)
	}

	burn := o.newBurn(persistCtx, models.BurnTypeBuyback, outcome, o.cfg.OperatingSigner, "operating", cycle.ID.String(), InitiatorScheduler)
	if err := o.persist(persistCtx, "mark reward burned", func(ctx context.Context) error {
		return o.store.MarkRewardBurned(ctx, cycle.ID, models.RewardBurned, burn)
	}); err != nil {
		o.unrecorded(burn, err)
		return o.reloadReward(persistCtx, cycle.ID), fail(err)
	}
	o.recorded(persistCtx, *burn)
	o.logger.Info("buyback burn recorded",
		slog.String("reward", cycle.ID.String()),
		slog.Float64("claimed", claim.Amount),
		slog.Float64("bought", fill.OutputAmount),
		slog.Float64("burned", burn.Amount),
		slog.String("tx_ref", burn.TxRef))
	span.SetStatus(codes.Ok, "burned")
	return o.reloadReward(persistCtx, cycle.ID), nil
}

// RecoverReward burns tokens already bought for a failed cycle, capped at what
// the operating pool still holds.
func (o *Orchestrator) RecoverReward(ctx context.Context, id uuid.UUID) (models.Burn, error) {
	if o.paused() {
		return models.Burn{}, ErrPaused
	}
	o.rewardMu.Lock()
	defer o.rewardMu.Unlock()

	ctx, span := o.tracer.Start(ctx, "orchestrator.reward_recovery", trace.WithAttributes(
		attribute.String("reward.id", id.String()),
	))
	defer span.End()
	fail := func(err error) (models.Burn, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Burn{}, err
	}

	cycle, err := o.store.GetRewardCycle(ctx, id)
	if err != nil {
		return fail(err)
	}
	if cycle.Status != models.RewardFailed || cycle.TokensBought == nil {
		return fail(fmt.Errorf("%w: reward %s is %s", ErrNotRecoverable, id, cycle.Status))
	}
	held, err := o.executor.Holdings(ctx, o.cfg.OperatingSigner, o.cfg.Asset)
	if err != nil {
		return fail(fmt.Errorf("burnd/orchestrator: operating balance: %w", err))
	}
	persistCtx := context.WithoutCancel(ctx)
	amount := math.Min(*cycle.TokensBought, held)
	if amount <= 0 {
		o.parkRecovery(persistCtx, id, "operating pool holds no tokens")
		return fail(fmt.Errorf("%w: operating pool holds no tokens", ErrNotRecoverable))
	}

	outcome := o.destroy(ctx, executor.Request{
		Signer: o.cfg.OperatingSigner,
		Asset:  o.cfg.Asset,
		Amount: amount,
		Type:   models.BurnTypeBuybackRecovery,
	}, nil)
	if !outcome.Result.Success {
		failure := o.failure(models.BurnTypeBuybackRecovery, outcome)
		o.parkRecovery(persistCtx, id, failure.Kind.String()+": "+failure.Detail)
		return fail(failure)
	}
	burn := o.newBurn(persistCtx, models.BurnTypeBuybackRecovery, outcome, o.cfg.OperatingSigner, "operating", id.String(), InitiatorRecon)
	if err := o.persist(persistCtx, "mark reward recovered", func(ctx context.Context) error {
		return o.store.MarkRewardBurned(ctx, id, models.RewardRecovered, burn)
	}); err != nil {
		o.unrecorded(burn, err)
		return fail(err)
	}
	o.recorded(persistCtx, *burn)
	o.logger.Info("reward cycle recovered",
		slog.String("reward", id.String()),
		slog.Float64("amount", burn.Amount),
		slog.String("tx_ref", burn.TxRef))
	span.SetStatus(codes.Ok, "recovered")
	return *burn, nil
}

// destroy runs the retry policy, refreshing the submission context when the
// controller asks for it. The initial context is fetched up front so that
// timeout retries reuse it and resume rather than resubmit. pin, when set,
// persists each context before anything is submitted with it.
func (o *Orchestrator) destroy(ctx context.Context, req executor.Request, pin func(ledger.SubmissionContext) error) retry.Outcome {
	if sub, err := o.executor.SubmissionContext(ctx, req.Signer); err == nil {
		req.Context = &sub
		if pin != nil {
			if err := pin(sub); err != nil {
				return retry.Outcome{
					Result: executor.Failure(ledger.KindUnknown, "pin submission context: "+err.Error()),
					Status: retry.StatusFailed,
				}
			}
		}
	} else {
		o.logger.Warn("submission context unavailable, deferring to gateway",
			slog.String("signer", req.Signer),
			slog.String("error", err.Error()))
	}
	outcome := o.controller.Execute(ctx, req)
	for outcome.Status == retry.StatusRefreshRequired {
		sub, err := o.executor.SubmissionContext(ctx, req.Signer)
		if err == nil && pin != nil {
			err = pin(sub)
		}
		if err != nil {
			kind := ledger.Classify(err)
			outcome = retry.Outcome{
				Result:   executor.Failure(kind, "refresh submission context: "+err.Error()),
				Status:   retry.StatusFailed,
				Attempts: outcome.Attempts,
			}
			break
		}
		req.Context = &sub
		outcome = o.controller.Resume(ctx, req, outcome.Attempts)
	}
	result := "success"
	if !outcome.Result.Success {
		result = string(outcome.Status)
	}
	o.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(req.Type)),
		attribute.String("outcome", result),
	))
	return outcome
}

type burnDetails struct {
	Pool        string `json:"pool"`
	Signer      string `json:"signer"`
	RawAmount   string `json:"raw_amount,omitempty"`
	Decimals    uint8  `json:"decimals"`
	Attempts    int    `json:"attempts"`
	Fee         string `json:"fee,omitempty"`
	Slot        uint64 `json:"slot,omitempty"`
	ConfirmedAt string `json:"confirmed_at,omitempty"`
}

func (o *Orchestrator) newBurn(ctx context.Context, burnType models.BurnType, outcome retry.Outcome, signer, pool, reference, initiator string) *models.Burn {
	var detail *ledger.TxDetail
	if tx, err := o.executor.TransactionDetail(ctx, outcome.Result.TxRef); err == nil {
		detail = &tx
	} else {
		o.logger.Debug("transaction detail unavailable", slog.String("tx_ref", outcome.Result.TxRef), slog.String("error", err.Error()))
	}
	return buildBurn(burnType, outcome, detail, signer, pool, reference, initiator)
}

func buildBurn(burnType models.BurnType, outcome retry.Outcome, tx *ledger.TxDetail, signer, pool, reference, initiator string) *models.Burn {
	details := burnDetails{
		Pool:     pool,
		Signer:   signer,
		Decimals: outcome.Result.Decimals,
		Attempts: outcome.Attempts,
	}
	if outcome.Result.Raw != nil {
		details.RawAmount = outcome.Result.Raw.String()
	}
	if tx != nil {
		if tx.Fee != nil {
			details.Fee = tx.Fee.String()
		}
		details.Slot = tx.Slot
		if !tx.ConfirmedAt.IsZero() {
			details.ConfirmedAt = tx.ConfirmedAt.UTC().Format(time.RFC3339)
		}
	}
	encoded, _ := json.Marshal(details)
	return &models.Burn{
		BurnType:    burnType,
		Amount:      outcome.Result.Amount,
		TxRef:       outcome.Result.TxRef,
		Initiator:   initiator,
		ReferenceID: reference,
		Details:     string(encoded),
	}
}

func (o *Orchestrator) failure(burnType models.BurnType, outcome retry.Outcome) *BurnFailure {
	kind := outcome.Result.Kind
	if kind == "" {
		kind = ledger.KindUnknown
	}
	failure := &BurnFailure{
		Type:     burnType,
		Kind:     kind,
		Detail:   outcome.Result.Detail,
		TxRef:    outcome.Result.TxRef,
		Attempts: outcome.Attempts,
	}
	if outcome.Status == retry.StatusInterrupted {
		failure.Detail = "interrupted during backoff: " + failure.Detail
	}
	if o.metrics != nil {
		o.metrics.RecordFailure(string(burnType), string(kind))
	}
	o.mu.Lock()
	o.status.Failures++
	o.status.LastError = failure.Error()
	o.mu.Unlock()
	return failure
}

func (o *Orchestrator) recorded(ctx context.Context, burn models.Burn) {
	if o.metrics != nil {
		o.metrics.RecordBurn(string(burn.BurnType), burn.Amount)
	}
	o.mu.Lock()
	o.status.BurnsRecorded++
	o.mu.Unlock()
	if o.projector == nil {
		return
	}
	if _, err := o.projector.Apply(ctx, burn); err != nil {
		o.logger.Error("supply projection failed; refresh will reconcile",
			slog.String("burn", burn.ID.String()),
			slog.String("error", err.Error()))
	}
}

// unrecorded flags a burn that landed on the ledger but could not be written.
func (o *Orchestrator) unrecorded(burn *models.Burn, err error) {
	if o.metrics != nil {
		o.metrics.RecordUnrecordedBurn()
	}
	o.mu.Lock()
	o.status.Unrecorded++
	o.status.LastError = err.Error()
	o.mu.Unlock()
	o.logger.Error("BURN EXECUTED BUT NOT RECORDED",
		slog.String("type", string(burn.BurnType)),
		slog.String("tx_ref", burn.TxRef),
		slog.Float64("amount", burn.Amount),
		slog.String("reference", burn.ReferenceID),
		slog.String("error", err.Error()))
}

func (o *Orchestrator) parkReward(ctx context.Context, id uuid.UUID, reason string) {
	if err := o.persist(ctx, "mark reward failed", func(ctx context.Context) error {
		return o.store.MarkRewardFailed(ctx, id, reason)
	}); err != nil {
		o.logger.Error("failed to park reward cycle", slog.String("reward", id.String()), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) parkRecovery(ctx context.Context, id uuid.UUID, reason string) {
	if err := o.persist(ctx, "mark reward recovery failed", func(ctx context.Context) error {
		return o.store.MarkRewardRecoveryFailed(ctx, id, reason)
	}); err != nil {
		o.logger.Error("failed to record recovery attempt", slog.String("reward", id.String()), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) reloadReward(ctx context.Context, id uuid.UUID) *models.RewardCycle {
	cycle, err := o.store.GetRewardCycle(ctx, id)
	if err != nil {
		return nil
	}
	return &cycle
}

// persist retries a record write. Transition errors are final.
func (o *Orchestrator) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= o.persistTries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrAlreadyCompleted) || errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			return err
		}
		o.logger.Warn("record write failed",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt < o.persistTries && o.persistDelay > 0 {
			time.Sleep(o.persistDelay)
		}
	}
	return fmt.Errorf("burnd/orchestrator: %s: %w", op, err)
}

func (o *Orchestrator) markRun(set func(*Status, time.Time)) {
	at := o.now().UTC()
	o.mu.Lock()
	set(&o.status, at)
	o.mu.Unlock()
}
