package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"burnkeeper/services/burnd/models"
	"burnkeeper/services/burnd/orchestrator"
	"burnkeeper/services/burnd/storage"
	"burnkeeper/services/burnd/valuation"
)

// ErrRunning is returned when a sweep is already in progress.
var ErrRunning = errors.New("recon: sweep already running")

// Item kinds.
const (
	KindMilestoneRecovery = "milestone_recovery"
	KindRewardRecovery    = "reward_recovery"
	KindReserveCorrection = "reserve_correction"
	KindStaleExecuting    = "stale_executing"
)

// Item outcomes.
const (
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeCorrected = "corrected"
	OutcomeFlagged   = "flagged"
)

// Recoverer re-drives failed burns through the executor and retry path.
type Recoverer interface {
	RecoverMilestone(ctx context.Context, id int) (models.Burn, error)
	RecoverReward(ctx context.Context, id uuid.UUID) (models.Burn, error)
}

// ValuationSource supplies the valuation used to re-validate milestones.
type ValuationSource interface {
	Current(ctx context.Context) (valuation.Reading, error)
}

// BalanceReader reads on-ledger holdings in human units.
type BalanceReader interface {
	Holdings(ctx context.Context, owner, asset string) (float64, error)
}

// Projector exposes the supply series.
type Projector interface {
	Latest(ctx context.Context) (models.MetricsSnapshot, error)
	Correct(ctx context.Context, actualReserve float64) (models.MetricsSnapshot, error)
}

// ReserveGuard serialises the reserve check with milestone burns, which move
// the ledger balance before their supply projection is written.
type ReserveGuard interface {
	WithMilestoneLock(fn func())
}

// Metrics receives reconciliation telemetry.
type Metrics interface {
	SetReserveDrift(value float64)
	RecordReconRun(outcome string)
}

// Config wires the engine.
type Config struct {
	Store        *storage.Store
	Recoverer    Recoverer
	Valuation    ValuationSource
	Balances     BalanceReader
	Projector    Projector
	Guard        ReserveGuard
	ReserveOwner string
	Asset        string
	Tolerance    float64
	StaleAfter   time.Duration
	ReportDir    string
	Metrics      Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// Item is one line of a reconciliation report.
type Item struct {
	Kind      string
	Reference string
	Outcome   string
	Amount    float64
	TxRef     string
	Detail    string
}

// Result summarises a sweep.
type Result struct {
	Start       time.Time
	End         time.Time
	Items       []Item
	Recovered   int
	Failed      int
	Paused      bool
	Drift       float64
	Correction  *models.MetricsSnapshot
	CSVPath     string
	ParquetPath string
}

func (r *Result) add(item Item) {
	r.Items = append(r.Items, item)
	switch item.Outcome {
	case OutcomeRecovered:
		r.Recovered++
	case OutcomeFailed:
		r.Failed++
	}
}

// Engine compares recorded state with the ledger and heals what it can.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	running sync.Mutex
}

// NewEngine builds a configured reconciliation engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Recoverer == nil {
		return nil, errors.New("recon: recoverer is required")
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-6
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("burnd/recon"),
		now:    nowFn,
	}, nil
}

// Run performs one sweep: stale detection, milestone and reward recovery, then
// reserve balance reconciliation. Sweeps never overlap.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.running.TryLock() {
		return nil, ErrRunning
	}
	defer e.running.Unlock()

	ctx, span := e.tracer.Start(ctx, "recon.run")
	defer span.End()

	result := &Result{Start: e.now().UTC()}
	if err := e.flagStale(ctx, result); err != nil {
		return e.finish(span, result, err)
	}
	if err := e.recoverMilestones(ctx, result); err != nil {
		return e.finish(span, result, err)
	}
	if !result.Paused {
		if err := e.recoverRewards(ctx, result); err != nil {
			return e.finish(span, result, err)
		}
	}
	e.reconcileReserve(ctx, result)

	result.End = e.now().UTC()
	if e.cfg.ReportDir != "" && len(result.Items) > 0 {
		csvPath, parquetPath, err := writeReportFiles(e.cfg.ReportDir, result)
		if err != nil {
			e.logger.Error("recon report export failed", slog.String("error", err.Error()))
		} else {
			result.CSVPath, result.ParquetPath = csvPath, parquetPath
			e.logger.Info("recon report written",
				slog.String("csv", csvPath),
				slog.String("parquet", parquetPath),
				slog.Int("rows", len(result.Items)))
		}
	}
	span.SetAttributes(
		attribute.Int("recon.items", len(result.Items)),
		attribute.Int("recon.recovered", result.Recovered),
		attribute.Int("recon.failed", result.Failed),
	)
	return e.finish(span, result, nil)
}

func (e *Engine) finish(span trace.Span, result *Result, err error) (*Result, error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.Failed > 0:
		outcome = "degraded"
		span.SetStatus(codes.Error, fmt.Sprintf("%d item(s) failed", result.Failed))
	default:
		span.SetStatus(codes.Ok, "reconciled")
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordReconRun(outcome)
	}
	if err != nil {
		e.logger.Error("recon sweep failed", slog.String("error", err.Error()))
		return result, err
	}
	e.logger.Info("recon sweep finished",
		slog.Int("items", len(result.Items)),
		slog.Int("recovered", result.Recovered),
		slog.Int("failed", result.Failed),
		slog.Bool("paused", result.Paused))
	return result, nil
}

// flagStale reports milestones stuck mid-submission. Their outcome is unknown
// so they are never retried automatically.
func (e *Engine) flagStale(ctx context.Context, result *Result) error {
	cutoff := e.now().Add(-e.cfg.StaleAfter)
	stale, err := e.cfg.Store.StaleMilestones(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, m := range stale {
		e.logger.Warn("milestone stuck in executing; operator review required",
			slog.Int("milestone", m.ID),
			slog.Float64("threshold", m.Threshold),
			slog.Time("since", m.StatusChangedAt))
		result.add(Item{
			Kind:      KindStaleExecuting,
			Reference: strconv.Itoa(m.ID),
			Outcome:   OutcomeFlagged,
			Amount:    m.BurnAmount,
			Detail:    "executing since " + m.StatusChangedAt.UTC().Format(time.RFC3339),
		})
	}
	return nil
}

func (e *Engine) recoverMilestones(ctx context.Context, result *Result) error {
	candidates, err := e.cfg.Store.RecoverableMilestones(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	if e.cfg.Valuation == nil {
		return errors.New("recon: valuation source not configured")
	}
	reading, err := e.cfg.Valuation.Current(ctx)
	if err != nil {
		e.logger.Warn("milestone recovery skipped; valuation unavailable", slog.String("error", err.Error()))
		for _, m := range candidates {
			result.add(Item{Kind: KindMilestoneRecovery, Reference: strconv.Itoa(m.ID), Outcome: OutcomeSkipped, Amount: m.BurnAmount, Detail: "valuation unavailable"})
		}
		return nil
	}
	halted := false
	for _, m := range candidates {
		ref := strconv.Itoa(m.ID)
		if m.Threshold > reading.Value {
			result.add(Item{
				Kind:      KindMilestoneRecovery,
				Reference: ref,
				Outcome:   OutcomeSkipped,
				Amount:    m.BurnAmount,
				Detail:    fmt.Sprintf("threshold %v above valuation %v", m.Threshold, reading.Value),
			})
			continue
		}
		if halted || ctx.Err() != nil {
			result.add(Item{Kind: KindMilestoneRecovery, Reference: ref, Outcome: OutcomeSkipped, Amount: m.BurnAmount, Detail: "earlier milestone unresolved"})
			continue
		}
		burn, err := e.cfg.Recoverer.RecoverMilestone(ctx, m.ID)
		switch {
		case err == nil:
			result.add(Item{Kind: KindMilestoneRecovery, Reference: ref, Outcome: OutcomeRecovered, Amount: burn.Amount, TxRef: burn.TxRef})
		case errors.Is(err, orchestrator.ErrPaused):
			result.Paused = true
			e.logger.Info("recovery skipped while orchestrator is paused")
			return nil
		case errors.Is(err, orchestrator.ErrAlreadyCompleted):
			result.add(Item{Kind: KindMilestoneRecovery, Reference: ref, Outcome: OutcomeSkipped, Amount: m.BurnAmount, Detail: "already completed"})
		default:
			halted = true
			result.add(Item{Kind: KindMilestoneRecovery, Reference: ref, Outcome: OutcomeFailed, Amount: m.BurnAmount, Detail: err.Error()})
		}
	}
	return nil
}

func (e *Engine) recoverRewards(ctx context.Context, result *Result) error {
	cycles, err := e.cfg.Store.RecoverableRewards(ctx)
	if err != nil {
		return err
	}
	for _, cycle := range cycles {
		if ctx.Err() != nil {
			return nil
		}
		ref := cycle.ID.String()
		burn, err := e.cfg.Recoverer.RecoverReward(ctx, cycle.ID)
		switch {
		case err == nil:
			result.add(Item{Kind: KindRewardRecovery, Reference: ref, Outcome: OutcomeRecovered, Amount: burn.Amount, TxRef: burn.TxRef})
		case errors.Is(err, orchestrator.ErrPaused):
			result.Paused = true
			return nil
		case errors.Is(err, orchestrator.ErrNotRecoverable):
			result.add(Item{Kind: KindRewardRecovery, Reference: ref, Outcome: OutcomeSkipped, Detail: err.Error()})
		default:
			result.add(Item{Kind: KindRewardRecovery, Reference: ref, Outcome: OutcomeFailed, Detail: err.Error()})
		}
	}
	return nil
}

// reconcileReserve appends a correction snapshot when the recorded reserve
// drifts from the ledger by more than the tolerance.
func (e *Engine) reconcileReserve(ctx context.Context, result *Result) {
	if e.cfg.Balances == nil || e.cfg.Projector == nil || e.cfg.ReserveOwner == "" {
		return
	}
	if e.cfg.Guard == nil {
		e.checkReserve(ctx, result)
		return
	}
	e.cfg.Guard.WithMilestoneLock(func() { e.checkReserve(ctx, result) })
}

func (e *Engine) checkReserve(ctx context.Context, result *Result) {
	actual, err := e.cfg.Balances.Holdings(ctx, e.cfg.ReserveOwner, e.cfg.Asset)
	if err != nil {
		e.logger.Error("reserve balance unavailable", slog.String("error", err.Error()))
		result.add(Item{Kind: KindReserveCorrection, Reference: e.cfg.ReserveOwner, Outcome: OutcomeFailed, Detail: "balance read: " + err.Error()})
		return
	}
	latest, err := e.cfg.Projector.Latest(ctx)
	if err != nil {
		result.add(Item{Kind: KindReserveCorrection, Reference: e.cfg.ReserveOwner, Outcome: OutcomeFailed, Detail: "latest snapshot: " + err.Error()})
		return
	}
	drift := actual - latest.ReserveBalance
	result.Drift = drift
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.SetReserveDrift(drift)
	}
	if math.Abs(drift) <= e.cfg.Tolerance {
		return
	}
	e.logger.Warn("reserve balance drift detected",
		slog.Float64("recorded", latest.ReserveBalance),
		slog.Float64("actual", actual),
		slog.Float64("discrepancy", drift))
	snap, err := e.cfg.Projector.Correct(ctx, actual)
	if err != nil {
		result.add(Item{Kind: KindReserveCorrection, Reference: e.cfg.ReserveOwner, Outcome: OutcomeFailed, Amount: drift, Detail: err.Error()})
		return
	}
	result.Correction = &snap
	result.add(Item{
		Kind:      KindReserveCorrection,
		Reference: e.cfg.ReserveOwner,
		Outcome:   OutcomeCorrected,
		Amount:    drift,
		Detail:    fmt.Sprintf("recorded %v actual %v", latest.ReserveBalance, actual),
	})
}
