package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"burnkeeper/services/burnd/models"
	"burnkeeper/services/burnd/storage"
)

// Snapshot reasons.
const (
	ReasonBurn       = "burn"
	ReasonRefresh    = "refresh"
	ReasonCorrection = "reserve_correction"
)

const epsilon = 1e-9

// Store is the persistence surface the projector needs.
type Store interface {
	LatestSnapshot(ctx context.Context) (models.MetricsSnapshot, error)
	AppendSnapshot(ctx context.Context, snap *models.MetricsSnapshot) error
	BurnTotals(ctx context.Context) (storage.Totals, error)
}

// Genesis seeds the supply series before any snapshot exists.
type Genesis struct {
	TotalSupply    float64
	ReserveBalance float64
}

// Projector is the single writer of metrics snapshots. Each new snapshot is
// derived from the previous one under a mutex.
type Projector struct {
	store   Store
	genesis Genesis
	now     func() time.Time
	logger  *slog.Logger

	mu sync.Mutex
}

// Option customises the projector.
type Option func(*Projector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Projector) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New constructs a projector.
func New(store Store, genesis Genesis, opts ...Option) *Projector {
	p := &Projector{
		store:   store,
		genesis: genesis,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Latest returns the current snapshot, falling back to the genesis state.
func (p *Projector) Latest(ctx context.Context) (models.MetricsSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latestLocked(ctx)
}

func (p *Projector) latestLocked(ctx context.Context) (models.MetricsSnapshot, error) {
	snap, err := p.store.LatestSnapshot(ctx)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.MetricsSnapshot{}, err
	}
	return models.MetricsSnapshot{
		TotalSupply:       p.genesis.TotalSupply,
		CirculatingSupply: p.genesis.TotalSupply - p.genesis.ReserveBalance,
		ReserveBalance:    p.genesis.ReserveBalance,
	}, nil
}

func (p *Projector) next(prev models.MetricsSnapshot, reason string) models.MetricsSnapshot {
	next := prev
	next.ID = 0
	next.Timestamp = p.now()
	next.Correction = false
	next.Discrepancy = 0
	next.Reason = reason
	next.BurnID = nil
	return next
}

// Apply appends the snapshot produced by a recorded burn. Reserve-funded burns
// reduce the reserve balance; all others reduce circulating supply.
func (p *Projector) Apply(ctx context.Context, burn models.Burn) (models.MetricsSnapshot, error) {
	if burn.Amount <= 0 {
		return models.MetricsSnapshot{}, fmt.Errorf("burnd/projector: burn amount must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, err := p.latestLocked(ctx)
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("burnd/projector: latest snapshot: %w", err)
	}
	next := p.next(prev, ReasonBurn)
	burnID := burn.ID
	next.BurnID = &burnID
	next.TotalSupply -= burn.Amount
	next.TotalBurned += burn.Amount
	if burn.BurnType.DrawsReserve() {
		next.ReserveBalance -= burn.Amount
		next.MilestoneBurned += burn.Amount
	} else {
		next.CirculatingSupply -= burn.Amount
		next.BuybackBurned += burn.Amount
	}
	if err := p.store.AppendSnapshot(ctx, &next); err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("burnd/projector: %w", err)
	}
	return next, nil
}

// Refresh recomputes burn totals from the burn records and appends a snapshot
// only when the latest one disagrees. Repeated calls are no-ops.
func (p *Projector) Refresh(ctx context.Context) (models.MetricsSnapshot, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	totals, err := p.store.BurnTotals(ctx)
	if err != nil {
		return models.MetricsSnapshot{}, false, fmt.Errorf("burnd/projector: %w", err)
	}
	prev, err := p.latestLocked(ctx)
	if err != nil {
		return models.MetricsSnapshot{}, false, fmt.Errorf("burnd/projector: latest snapshot: %w", err)
	}
	milestoneDelta := totals.Milestone - prev.MilestoneBurned
	buybackDelta := totals.Buyback - prev.BuybackBurned
	expectedSupply := p.genesis.TotalSupply - totals.Total()
	if math.Abs(milestoneDelta) < epsilon && math.Abs(buybackDelta) < epsilon && math.Abs(expectedSupply-prev.TotalSupply) < epsilon {
		return prev, false, nil
	}
	next := p.next(prev, ReasonRefresh)
	next.MilestoneBurned = totals.Milestone
	next.BuybackBurned = totals.Buyback
	next.TotalBurned = totals.Total()
	next.TotalSupply = expectedSupply
	next.ReserveBalance -= milestoneDelta
	next.CirculatingSupply -= buybackDelta
	if err := p.store.AppendSnapshot(ctx, &next); err != nil {
		return models.MetricsSnapshot{}, false, fmt.Errorf("burnd/projector: %w", err)
	}
	p.logger.Info("metrics refreshed from burn records",
		slog.Float64("milestone_delta", milestoneDelta),
		slog.Float64("buyback_delta", buybackDelta),
		slog.Float64("total_burned", next.TotalBurned))
	return next, true, nil
}

// Correct appends a correction snapshot setting the reserve balance to the
// observed ledger value. Total supply is unchanged, so circulating supply
// absorbs the difference.
func (p *Projector) Correct(ctx context.Context, actualReserve float64) (models.MetricsSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, err := p.latestLocked(ctx)
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("burnd/projector: latest snapshot: %w", err)
	}
	next := p.next(prev, ReasonCorrection)
	next.Correction = true
	next.Discrepancy = actualReserve - prev.ReserveBalance
	next.ReserveBalance = actualReserve
	next.CirculatingSupply = next.TotalSupply - actualReserve
	if err := p.store.AppendSnapshot(ctx, &next); err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("burnd/projector: %w", err)
	}
	p.logger.Warn("reserve balance corrected",
		slog.Float64("recorded", prev.ReserveBalance),
		slog.Float64("actual", actualReserve),
		slog.Float64("discrepancy", next.Discrepancy))
	return next, nil
}
