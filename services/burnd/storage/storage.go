package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"burnkeeper/services/burnd/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("burnd/storage: record not found")
	// ErrAlreadyCompleted signals that a milestone already carries a completed burn.
	ErrAlreadyCompleted = errors.New("burnd/storage: milestone already completed")
	// ErrInvalidTransition is returned when a state change is not permitted.
	ErrInvalidTransition = errors.New("burnd/storage: invalid state transition")
)

// Store is the Ledger of Record backed by gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an already migrated database handle.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MilestoneSeed is one entry of the configured schedule.
type MilestoneSeed struct {
	Threshold  float64
	BurnAmount float64
}

// SeedMilestones inserts the schedule if absent. Existing rows are left untouched.
func (s *Store) SeedMilestones(ctx context.Context, schedule []MilestoneSeed, initialSupply float64) (int, error) {
	if initialSupply <= 0 {
		return 0, fmt.Errorf("burnd/storage: initial supply must be positive")
	}
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		for i, seed := range schedule {
			row := models.Milestone{
				ID:              i + 1,
				Threshold:       seed.Threshold,
				BurnAmount:      seed.BurnAmount,
				PercentOfSupply: seed.BurnAmount / initialSupply * 100,
				Status:          models.MilestonePending,
				StatusChangedAt: now,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if res.Error != nil {
				return fmt.Errorf("seed milestone %d: %w", row.ID, res.Error)
			}
			inserted += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("burnd/storage: %w", err)
	}
	return inserted, nil
}

// ListMilestones returns every milestone in ascending threshold order.
func (s *Store) ListMilestones(ctx context.Context) ([]models.Milestone, error) {
	var rows []models.Milestone
	if err := s.db.WithContext(ctx).Order("threshold ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("burnd/storage: list milestones: %w", err)
	}
	return rows, nil
}

// GetMilestone loads a milestone by id.
func (s *Store) GetMilestone(ctx context.Context, id int) (models.Milestone, error) {
	var row models.Milestone
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return row, wrapNotFound("load milestone", err)
	}
	return row, nil
}

// BeginMilestone re-checks the completion guard and marks the milestone as
// executing. The returned milestone reflects the persisted state.
func (s *Store) BeginMilestone(ctx context.Context, id int) (models.Milestone, error) {
	var row models.Milestone
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return wrapNotFound("load milestone", err)
		}
		if row.Completed {
			return ErrAlreadyCompleted
		}
		if !row.Status.CanTransition(models.MilestoneExecuting) {
			return fmt.Errorf("%w: milestone %d is %s", ErrInvalidTransition, id, row.Status)
		}
		now := s.now()
		row.Status = models.MilestoneExecuting
		row.StatusChangedAt = now
		row.UpdatedAt = now
		row.SubmissionSigner = ""
		row.SubmissionNonce = nil
		return tx.Model(&models.Milestone{}).Where("id = ? AND completed = ?", id, false).Updates(map[string]any{
			"status":            row.Status,
			"submission_signer": "",
			"submission_nonce":  nil,
			"status_changed_at": now,
			"updated_at":        now,
		}).Error
	})
	return row, err
}

// RecordMilestoneSubmission pins the signer nonce an executing milestone is
// about to submit with, so an interrupted attempt can be settled later.
func (s *Store) RecordMilestoneSubmission(ctx context.Context, id int, signer string, nonce uint64) error {
	res := s.db.WithContext(ctx).Model(&models.Milestone{}).
		Where("id = ? AND completed = ? AND status = ?", id, false, models.MilestoneExecuting).
		Updates(map[string]any{
			"submission_signer": signer,
			"submission_nonce":  nonce,
			"updated_at":        s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("burnd/storage: record milestone submission: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: milestone %d is not executing", ErrInvalidTransition, id)
	}
	return nil
}

// CompleteMilestone atomically flips the milestone to completed and appends the
// burn proving it. A milestone can only ever be completed once.
func (s *Store) CompleteMilestone(ctx context.Context, id int, burn *models.Burn) error {
	if burn == nil {
		return fmt.Errorf("burnd/storage: burn record required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&models.Milestone{}).Where("id = ? AND completed = ?", id, false).Updates(map[string]any{
			"completed":         true,
			"status":            models.MilestoneCompleted,
			"tx_ref":            burn.TxRef,
			"completed_at":      now,
			"status_changed_at": now,
			"updated_at":        now,
		})
		if res.Error != nil {
			return fmt.Errorf("burnd/storage: complete milestone: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Milestone{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return fmt.Errorf("burnd/storage: complete milestone: %w", err)
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrAlreadyCompleted
		}
		return s.appendBurn(tx, burn)
	})
}

// FailMilestone records a failed attempt; the milestone stays incomplete.
func (s *Store) FailMilestone(ctx context.Context, id int, reason string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Milestone{}).Where("id = ? AND completed = ?", id, false).Updates(map[string]any{
		"attempt_count":       gorm.Expr("attempt_count + ?", 1),
		"last_failure_reason": strings.TrimSpace(reason),
		"status":              models.MilestoneFailed,
		"status_changed_at":   now,
		"updated_at":          now,
	})
	if res.Error != nil {
		return fmt.Errorf("burnd/storage: fail milestone: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyCompleted
	}
	return nil
}

// RecoverableMilestones returns incomplete milestones that have been attempted
// and are not currently mid-submission.
func (s *Store) RecoverableMilestones(ctx context.Context) ([]models.Milestone, error) {
	var rows []models.Milestone
	err := s.db.WithContext(ctx).
		Where("completed = ? AND attempt_count > ? AND status <> ?", false, 0, models.MilestoneExecuting).
		Order("threshold ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("burnd/storage: recoverable milestones: %w", err)
	}
	return rows, nil
}

// StaleMilestones returns milestones that entered executing before the cutoff
// and never resolved.
func (s *Store) StaleMilestones(ctx context.Context, cutoff time.Time) ([]models.Milestone, error) {
	var rows []models.Milestone
	err := s.db.WithContext(ctx).
		Where("completed = ? AND status = ? AND status_changed_at < ?", false, models.MilestoneExecuting, cutoff).
		Order("threshold ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("burnd/storage: stale milestones: %w", err)
	}
	return rows, nil
}

// CreateRewardCycle persists a freshly claimed reward cycle.
func (s *Store) CreateRewardCycle(ctx context.Context, cycle *models.RewardCycle) error {
	if cycle == nil {
		return fmt.Errorf("burnd/storage: reward cycle required")
	}
	if cycle.ID == uuid.Nil {
		cycle.ID = uuid.New()
	}
	now := s.now()
	cycle.Status = models.RewardClaimed
	cycle.CreatedAt = now
	cycle.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(cycle).Error; err != nil {
		return fmt.Errorf("burnd/storage: create reward cycle: %w", err)
	}
	return nil
}

// GetRewardCycle loads a reward cycle by id.
func (s *Store) GetRewardCycle(ctx context.Context, id uuid.UUID) (models.RewardCycle, error) {
	var row models.RewardCycle
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return row, wrapNotFound("load reward cycle", err)
	}
	return row, nil
}

// MarkRewardBought records the completed buy step along with the quoted output.
func (s *Store) MarkRewardBought(ctx context.Context, id uuid.UUID, buyTxRef string, tokensBought, expected float64) error {
	return s.transitionReward(ctx, id, models.RewardBought, func(now time.Time, updates map[string]any) {
		updates["buy_tx_ref"] = buyTxRef
		updates["tokens_bought"] = tokensBought
		updates["expected_tokens"] = expected
		updates["bought_at"] = now
		updates["error_message"] = ""
	}, nil)
}

// MarkRewardFailed parks the cycle for reconciliation.
func (s *Store) MarkRewardFailed(ctx context.Context, id uuid.UUID, message string) error {
	return s.transitionReward(ctx, id, models.RewardFailed, func(now time.Time, updates map[string]any) {
		updates["error_message"] = strings.TrimSpace(message)
	}, nil)
}

// MarkRewardRecoveryFailed records another unsuccessful recovery attempt.
func (s *Store) MarkRewardRecoveryFailed(ctx context.Context, id uuid.UUID, message string) error {
	return s.transitionReward(ctx, id, models.RewardFailed, func(now time.Time, updates map[string]any) {
		updates["error_message"] = strings.TrimSpace(message)
		updates["recovery_attempts"] = gorm.Expr("recovery_attempts + ?", 1)
	}, nil)
}

// MarkRewardBurned moves the cycle to burned (or recovered) and appends the burn
// record in the same transaction.
func (s *Store) MarkRewardBurned(ctx context.Context, id uuid.UUID, status models.RewardStatus, burn *models.Burn) error {
	if burn == nil {
		return fmt.Errorf("burnd/storage: burn record required")
	}
	if status != models.RewardBurned && status != models.RewardRecovered {
		return fmt.Errorf("%w: %s is not a burn outcome", ErrInvalidTransition, status)
	}
	return s.transitionReward(ctx, id, status, func(now time.Time, updates map[string]any) {
		updates["burn_tx_ref"] = burn.TxRef
		updates["tokens_burned"] = burn.Amount
		updates["burned_at"] = now
		updates["error_message"] = ""
	}, burn)
}

func (s *Store) transitionReward(ctx context.Context, id uuid.UUID, next models.RewardStatus, mutate func(time.Time, map[string]any), burn *models.Burn) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.RewardCycle
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return wrapNotFound("load reward cycle", err)
		}
		if !row.Status.CanTransition(next) {
			return fmt.Errorf("%w: reward %s %s -> %s", ErrInvalidTransition, id, row.Status, next)
		}
		now := s.now()
		updates := map[string]any{"status": next, "updated_at": now}
		mutate(now, updates)
		res := tx.Model(&models.RewardCycle{}).Where("id = ? AND status = ?", id, row.Status).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("burnd/storage: update reward cycle: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: reward %s changed concurrently", ErrInvalidTransition, id)
		}
		if burn != nil {
			return s.appendBurn(tx, burn)
		}
		return nil
	})
}

// RewardQuery filters reward cycle listings.
type RewardQuery struct {
	Status models.RewardStatus
	Page   int
	Limit  int
}

// ListRewardCycles returns reward cycles newest first.
func (s *Store) ListRewardCycles(ctx context.Context, q RewardQuery) ([]models.RewardCycle, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.RewardCycle{})
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("burnd/storage: count reward cycles: %w", err)
	}
	limit, offset := paginate(q.Page, q.Limit)
	var rows []models.RewardCycle
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("burnd/storage: list reward cycles: %w", err)
	}
	return rows, total, nil
}

// RecoverableRewards returns failed cycles whose buy step completed.
func (s *Store) RecoverableRewards(ctx context.Context) ([]models.RewardCycle, error) {
	var rows []models.RewardCycle
	err := s.db.WithContext(ctx).
		Where("status = ? AND tokens_bought IS NOT NULL", models.RewardFailed).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("burnd/storage: recoverable rewards: %w", err)
	}
	return rows, nil
}

// AppendBurn writes a standalone burn record.
func (s *Store) AppendBurn(ctx context.Context, burn *models.Burn) error {
	return s.appendBurn(s.db.WithContext(ctx), burn)
}

func (s *Store) appendBurn(tx *gorm.DB, burn *models.Burn) error {
	if burn == nil {
		return fmt.Errorf("burnd/storage: burn record required")
	}
	if !burn.BurnType.Valid() {
		return fmt.Errorf("burnd/storage: unknown burn type %q", burn.BurnType)
	}
	if burn.Amount <= 0 {
		return fmt.Errorf("burnd/storage: burn amount must be positive")
	}
	if burn.ID == uuid.Nil {
		burn.ID = uuid.New()
	}
	if burn.CreatedAt.IsZero() {
		burn.CreatedAt = s.now()
	}
	if err := tx.Create(burn).Error; err != nil {
		return fmt.Errorf("burnd/storage: append burn: %w", err)
	}
	return nil
}

// GetBurn loads a burn by id.
func (s *Store) GetBurn(ctx context.Context, id uuid.UUID) (models.Burn, error) {
	var row models.Burn
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return row, wrapNotFound("load burn", err)
	}
	return row, nil
}

// BurnQuery filters burn listings.
type BurnQuery struct {
	Type  models.BurnType
	Page  int
	Limit int
}

// ListBurns returns burns newest first along with the total match count.
func (s *Store) ListBurns(ctx context.Context, q BurnQuery) ([]models.Burn, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Burn{})
	if q.Type != "" {
		query = query.Where("burn_type = ?", q.Type)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("burnd/storage: count burns: %w", err)
	}
	limit, offset := paginate(q.Page, q.Limit)
	var rows []models.Burn
	if err := query.Order("created_at DESC").Order("id").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("burnd/storage: list burns: %w", err)
	}
	return rows, total, nil
}

// BurnsForReference returns every burn recorded against a milestone or reward id.
func (s *Store) BurnsForReference(ctx context.Context, referenceID string) ([]models.Burn, error) {
	var rows []models.Burn
	if err := s.db.WithContext(ctx).Where("reference_id = ?", referenceID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("burnd/storage: burns for reference: %w", err)
	}
	return rows, nil
}

// PendingAnnouncements returns un-announced burns, oldest first.
func (s *Store) PendingAnnouncements(ctx context.Context, limit int) ([]models.Burn, error) {
	limit, _ = paginate(1, limit)
	var rows []models.Burn
	err := s.db.WithContext(ctx).
		Where("announced = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("burnd/storage: pending announcements: %w", err)
	}
	return rows, nil
}

// MarkAnnounced flags a burn as announced. Repeated calls are no-ops.
func (s *Store) MarkAnnounced(ctx context.Context, id uuid.UUID) (models.Burn, error) {
	var row models.Burn
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return wrapNotFound("load burn", err)
		}
		if row.Announced {
			return nil
		}
		now := s.now()
		res := tx.Model(&models.Burn{}).Where("id = ? AND announced = ?", id, false).Updates(map[string]any{
			"announced":    true,
			"announced_at": now,
		})
		if res.Error != nil {
			return fmt.Errorf("burnd/storage: mark announced: %w", res.Error)
		}
		row.Announced = true
		row.AnnouncedAt = &now
		return nil
	})
	return row, err
}

// Totals aggregates burned amounts by pool.
type Totals struct {
	Milestone float64
	Buyback   float64
	Count     int64
}

// Total returns the combined burned amount.
func (t Totals) Total() float64 {
	return t.Milestone + t.Buyback
}

// BurnTotals sums every recorded burn. Burn records are the only source for
// aggregate totals.
func (s *Store) BurnTotals(ctx context.Context) (Totals, error) {
	var rows []struct {
		BurnType models.BurnType
		Sum      float64
		Count    int64
	}
	err := s.db.WithContext(ctx).Model(&models.Burn{}).
		Select("burn_type, COALESCE(SUM(amount), 0) AS sum, COUNT(*) AS count").
		Group("burn_type").
		Scan(&rows).Error
	if err != nil {
		return Totals{}, fmt.Errorf("burnd/storage: burn totals: %w", err)
	}
	var totals Totals
	for _, row := range rows {
		totals.Count += row.Count
		if row.BurnType.DrawsReserve() {
			totals.Milestone += row.Sum
			continue
		}
		totals.Buyback += row.Sum
	}
	return totals, nil
}

// AppendSnapshot writes a metrics snapshot.
func (s *Store) AppendSnapshot(ctx context.Context, snap *models.MetricsSnapshot) error {
	if snap == nil {
		return fmt.Errorf("burnd/storage: snapshot required")
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = s.now()
	}
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("burnd/storage: append snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the snapshot with the latest timestamp.
func (s *Store) LatestSnapshot(ctx context.Context) (models.MetricsSnapshot, error) {
	var row models.MetricsSnapshot
	err := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC").First(&row).Error
	if err != nil {
		return row, wrapNotFound("latest snapshot", err)
	}
	return row, nil
}

// SnapshotHistory returns snapshots recorded at or after since, oldest first.
func (s *Store) SnapshotHistory(ctx context.Context, since time.Time, limit int) ([]models.MetricsSnapshot, error) {
	limit, _ = paginate(1, limit)
	var rows []models.MetricsSnapshot
	query := s.db.WithContext(ctx).Order("timestamp ASC").Order("id ASC").Limit(limit)
	if !since.IsZero() {
		query = query.Where("timestamp >= ?", since)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("burnd/storage: snapshot history: %w", err)
	}
	return rows, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

func paginate(page, limit int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("burnd/storage: %s: %w", op, err)
}
