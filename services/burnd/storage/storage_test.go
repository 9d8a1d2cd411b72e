package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"burnkeeper/services/burnd/models"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := New(db, WithClock(func() time.Time { return now }))
	return store, &now
}

func seedSchedule(t *testing.T, store *Store) {
	t.Helper()
	_, err := store.SeedMilestones(context.Background(), []MilestoneSeed{
		{Threshold: 100_000, BurnAmount: 1_000},
		{Threshold: 150_000, BurnAmount: 2_000},
		{Threshold: 300_000, BurnAmount: 4_000},
	}, 1_000_000)
	require.NoError(t, err)
}

func TestSeedMilestonesIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, store)

	inserted, err := store.SeedMilestones(ctx, []MilestoneSeed{{Threshold: 100_000, BurnAmount: 99}}, 1_000_000)
	require.NoError(t, err)
	require.Zero(t, inserted)

	rows, err := store.ListMilestones(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, 1_000.0, rows[0].BurnAmount)
	require.InDelta(t, 0.1, rows[0].PercentOfSupply, 1e-9)
	require.Equal(t, models.MilestonePending, rows[0].Status)
}

func TestCompleteMilestoneOnlyOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, store)

	_, err := store.BeginMilestone(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.CompleteMilestone(ctx, 1, &models.Burn{BurnType: models.BurnTypeMilestone, Amount: 1_000, TxRef: "0xaa", ReferenceID: "1"}))

	err = store.CompleteMilestone(ctx, 1, &models.Burn{BurnType: models.BurnTypeMilestone, Amount: 1_000, TxRef: "0xbb", ReferenceID: "1"})
	require.ErrorIs(t, err, ErrAlreadyCompleted)

	_, err = store.BeginMilestone(ctx, 1)
	require.ErrorIs(t, err, ErrAlreadyCompleted)

	burns, err := store.BurnsForReference(ctx, "1")
	require.NoError(t, err)
	require.Len(t, burns, 1)

	milestone, err := store.GetMilestone(ctx, 1)
	require.NoError(t, err)
	require.True(t, milestone.Completed)
	require.Equal(t, "0xaa", milestone.TxRef)
	require.NotNil(t, milestone.CompletedAt)
}

func TestConcurrentCompletionYieldsSingleBurn(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, store)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.CompleteMilestone(ctx, 2, &models.Burn{
				BurnType:    models.BurnTypeMilestone,
				Amount:      2_000,
				TxRef:       fmt.Sprintf("0x%02d", i),
				ReferenceID: "2",
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		require.True(t, errors.Is(err, ErrAlreadyCompleted), "unexpected error: %v", err)
	}
	require.Equal(t, 1, successes)
	burns, err := store.BurnsForReference(ctx, "2")
	require.NoError(t, err)
	require.Len(t, burns, 1)
}

func TestFailMilestoneAndRecoverable(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, store)

	_, err := store.BeginMilestone(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.FailMilestone(ctx, 1, "RATE_LIMIT: too many requests"))

	_, err = store.BeginMilestone(ctx, 2)
	require.NoError(t, err)

	recoverable, err := store.RecoverableMilestones(ctx)
	require.NoError(t, err)
	require.Len(t, recoverable, 1)
	require.Equal(t, 1, recoverable[0].ID)
	require.Equal(t, 1, recoverable[0].AttemptCount)
	require.Equal(t, models.MilestoneFailed, recoverable[0].Status)
	require.Equal(t, "RATE_LIMIT: too many requests", recoverable[0].LastFailureReason)

	stale, err := store.StaleMilestones(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, 2, stale[0].ID)

	_, err = store.BeginMilestone(ctx, 2)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRewardCycleTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	cycle := &models.RewardCycle{ClaimedAmount: 2.5, ClaimedAmountUSD: 400, ClaimTxRef: "0xclaim"}
	require.NoError(t, store.CreateRewardCycle(ctx, cycle))
	require.Equal(t, models.RewardClaimed, cycle.Status)

	err := store.MarkRewardBurned(ctx, cycle.ID, models.RewardBurned, &models.Burn{BurnType: models.BurnTypeBuyback, Amount: 1, TxRef: "0xburn"})
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, store.MarkRewardBought(ctx, cycle.ID, "0xbuy", 1_000, 1_010))
	require.NoError(t, store.MarkRewardFailed(ctx, cycle.ID, "TIMEOUT: settlement"))

	recoverable, err := store.RecoverableRewards(ctx)
	require.NoError(t, err)
	require.Len(t, recoverable, 1)
	loaded := recoverable[0]
	require.Equal(t, models.RewardFailed, loaded.Status)
	require.NotNil(t, loaded.TokensBought)
	require.Equal(t, 1_000.0, *loaded.TokensBought)
	require.Nil(t, loaded.TokensBurned)

	require.NoError(t, store.MarkRewardBurned(ctx, cycle.ID, models.RewardRecovered, &models.Burn{
		BurnType:    models.BurnTypeBuybackRecovery,
		Amount:      990,
		TxRef:       "0xrecover",
		ReferenceID: cycle.ID.String(),
	}))
	loaded, err = store.GetRewardCycle(ctx, cycle.ID)
	require.NoError(t, err)
	require.Equal(t, models.RewardRecovered, loaded.Status)
	require.NotNil(t, loaded.TokensBurned)
	require.Equal(t, 990.0, *loaded.TokensBurned)
	require.Empty(t, loaded.ErrorMessage)

	recoverable, err = store.RecoverableRewards(ctx)
	require.NoError(t, err)
	require.Empty(t, recoverable)
}

func TestClaimedFailureIsNotRecoverable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	cycle := &models.RewardCycle{ClaimedAmount: 1}
	require.NoError(t, store.CreateRewardCycle(ctx, cycle))
	require.NoError(t, store.MarkRewardFailed(ctx, cycle.ID, "venue unavailable"))

	recoverable, err := store.RecoverableRewards(ctx)
	require.NoError(t, err)
	require.Empty(t, recoverable)
}

func TestListBurnsPaginationAndTotals(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		burnType := models.BurnTypeBuyback
		if i%2 == 0 {
			burnType = models.BurnTypeMilestone
		}
		require.NoError(t, store.AppendBurn(ctx, &models.Burn{
			BurnType:  burnType,
			Amount:    float64(10 * (i + 1)),
			TxRef:     fmt.Sprintf("0x%d", i),
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, total, err := store.ListBurns(ctx, BurnQuery{Page: 1, Limit: 2})
	require.NoError(t, err)
	require.EqualValues(t, 5, total)
	require.Len(t, page, 2)
	require.Equal(t, "0x4", page[0].TxRef)

	milestones, total, err := store.ListBurns(ctx, BurnQuery{Type: models.BurnTypeMilestone, Page: 1, Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, milestones, 3)

	totals, err := store.BurnTotals(ctx)
	require.NoError(t, err)
	require.Equal(t, 90.0, totals.Milestone)
	require.Equal(t, 60.0, totals.Buyback)
	require.Equal(t, 150.0, totals.Total())
	require.EqualValues(t, 5, totals.Count)

	require.Error(t, store.AppendBurn(ctx, &models.Burn{BurnType: "mystery", Amount: 1, TxRef: "0xzz"}))
}

func TestAnnouncementHandOff(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	first := &models.Burn{BurnType: models.BurnTypeMilestone, Amount: 1, TxRef: "0x1", CreatedAt: *now}
	second := &models.Burn{BurnType: models.BurnTypeBuyback, Amount: 2, TxRef: "0x2", CreatedAt: now.Add(time.Second)}
	require.NoError(t, store.AppendBurn(ctx, first))
	require.NoError(t, store.AppendBurn(ctx, second))

	pending, err := store.PendingAnnouncements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, first.ID, pending[0].ID)

	marked, err := store.MarkAnnounced(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, marked.Announced)
	again, err := store.MarkAnnounced(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, again.Announced)

	pending, err = store.PendingAnnouncements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, second.ID, pending[0].ID)

	_, err = store.MarkAnnounced(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshots(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	_, err := store.LatestSnapshot(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.AppendSnapshot(ctx, &models.MetricsSnapshot{Timestamp: *now, TotalSupply: 100}))
	require.NoError(t, store.AppendSnapshot(ctx, &models.MetricsSnapshot{Timestamp: now.Add(time.Minute), TotalSupply: 90}))

	latest, err := store.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 90.0, latest.TotalSupply)

	history, err := store.SnapshotHistory(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestPaginate(t *testing.T) {
	limit, offset := paginate(0, 0)
	require.Equal(t, defaultPageSize, limit)
	require.Zero(t, offset)

	limit, offset = paginate(3, 1_000)
	require.Equal(t, maxPageSize, limit)
	require.Equal(t, 2*maxPageSize, offset)
}

func TestRecordMilestoneSubmissionOnlyWhileExecuting(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seedSchedule(t, store)

	err := store.RecordMilestoneSubmission(ctx, 1, "0xsigner", 7)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.BeginMilestone(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.RecordMilestoneSubmission(ctx, 1, "0xsigner", 7))
	m, err := store.GetMilestone(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "0xsigner", m.SubmissionSigner)
	require.NotNil(t, m.SubmissionNonce)
	require.Equal(t, uint64(7), *m.SubmissionNonce)

	require.NoError(t, store.FailMilestone(ctx, 1, "TIMEOUT"))
	again, err := store.BeginMilestone(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, again.SubmissionNonce)
	m, err = store.GetMilestone(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, m.SubmissionNonce)
	require.Empty(t, m.SubmissionSigner)
}
