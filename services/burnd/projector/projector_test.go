package projector

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"burnkeeper/services/burnd/models"
	"burnkeeper/services/burnd/storage"
)

func newTestProjector(t *testing.T) (*Projector, *storage.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	store := storage.New(db, storage.WithClock(clock))
	return New(store, Genesis{TotalSupply: 1_000_000, ReserveBalance: 200_000}, WithClock(clock)), store
}

func recordBurn(t *testing.T, store *storage.Store, burnType models.BurnType, amount float64) models.Burn {
	t.Helper()
	burn := models.Burn{BurnType: burnType, Amount: amount, TxRef: uuid.NewString()}
	require.NoError(t, store.AppendBurn(context.Background(), &burn))
	return burn
}

func requireConsistent(t *testing.T, snap models.MetricsSnapshot) {
	t.Helper()
	require.InDelta(t, snap.TotalBurned, snap.BuybackBurned+snap.MilestoneBurned, 1e-9)
}

func TestLatestFallsBackToGenesis(t *testing.T) {
	p, _ := newTestProjector(t)
	snap, err := p.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1_000_000.0, snap.TotalSupply)
	require.Equal(t, 200_000.0, snap.ReserveBalance)
	require.Equal(t, 800_000.0, snap.CirculatingSupply)
}

func TestApplyKeepsPoolsDisjoint(t *testing.T) {
	p, store := newTestProjector(t)
	ctx := context.Background()

	milestone := recordBurn(t, store, models.BurnTypeMilestone, 10_000)
	snap, err := p.Apply(ctx, milestone)
	require.NoError(t, err)
	require.Equal(t, 990_000.0, snap.TotalSupply)
	require.Equal(t, 190_000.0, snap.ReserveBalance)
	require.Equal(t, 800_000.0, snap.CirculatingSupply)
	require.Equal(t, milestone.ID, *snap.BurnID)
	requireConsistent(t, snap)

	buyback := recordBurn(t, store, models.BurnTypeBuyback, 500)
	snap, err = p.Apply(ctx, buyback)
	require.NoError(t, err)
	require.Equal(t, 989_500.0, snap.TotalSupply)
	require.Equal(t, 190_000.0, snap.ReserveBalance)
	require.Equal(t, 799_500.0, snap.CirculatingSupply)
	require.Equal(t, 500.0, snap.BuybackBurned)
	require.Equal(t, 10_000.0, snap.MilestoneBurned)
	requireConsistent(t, snap)

	recovery := recordBurn(t, store, models.BurnTypeMilestoneRecovery, 1_000)
	snap, err = p.Apply(ctx, recovery)
	require.NoError(t, err)
	require.Equal(t, 189_000.0, snap.ReserveBalance)
	requireConsistent(t, snap)

	latest, err := store.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, snap.ID, latest.ID)
}

func TestRefreshIsIdempotent(t *testing.T) {
	p, store := newTestProjector(t)
	ctx := context.Background()

	recordBurn(t, store, models.BurnTypeMilestone, 2_000)
	recordBurn(t, store, models.BurnTypeBuybackRecovery, 300)

	snap, changed, err := p.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2_300.0, snap.TotalBurned)
	require.Equal(t, 997_700.0, snap.TotalSupply)
	require.Equal(t, 198_000.0, snap.ReserveBalance)
	require.Equal(t, 799_700.0, snap.CirculatingSupply)
	requireConsistent(t, snap)

	again, changed, err := p.Refresh(ctx)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, snap.ID, again.ID)

	history, err := store.SnapshotHistory(ctx, time.Time{}, 100)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestCorrectRecordsDiscrepancy(t *testing.T) {
	p, store := newTestProjector(t)
	ctx := context.Background()

	snap, err := p.Apply(ctx, recordBurn(t, store, models.BurnTypeMilestone, 5_000))
	require.NoError(t, err)

	corrected, err := p.Correct(ctx, 194_000)
	require.NoError(t, err)
	require.True(t, corrected.Correction)
	require.Equal(t, ReasonCorrection, corrected.Reason)
	require.InDelta(t, -1_000, corrected.Discrepancy, 1e-9)
	require.Equal(t, snap.TotalSupply, corrected.TotalSupply)
	require.Equal(t, snap.TotalBurned, corrected.TotalBurned)
	require.Equal(t, 194_000.0, corrected.ReserveBalance)
	require.True(t, math.Abs(corrected.CirculatingSupply-(corrected.TotalSupply-194_000)) < 1e-9)

	_, changed, err := p.Refresh(ctx)
	require.NoError(t, err)
	require.False(t, changed, "refresh must not undo a reserve correction")
}
