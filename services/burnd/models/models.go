package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BurnType enumerates the provenance of a destruction record.
type BurnType string

// Burn types.
const (
	BurnTypeMilestone         BurnType = "milestone"
	BurnTypeBuyback           BurnType = "buyback"
	BurnTypeMilestoneRecovery BurnType = "milestone-recovery"
	BurnTypeBuybackRecovery   BurnType = "buyback-recovery"
)

// Valid reports whether the burn type is one of the known values.
func (t BurnType) Valid() bool {
	switch t {
	case BurnTypeMilestone, BurnTypeBuyback, BurnTypeMilestoneRecovery, BurnTypeBuybackRecovery:
		return true
	}
	return false
}

// DrawsReserve reports whether burns of this type are funded by the reserve pool.
// Every other type is drawn from circulating supply.
func (t BurnType) DrawsReserve() bool {
	return t == BurnTypeMilestone || t == BurnTypeMilestoneRecovery
}

// MilestoneStatus tracks the milestone state machine.
type MilestoneStatus string

// Milestone states.
const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneExecuting MilestoneStatus = "executing"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneFailed    MilestoneStatus = "failed"
)

// RewardStatus tracks the buy-and-burn state machine.
type RewardStatus string

// Reward cycle states.
const (
	RewardClaimed   RewardStatus = "claimed"
	RewardBought    RewardStatus = "bought"
	RewardBurned    RewardStatus = "burned"
	RewardFailed    RewardStatus = "failed"
	RewardRecovered RewardStatus = "recovered"
)

// Terminal reports whether no further transitions are expected.
func (s RewardStatus) Terminal() bool {
	return s == RewardBurned || s == RewardRecovered
}

// Milestone is a valuation threshold that authorises a fixed burn from the reserve pool.
type Milestone struct {
	ID                int             `gorm:"primaryKey;autoIncrement:false"`
	Threshold         float64         `gorm:"uniqueIndex;not null"`
	BurnAmount        float64         `gorm:"not null"`
	PercentOfSupply   float64         `gorm:"not null"`
	Completed         bool            `gorm:"index;not null;default:false"`
	Status            MilestoneStatus `gorm:"size:16;index"`
	TxRef             string          `gorm:"size:128"`
	SubmissionSigner  string          `gorm:"size:64"`
	SubmissionNonce   *uint64
	CompletedAt       *time.Time
	AttemptCount      int
	LastFailureReason string
	StatusChangedAt   time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RewardCycle tracks a claim → buy → burn pipeline.
type RewardCycle struct {
	ID               uuid.UUID    `gorm:"type:uuid;primaryKey"`
	ClaimedAmount    float64      `gorm:"not null"`
	ClaimedAmountUSD float64      `gorm:"column:claimed_amount_usd"`
	Status           RewardStatus `gorm:"size:16;index"`
	ClaimTxRef       string       `gorm:"size:128"`
	BuyTxRef         string       `gorm:"size:128"`
	BurnTxRef        string       `gorm:"size:128"`
	ExpectedTokens   float64
	TokensBought     *float64
	TokensBurned     *float64
	ErrorMessage     string
	RecoveryAttempts int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	BoughtAt         *time.Time
	BurnedAt         *time.Time
}

// Burn is the append-only proof that destruction occurred on the ledger.
type Burn struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	BurnType    BurnType  `gorm:"size:32;index"`
	Amount      float64   `gorm:"not null"`
	TxRef       string    `gorm:"size:128;uniqueIndex"`
	Initiator   string    `gorm:"size:64"`
	ReferenceID string    `gorm:"size:64;index"`
	Details     string    `gorm:"type:text"`
	Announced   bool      `gorm:"index;not null;default:false"`
	AnnouncedAt *time.Time
	CreatedAt   time.Time `gorm:"index"`
}

// MetricsSnapshot is one point of the supply time series.
type MetricsSnapshot struct {
	ID                uint      `gorm:"primaryKey"`
	Timestamp         time.Time `gorm:"index"`
	TotalSupply       float64
	CirculatingSupply float64
	ReserveBalance    float64
	TotalBurned       float64
	BuybackBurned     float64
	MilestoneBurned   float64
	Correction        bool
	Discrepancy       float64
	Reason            string     `gorm:"size:64"`
	BurnID            *uuid.UUID `gorm:"type:uuid"`
}

// AutoMigrate provisions all tables for the Ledger of Record.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Milestone{},
		&RewardCycle{},
		&Burn{},
		&MetricsSnapshot{},
	)
}

var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:   {MilestoneExecuting},
	MilestoneFailed:    {MilestoneExecuting},
	MilestoneExecuting: {MilestoneCompleted, MilestoneFailed},
}

// CanTransition reports whether a milestone may move from s to next.
func (s MilestoneStatus) CanTransition(next MilestoneStatus) bool {
	if s == "" {
		s = MilestonePending
	}
	for _, allowed := range milestoneTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var rewardTransitions = map[RewardStatus][]RewardStatus{
	RewardClaimed: {RewardBought, RewardFailed},
	RewardBought:  {RewardBurned, RewardFailed},
	RewardFailed:  {RewardRecovered, RewardFailed},
}

// CanTransition reports whether a reward cycle may move from s to next.
func (s RewardStatus) CanTransition(next RewardStatus) bool {
	for _, allowed := range rewardTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
