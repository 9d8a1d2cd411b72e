package eligibility

import (
	"sort"

	"burnkeeper/services/burnd/models"
)

// Milestones returns the incomplete milestones whose threshold is at or below
// valuation, lowest threshold first.
func Milestones(valuation float64, milestones []models.Milestone) []models.Milestone {
	eligible := make([]models.Milestone, 0, len(milestones))
	for _, m := range milestones {
		if m.Completed || m.Threshold > valuation {
			continue
		}
		eligible = append(eligible, m)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Threshold < eligible[j].Threshold
	})
	return eligible
}

// Buyback reports whether the pool balance has reached the reward threshold.
func Buyback(balance, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	return balance >= threshold
}

// MilestoneView is a milestone annotated with its current eligibility.
type MilestoneView struct {
	models.Milestone
	Eligible bool
}

// Annotate flags each milestone with whether it is eligible at valuation,
// preserving ascending threshold order.
func Annotate(valuation float64, milestones []models.Milestone) []MilestoneView {
	views := make([]MilestoneView, len(milestones))
	for i, m := range milestones {
		views[i] = MilestoneView{Milestone: m, Eligible: !m.Completed && m.Threshold <= valuation}
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Threshold < views[j].Threshold
	})
	return views
}
