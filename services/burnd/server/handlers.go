package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"burnkeeper/services/burnd/eligibility"
	"burnkeeper/services/burnd/models"
	"burnkeeper/services/burnd/orchestrator"
	"burnkeeper/services/burnd/recon"
	"burnkeeper/services/burnd/storage"
)

type burnView struct {
	ID          string          `json:"id"`
	Type        models.BurnType `json:"type"`
	Amount      float64         `json:"amount"`
	TxRef       string          `json:"txRef"`
	Initiator   string          `json:"initiator,omitempty"`
	ReferenceID string          `json:"referenceId,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	Announced   bool            `json:"announced"`
	AnnouncedAt *time.Time      `json:"announcedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func newBurnView(b models.Burn) burnView {
	view := burnView{
		ID:          b.ID.String(),
		Type:        b.BurnType,
		Amount:      b.Amount,
		TxRef:       b.TxRef,
		Initiator:   b.Initiator,
		ReferenceID: b.ReferenceID,
		Announced:   b.Announced,
		AnnouncedAt: b.AnnouncedAt,
		CreatedAt:   b.CreatedAt,
	}
	if b.Details != "" && json.Valid([]byte(b.Details)) {
		view.Details = json.RawMessage(b.Details)
	}
	return view
}

type milestoneView struct {
	ID                int                    `json:"id"`
	Threshold         float64                `json:"valuationThreshold"`
	BurnAmount        float64                `json:"burnAmount"`
	PercentOfSupply   float64                `json:"percentOfSupply"`
	Completed         bool                   `json:"completed"`
	Status            models.MilestoneStatus `json:"status"`
	Eligible          bool                   `json:"eligible"`
	TxRef             string                 `json:"txRef,omitempty"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty"`
	AttemptCount      int                    `json:"attemptCount"`
	LastFailureReason string                 `json:"lastFailureReason,omitempty"`
}

type rewardView struct {
	ID               string              `json:"id"`
	ClaimedAmount    float64             `json:"claimedAmount"`
	ClaimedAmountUSD float64             `json:"claimedAmountUsd"`
	Status           models.RewardStatus `json:"status"`
	ClaimTxRef       string              `json:"claimTxRef,omitempty"`
	BuyTxRef         string              `json:"buyTxRef,omitempty"`
	BurnTxRef        string              `json:"burnTxRef,omitempty"`
	ExpectedTokens   float64             `json:"expectedTokens,omitempty"`
	TokensBought     *float64            `json:"tokensBought,omitempty"`
	TokensBurned     *float64            `json:"tokensBurned,omitempty"`
	ErrorMessage     string              `json:"errorMessage,omitempty"`
	RecoveryAttempts int                 `json:"recoveryAttempts"`
	CreatedAt        time.Time           `json:"createdAt"`
	BoughtAt         *time.Time          `json:"boughtAt,omitempty"`
	BurnedAt         *time.Time          `json:"burnedAt,omitempty"`
}

func newRewardView(c models.RewardCycle) rewardView {
	return rewardView{
		ID:               c.ID.String(),
		ClaimedAmount:    c.ClaimedAmount,
		ClaimedAmountUSD: c.ClaimedAmountUSD,
		Status:           c.Status,
		ClaimTxRef:       c.ClaimTxRef,
		BuyTxRef:         c.BuyTxRef,
		BurnTxRef:        c.BurnTxRef,
		ExpectedTokens:   c.ExpectedTokens,
		TokensBought:     c.TokensBought,
		TokensBurned:     c.TokensBurned,
		ErrorMessage:     c.ErrorMessage,
		RecoveryAttempts: c.RecoveryAttempts,
		CreatedAt:        c.CreatedAt,
		BoughtAt:         c.BoughtAt,
		BurnedAt:         c.BurnedAt,
	}
}

type snapshotView struct {
	Timestamp         time.Time `json:"timestamp"`
	TotalSupply       float64   `json:"totalSupply"`
	CirculatingSupply float64   `json:"circulatingSupply"`
	ReserveBalance    float64   `json:"reserveBalance"`
	TotalBurned       float64   `json:"totalBurned"`
	BuybackBurned     float64   `json:"buybackBurned"`
	MilestoneBurned   float64   `json:"milestoneBurned"`
	Correction        bool      `json:"correction"`
	Discrepancy       float64   `json:"discrepancy,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	BurnID            string    `json:"burnId,omitempty"`
}

func newSnapshotView(s models.MetricsSnapshot) snapshotView {
	view := snapshotView{
		Timestamp:         s.Timestamp,
		TotalSupply:       s.TotalSupply,
		CirculatingSupply: s.CirculatingSupply,
		ReserveBalance:    s.ReserveBalance,
		TotalBurned:       s.TotalBurned,
		BuybackBurned:     s.BuybackBurned,
		MilestoneBurned:   s.MilestoneBurned,
		Correction:        s.Correction,
		Discrepancy:       s.Discrepancy,
		Reason:            s.Reason,
	}
	if s.BurnID != nil {
		view.BurnID = s.BurnID.String()
	}
	return view
}

type page struct {
	Items any   `json:"items"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

// pagination parses page and limit, clamping limit to the configured maximum.
func (s *Server) pagination(r *http.Request) (int, int, bool) {
	pageNum, limit := 1, 20
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, false
		}
		pageNum = v
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, false
		}
		limit = v
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	return pageNum, limit, true
}

func (s *Server) listBurns(w http.ResponseWriter, r *http.Request) {
	pageNum, limit, ok := s.pagination(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pagination")
		return
	}
	burnType := models.BurnType(strings.TrimSpace(r.URL.Query().Get("type")))
	if burnType != "" && !burnType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown burn type")
		return
	}
	burns, total, err := s.deps.Store.ListBurns(r.Context(), storage.BurnQuery{Type: burnType, Page: pageNum, Limit: limit})
	if err != nil {
		s.internal(w, "list burns", err)
		return
	}
	items := make([]burnView, 0, len(burns))
	for _, b := range burns {
		items = append(items, newBurnView(b))
	}
	writeJSON(w, http.StatusOK, page{Items: items, Page: pageNum, Limit: limit, Total: total})
}

func (s *Server) getBurn(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid burn id")
		return
	}
	burn, err := s.deps.Store.GetBurn(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "burn not found")
		return
	}
	if err != nil {
		s.internal(w, "get burn", err)
		return
	}
	writeJSON(w, http.StatusOK, newBurnView(burn))
}

func (s *Server) listMilestones(w http.ResponseWriter, r *http.Request) {
	milestones, err := s.deps.Store.ListMilestones(r.Context())
	if err != nil {
		s.internal(w, "list milestones", err)
		return
	}
	var current *float64
	stale := false
	if s.deps.Valuation != nil {
		if reading, err := s.deps.Valuation.Current(r.Context()); err == nil {
			current = &reading.Value
			stale = reading.Stale
		}
	}
	value := -1.0
	if current != nil {
		value = *current
	}
	views := eligibility.Annotate(value, milestones)
	items := make([]milestoneView, 0, len(views))
	for _, v := range views {
		items = append(items, milestoneView{
			ID:                v.ID,
			Threshold:         v.Threshold,
			BurnAmount:        v.BurnAmount,
			PercentOfSupply:   v.PercentOfSupply,
			Completed:         v.Completed,
			Status:            v.Status,
			Eligible:          current != nil && v.Eligible,
			TxRef:             v.TxRef,
			CompletedAt:       v.CompletedAt,
			AttemptCount:      v.AttemptCount,
			LastFailureReason: v.LastFailureReason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valuation":      current,
		"valuationStale": stale,
		"items":          items,
	})
}

func (s *Server) listRewards(w http.ResponseWriter, r *http.Request) {
	pageNum, limit, ok := s.pagination(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pagination")
		return
	}
	status := models.RewardStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	cycles, total, err := s.deps.Store.ListRewardCycles(r.Context(), storage.RewardQuery{Status: status, Page: pageNum, Limit: limit})
	if err != nil {
		s.internal(w, "list rewards", err)
		return
	}
	items := make([]rewardView, 0, len(cycles))
	for _, c := range cycles {
		items = append(items, newRewardView(c))
	}
	writeJSON(w, http.StatusOK, page{Items: items, Page: pageNum, Limit: limit, Total: total})
}

func (s *Server) latestMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Projector.Latest(r.Context())
	if err != nil {
		s.internal(w, "latest snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotView(snap))
}

func (s *Server) metricsHistory(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	_, limit, ok := s.pagination(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	history, err := s.deps.Store.SnapshotHistory(r.Context(), since, limit)
	if err != nil {
		s.internal(w, "snapshot history", err)
		return
	}
	items := make([]snapshotView, 0, len(history))
	for _, snap := range history {
		items = append(items, newSnapshotView(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) metricsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := s.deps.Projector.Latest(ctx)
	if err != nil {
		s.internal(w, "latest snapshot", err)
		return
	}
	totals, err := s.deps.Store.BurnTotals(ctx)
	if err != nil {
		s.internal(w, "burn totals", err)
		return
	}
	milestones, err := s.deps.Store.ListMilestones(ctx)
	if err != nil {
		s.internal(w, "list milestones", err)
		return
	}
	completed := 0
	var next *float64
	for _, m := range milestones {
		if m.Completed {
			completed++
			continue
		}
		if next == nil {
			threshold := m.Threshold
			next = &threshold
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":            newSnapshotView(snap),
		"burnCount":           totals.Count,
		"recordedBurned":      totals.Total(),
		"recordedMilestone":   totals.Milestone,
		"recordedBuyback":     totals.Buyback,
		"milestonesCompleted": completed,
		"milestonesTotal":     len(milestones),
		"nextThreshold":       next,
		"paused":              s.deps.Controller.Status().Paused,
	})
}

func (s *Server) refreshMetrics(w http.ResponseWriter, r *http.Request) {
	snap, changed, err := s.deps.Projector.Refresh(r.Context())
	if err != nil {
		s.internal(w, "refresh metrics", err)
		return
	}
	s.audit(r, "metrics_refresh", slog.Bool("changed", changed))
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "snapshot": newSnapshotView(snap)})
}

func (s *Server) pendingAnnouncements(w http.ResponseWriter, r *http.Request) {
	_, limit, ok := s.pagination(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	burns, err := s.deps.Store.PendingAnnouncements(r.Context(), limit)
	if err != nil {
		s.internal(w, "pending announcements", err)
		return
	}
	items := make([]burnView, 0, len(burns))
	for _, b := range burns {
		items = append(items, newBurnView(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) markAnnounced(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid burn id")
		return
	}
	burn, err := s.deps.Store.MarkAnnounced(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "burn not found")
		return
	}
	if err != nil {
		s.internal(w, "mark announced", err)
		return
	}
	writeJSON(w, http.StatusOK, newBurnView(burn))
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.deps.Controller.Pause()
	s.audit(r, "pause")
	writeJSON(w, http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.deps.Controller.Resume()
	s.audit(r, "resume")
	writeJSON(w, http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) runRecon(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation not configured")
		return
	}
	s.audit(r, "recon_run")
	result, err := s.deps.Reconciler.Run(r.Context())
	if errors.Is(err, recon.ErrRunning) {
		writeError(w, http.StatusConflict, "reconciliation already running")
		return
	}
	if err != nil {
		s.internal(w, "recon run", err)
		return
	}
	items := make([]map[string]any, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, map[string]any{
			"kind":      item.Kind,
			"reference": item.Reference,
			"outcome":   item.Outcome,
			"amount":    item.Amount,
			"txRef":     item.TxRef,
			"detail":    item.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"start":     result.Start,
		"end":       result.End,
		"recovered": result.Recovered,
		"failed":    result.Failed,
		"paused":    result.Paused,
		"drift":     result.Drift,
		"items":     items,
	})
}

func (s *Server) burnMilestone(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid milestone id")
		return
	}
	s.audit(r, "milestone_burn", slog.Int("milestone", id))
	burn, err := s.deps.Controller.BurnMilestone(r.Context(), id)
	var failure *orchestrator.BurnFailure
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newBurnView(burn))
	case errors.Is(err, orchestrator.ErrPaused):
		writeError(w, http.StatusConflict, "orchestrator paused")
	case errors.Is(err, orchestrator.ErrAlreadyCompleted):
		writeError(w, http.StatusConflict, "milestone already completed")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "milestone not found")
	case errors.As(err, &failure):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    failure.Detail,
			"kind":     failure.Kind,
			"attempts": failure.Attempts,
		})
	default:
		s.internal(w, "milestone burn", err)
	}
}

type resolveRequest struct {
	TxRef string `json:"tx_ref"`
}

// resolveMilestone settles a milestone left executing. A tx_ref completes it
// once the ledger confirms the transaction; an empty body marks it failed.
func (s *Server) resolveMilestone(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid milestone id")
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	txRef := strings.TrimSpace(req.TxRef)
	s.audit(r, "milestone_resolve", slog.Int("milestone", id), slog.String("tx_ref", txRef))
	m, err := s.deps.Controller.ResolveMilestone(r.Context(), id, txRef)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, milestoneView{
			ID:                m.ID,
			Threshold:         m.Threshold,
			BurnAmount:        m.BurnAmount,
			PercentOfSupply:   m.PercentOfSupply,
			Completed:         m.Completed,
			Status:            m.Status,
			TxRef:             m.TxRef,
			CompletedAt:       m.CompletedAt,
			AttemptCount:      m.AttemptCount,
			LastFailureReason: m.LastFailureReason,
		})
	case errors.Is(err, orchestrator.ErrNotExecuting),
		errors.Is(err, orchestrator.ErrAlreadyCompleted),
		errors.Is(err, orchestrator.ErrSubmissionAmbiguous):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "milestone not found")
	case errors.Is(err, orchestrator.ErrUnconfirmed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.internal(w, "milestone resolve", err)
	}
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", slog.String("op", op), slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}
