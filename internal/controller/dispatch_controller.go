package controller

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/smsleopard/dispatch-engine/internal/apperrors"
	"github.com/smsleopard/dispatch-engine/internal/engine"
)

// DispatchController exposes the engine's operational controls over HTTP.
// The requesting tenant comes from the X-Company-ID header; auth itself is
// handled upstream.
type DispatchController struct {
	Engine *engine.Engine
}

func (c *DispatchController) Routes(r chi.Router) {
	r.Post("/campaigns/{id}/enqueue", c.EnqueueCampaign)
	r.Post("/campaigns/{id}/pause", c.PauseCampaign)
	r.Post("/campaigns/{id}/resume", c.ResumeCampaign)
	r.Post("/campaigns/{id}/cancel", c.CancelCampaign)
	r.Get("/campaigns/{id}/queue-stats", c.QueueStats)
	r.Get("/campaigns/{id}/statistics", c.CampaignStatistics)
	r.Get("/stats", c.GlobalStats)
}

func requestIDs(w http.ResponseWriter, r *http.Request) (companyID, campaignID int, ok bool) {
	campaignID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, 0, false
	}
	companyID, err = strconv.Atoi(r.Header.Get("X-Company-ID"))
	if err != nil {
		http.Error(w, "missing or invalid X-Company-ID header", http.StatusBadRequest)
		return 0, 0, false
	}
	return companyID, campaignID, true
}

func writeError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *apperrors.ErrCampaignNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case *apperrors.ErrTenantMismatch:
		http.Error(w, "forbidden", http.StatusForbidden)
	case *apperrors.ErrInvalidTransition:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (c *DispatchController) EnqueueCampaign(w http.ResponseWriter, r *http.Request) {
	companyID, campaignID, ok := requestIDs(w, r)
	if !ok {
		return
	}

	queued, err := c.Engine.EnqueueCampaign(r.Context(), companyID, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id": campaignID,
		"jobs_queued": queued,
		"status":      "active",
	})
}

func (c *DispatchController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	companyID, campaignID, ok := requestIDs(w, r)
	if !ok {
		return
	}

	if err := c.Engine.PauseCampaign(r.Context(), companyID, campaignID); err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id": campaignID,
		"status":      "paused",
	})
}

func (c *DispatchController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	companyID, campaignID, ok := requestIDs(w, r)
	if !ok {
		return
	}

	queued, err := c.Engine.ResumeCampaign(r.Context(), companyID, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id": campaignID,
		"jobs_queued": queued,
		"status":      "active",
	})
}

func (c *DispatchController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	companyID, campaignID, ok := requestIDs(w, r)
	if !ok {
		return
	}

	if err := c.Engine.CancelCampaign(r.Context(), companyID, campaignID); err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id": campaignID,
		"status":      "canceled",
	})
}

func (c *DispatchController) QueueStats(w http.ResponseWriter, r *http.Request) {
	companyID, campaignID, ok := requestIDs(w, r)
	if !ok {
		return
	}

	stats, err := c.Engine.QueueStats(r.Context(), companyID, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(stats)
}

func (c *DispatchController) CampaignStatistics(w http.ResponseWriter, r *http.Request) {
	companyID, campaignID, ok := requestIDs(w, r)
	if !ok {
		return
	}

	stats, err := c.Engine.CampaignStatistics(r.Context(), companyID, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id": campaignID,
		"stats":       stats,
	})
}

func (c *DispatchController) GlobalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.Engine.GlobalStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	json.NewEncoder(w).Encode(stats)
}
