package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// GetPortfolio handles GET /v1/portfolio
func (h *Handlers) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// UpdatePortfolio handles PUT /v1/portfolio
func (h *Handlers) UpdatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req PortfolioRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.svc.UpdatePortfolioState(r.Context(), actor(r),
		req.TotalAssets, req.StableAssets, req.UnbackedAssets, req.DailyRiskBps)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// UpdateExposure handles PUT /v1/portfolio/exposures/{asset}
func (h *Handlers) UpdateExposure(w http.ResponseWriter, r *http.Request) {
	var req ExposureRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.UpdateAssetExposure(r.Context(), actor(r), mux.Vars(r)["asset"], req.Exposure); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.svc.Snapshot())
}

// Evaluation handles GET /v1/policy/evaluation
func (h *Handlers) Evaluation(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Evaluate())
}
