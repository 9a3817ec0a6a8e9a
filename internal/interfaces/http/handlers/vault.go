package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sawpanic/policyvault/internal/application"
)

// GetVault handles GET /v1/vault
func (h *Handlers) GetVault(w http.ResponseWriter, r *http.Request) {
	h.respondStatus(w, r, http.StatusOK)
}

// UpdateTotalAssets handles PUT /v1/vault/total-assets
func (h *Handlers) UpdateTotalAssets(w http.ResponseWriter, r *http.Request) {
	var req TotalAssetsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.UpdateTotalAssets(r.Context(), actor(r), req.TotalAssets); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.respondStatus(w, r, http.StatusOK)
}

// StartRebalancing handles POST /v1/vault/rebalance/start
func (h *Handlers) StartRebalancing(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StartRebalancing(r.Context(), actor(r)); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.respondStatus(w, r, http.StatusOK)
}

// CompleteRebalancing handles POST /v1/vault/rebalance/complete
func (h *Handlers) CompleteRebalancing(w http.ResponseWriter, r *http.Request) {
	var req CompleteRebalancingRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.CompleteRebalancing(r.Context(), actor(r), req.NewTotalAssets); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.respondStatus(w, r, http.StatusOK)
}

// AbortRebalancing handles POST /v1/vault/rebalance/abort
func (h *Handlers) AbortRebalancing(w http.ResponseWriter, r *http.Request) {
	var req AbortRebalancingRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.AbortRebalancing(r.Context(), actor(r), req.Reason); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.respondStatus(w, r, http.StatusOK)
}

// Movement handles POST /v1/vault/{deposit,mint,withdraw,redeem}
func (h *Handlers) Movement(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MovementRequest
		if !h.decode(w, r, &req) {
			return
		}

		caller := actor(r)
		resp := MovementResponse{Operation: op}
		var err error
		switch op {
		case application.PreviewDeposit:
			resp.Assets = req.Amount
			resp.Shares, err = h.svc.Deposit(r.Context(), caller, req.Amount, req.Receiver)
		case application.PreviewMint:
			resp.Shares = req.Amount
			resp.Assets, err = h.svc.Mint(r.Context(), caller, req.Amount, req.Receiver)
		case application.PreviewWithdraw:
			resp.Assets = req.Amount
			resp.Shares, err = h.svc.Withdraw(r.Context(), caller, req.Amount, req.Receiver, req.Owner)
		case application.PreviewRedeem:
			resp.Shares = req.Amount
			resp.Assets, err = h.svc.Redeem(r.Context(), caller, req.Amount, req.Receiver, req.Owner)
		default:
			h.writeError(w, r, http.StatusNotFound, "endpoint_not_found", fmt.Sprintf("unknown operation %q", op))
			return
		}
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, resp)
	}
}

// Preview handles GET /v1/vault/preview/{op}?amount=N
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	op := mux.Vars(r)["op"]
	amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", "amount must be a non-negative integer")
		return
	}
	result, err := h.svc.Preview(r.Context(), op, amount)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PreviewResponse{Operation: op, Amount: amount, Result: result})
}

// GetAccount handles GET /v1/accounts/{account}
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Account(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) respondStatus(w http.ResponseWriter, r *http.Request, status int) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, status, st)
}
