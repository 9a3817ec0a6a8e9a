package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// ListConstraints handles GET /v1/constraints
func (h *Handlers) ListConstraints(w http.ResponseWriter, r *http.Request) {
	constraints := h.svc.Constraints()
	ids := make([]string, 0, len(constraints))
	for _, c := range constraints {
		ids = append(ids, c.ID)
	}
	h.writeJSON(w, http.StatusOK, ConstraintsResponse{IDs: ids, Constraints: constraints})
}

// GetConstraint handles GET /v1/constraints/{id}
func (h *Handlers) GetConstraint(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Constraint(mux.Vars(r)["id"])
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// AddConstraint handles POST /v1/constraints
func (h *Handlers) AddConstraint(w http.ResponseWriter, r *http.Request) {
	var req AddConstraintRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.AddConstraint(r.Context(), actor(r), req.ID, req.Description, req.Limits); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.respondConstraint(w, r, http.StatusCreated, req.ID)
}

// UpdateConstraint handles PUT /v1/constraints/{id}
func (h *Handlers) UpdateConstraint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req UpdateConstraintRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.UpdateConstraint(r.Context(), actor(r), id, req.Limits); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.respondConstraint(w, r, http.StatusOK, id)
}

// DeactivateConstraint handles POST /v1/constraints/{id}/deactivate
func (h *Handlers) DeactivateConstraint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.svc.DeactivateConstraint(r.Context(), actor(r), id); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.respondConstraint(w, r, http.StatusOK, id)
}

func (h *Handlers) respondConstraint(w http.ResponseWriter, r *http.Request, status int, id string) {
	c, err := h.svc.Constraint(id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, status, c)
}
