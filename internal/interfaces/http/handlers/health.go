package handlers

import (
	"net/http"
	"time"
)

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Version:   h.opts.Version,
		Checks:    make(map[string]CheckResult),
	}

	if h.opts.Database != nil {
		hc := h.opts.Database.Health(r.Context())
		check := CheckResult{Status: "ok"}
		if !hc.Healthy {
			check.Status = "failing"
			resp.Status = "degraded"
		}
		if len(hc.Errors) > 0 {
			check.Message = hc.Errors[0]
		}
		resp.Checks["database"] = check
	}

	if h.opts.BreakerState != nil {
		state := h.opts.BreakerState()
		check := CheckResult{Status: "ok", Message: "breaker " + state}
		if state == "open" {
			check.Status = "failing"
			resp.Status = "degraded"
		}
		resp.Checks["custody"] = check
	}

	if _, err := h.svc.Status(r.Context()); err != nil {
		resp.Checks["vault"] = CheckResult{Status: "failing", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.Checks["vault"] = CheckResult{Status: "ok"}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}
