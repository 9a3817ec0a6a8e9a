package handlers

import (
	"time"

	"github.com/sawpanic/policyvault/internal/policy"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error        string                 `json:"error"`
	Message      string                 `json:"message"`
	Code         string                 `json:"code"`
	ConstraintID string                 `json:"constraint_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	RequestID    string                 `json:"request_id"`
	Timestamp    time.Time              `json:"timestamp"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy", "degraded"
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AddConstraintRequest is the body of POST /v1/constraints
type AddConstraintRequest struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Limits      policy.Limits `json:"limits"`
}

// UpdateConstraintRequest is the body of PUT /v1/constraints/{id}
type UpdateConstraintRequest struct {
	Limits policy.Limits `json:"limits"`
}

// ConstraintsResponse lists constraints in insertion order
type ConstraintsResponse struct {
	IDs         []string            `json:"ids"`
	Constraints []policy.Constraint `json:"constraints"`
}

// PortfolioRequest is the body of PUT /v1/portfolio
type PortfolioRequest struct {
	TotalAssets    uint64 `json:"total_assets"`
	StableAssets   uint64 `json:"stable_assets"`
	UnbackedAssets uint64 `json:"unbacked_assets"`
	DailyRiskBps   uint64 `json:"daily_risk_bps"`
}

// ExposureRequest is the body of PUT /v1/portfolio/exposures/{asset}
type ExposureRequest struct {
	Exposure uint64 `json:"exposure"`
}

// TotalAssetsRequest is the body of PUT /v1/vault/total-assets
type TotalAssetsRequest struct {
	TotalAssets uint64 `json:"total_assets"`
}

// CompleteRebalancingRequest is the body of POST /v1/vault/rebalance/complete
type CompleteRebalancingRequest struct {
	NewTotalAssets uint64 `json:"new_total_assets"`
}

// AbortRebalancingRequest is the body of POST /v1/vault/rebalance/abort
type AbortRebalancingRequest struct {
	Reason string `json:"reason"`
}

// MovementRequest is the body of deposit, mint, withdraw and redeem.
// Amount is assets for deposit/withdraw and shares for mint/redeem.
type MovementRequest struct {
	Amount   uint64 `json:"amount"`
	Receiver string `json:"receiver"`
	Owner    string `json:"owner,omitempty"`
}

// MovementResponse reports the converted side of a movement
type MovementResponse struct {
	Operation string `json:"operation"`
	Assets    uint64 `json:"assets"`
	Shares    uint64 `json:"shares"`
}

// PreviewResponse reports a conversion without moving funds
type PreviewResponse struct {
	Operation string `json:"operation"`
	Amount    uint64 `json:"amount"`
	Result    uint64 `json:"result"`
}
