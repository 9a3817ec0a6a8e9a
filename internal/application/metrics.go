package application

import (
	"strings"
	"time"

	"github.com/sawpanic/policyvault/internal/policy"
	"github.com/sawpanic/policyvault/internal/vault"
)

// Metrics records service outcomes
type Metrics interface {
	ObserveOperation(op, result string, d time.Duration)
	SetVaultStatus(status vault.Status)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) ObserveOperation(string, string, time.Duration) {}
func (NopMetrics) SetVaultStatus(vault.Status)                     {}

// ResultLabel is "ok" for nil, the lower-cased error code for typed errors
// and "error" otherwise
func ResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := policy.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}
