package types

import "time"

// CheckName identifies one system health check.
type CheckName string

// Health check identifiers.
const (
	CheckMemory   CheckName = "memory"
	CheckDisk     CheckName = "disk"
	CheckCPU      CheckName = "cpu"
	CheckDatabase CheckName = "database"
	CheckCache    CheckName = "cache"
)

// HealthCheck is the result of a single system check.
type HealthCheck struct {
	// Healthy is true when the sampled value is below its configured threshold.
	Healthy bool `json:"healthy"`

	// Info is a human-readable summary, e.g. "72.3% used" or the probe error.
	Info string `json:"info"`
}

// SystemHealth is a point-in-time snapshot of system resource and dependency
// health. Snapshots are cached by the health probe; the Timestamp records
// when the underlying sample was actually taken.
type SystemHealth struct {
	Timestamp      time.Time                 `json:"timestamp"`
	OverallHealthy bool                      `json:"overall_healthy"`
	Checks         map[CheckName]HealthCheck `json:"checks"`
}

// FailingChecks returns the names of all unhealthy checks in stable order.
//
// Returns:
//   - []string: check names, empty when OverallHealthy is true
func (h *SystemHealth) FailingChecks() []string {
	// Stable order keeps rejection reasons deterministic for logs and tests.
	order := []CheckName{CheckMemory, CheckDisk, CheckCPU, CheckDatabase, CheckCache}

	var failing []string
	for _, name := range order {
		if c, ok := h.Checks[name]; ok && !c.Healthy {
			failing = append(failing, string(name))
		}
	}

	return failing
}

// CheckHealthy reports whether a named check exists and passed.
func (h *SystemHealth) CheckHealthy(name CheckName) bool {
	c, ok := h.Checks[name]
	return ok && c.Healthy
}
