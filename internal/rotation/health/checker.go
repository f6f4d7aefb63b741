// Package health decides whether a rollout target is still healthy after
// it picked up a rotated credential.
package health

import (
	"context"
	"time"

	"github.com/systmms/teamvault/pkg/credential"
)

// ProtocolType represents the protocol used by a health checker.
type ProtocolType string

const (
	// ProtocolSQL represents SQL database connections.
	ProtocolSQL ProtocolType = "sql"

	// ProtocolHTTP represents HTTP API endpoints.
	ProtocolHTTP ProtocolType = "http"

	// ProtocolKubernetes represents workload readiness in a cluster.
	ProtocolKubernetes ProtocolType = "kubernetes"
)

// HealthChecker performs one health check against a target.
type HealthChecker interface {
	// Name returns the health checker name.
	Name() string

	// Check performs a single health check. A returned error means the
	// check could not run; an unhealthy target is reported in the result.
	Check(ctx context.Context, target Target) (HealthResult, error)

	// Protocol returns the protocol type this checker supports.
	Protocol() ProtocolType
}

// Target identifies what a rollout wave touched.
type Target struct {
	// Name is "<namespace>/<deployment>" for cluster workloads.
	Name string

	// Namespace and Workload locate a cluster workload.
	Namespace string
	Workload  string

	// Endpoint overrides the checker's configured endpoint when set.
	Endpoint string

	// Credential is the credential being rolled out, if any.
	Credential credential.Key
}

// HealthResult represents the outcome of a health check.
type HealthResult struct {
	Healthy   bool
	Message   string
	Duration  time.Duration
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// HealthStatus represents the current health status of a target.
type HealthStatus int

const (
	StatusUnknown HealthStatus = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}
