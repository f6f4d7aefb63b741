// Package metrics exposes vault activity to Prometheus. Recording is a
// no-op until InitMetrics is called, so library users and tests pay
// nothing unless the serve command enables the exporter.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rotation metrics
	rotationStartedTotal   *prometheus.CounterVec
	rotationCompletedTotal *prometheus.CounterVec
	rotationDuration       *prometheus.HistogramVec
	rollbackTotal          *prometheus.CounterVec

	// Health gate metrics
	healthCheckDuration *prometheus.HistogramVec
	healthCheckStatus   *prometheus.GaugeVec

	// Access metrics
	accessDecisionsTotal *prometheus.CounterVec
	breakGlassTotal      *prometheus.CounterVec

	// Notification metrics
	notificationsDropped prometheus.Counter
	hookFailuresTotal    *prometheus.CounterVec

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// InitMetrics registers all collectors with the default registry. It is
// safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teamvault_rotation_started_total",
				Help: "Total number of credential rotations started",
			},
			[]string{"type", "trigger"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teamvault_rotation_completed_total",
				Help: "Total number of credential rotations finished, by outcome",
			},
			[]string{"type", "status"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "teamvault_rotation_duration_seconds",
				Help:    "Duration of credential rotations including the grace period",
				Buckets: []float64{1, 10, 60, 300, 600, 1800},
			},
			[]string{"type"},
		)

		rollbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teamvault_rotation_rollback_total",
				Help: "Total number of rotations reverted to the previous value",
			},
			[]string{"type", "reason"},
		)

		healthCheckDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "teamvault_health_check_duration_seconds",
				Help:    "Duration of rollout health checks in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"target", "check_type"},
		)

		healthCheckStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "teamvault_health_check_status",
				Help: "Current health check status (1=healthy, 0=unhealthy)",
			},
			[]string{"target", "check_type"},
		)

		accessDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teamvault_access_decisions_total",
				Help: "Access control decisions by result",
			},
			[]string{"allowed"},
		)

		breakGlassTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teamvault_breakglass_validations_total",
				Help: "Break-glass token validations by outcome",
			},
			[]string{"outcome"},
		)

		notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
			Name: "teamvault_notifications_dropped_total",
			Help: "Total number of rotation events dropped due to queue overflow",
		})

		hookFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teamvault_rotation_hook_failures_total",
				Help: "Rotation hook and notification delivery failures",
			},
			[]string{"provider"},
		)

		metricsRegistered = true
	})
}

// RecordRotationStarted counts a rotation start. trigger is scheduled,
// manual or emergency.
func RecordRotationStarted(credType, trigger string) {
	if !metricsRegistered {
		return
	}
	rotationStartedTotal.WithLabelValues(credType, trigger).Inc()
}

// RecordRotationCompleted counts a finished rotation.
func RecordRotationCompleted(credType, status string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	rotationCompletedTotal.WithLabelValues(credType, status).Inc()
	rotationDuration.WithLabelValues(credType).Observe(durationSeconds)
}

// RecordRollback counts a reverted rotation.
func RecordRollback(credType, reason string) {
	if !metricsRegistered {
		return
	}
	rollbackTotal.WithLabelValues(credType, reason).Inc()
}

// RecordHealthCheck records a health gate result.
func RecordHealthCheck(target, checkType string, healthy bool, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	healthCheckDuration.WithLabelValues(target, checkType).Observe(durationSeconds)
	value := 0.0
	if healthy {
		value = 1.0
	}
	healthCheckStatus.WithLabelValues(target, checkType).Set(value)
}

// RecordAccessDecision counts a CanAccess result.
func RecordAccessDecision(allowed bool) {
	if !metricsRegistered {
		return
	}
	accessDecisionsTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

// RecordBreakGlass counts a token validation outcome.
func RecordBreakGlass(outcome string) {
	if !metricsRegistered {
		return
	}
	breakGlassTotal.WithLabelValues(outcome).Inc()
}

// RecordNotificationDropped counts an event dropped from a full queue.
func RecordNotificationDropped() {
	if !metricsRegistered {
		return
	}
	notificationsDropped.Inc()
}

// RecordHookFailure counts a failed delivery to provider.
func RecordHookFailure(provider string) {
	if !metricsRegistered {
		return
	}
	hookFailuresTotal.WithLabelValues(provider).Inc()
}

// GetHookFailuresTotal returns the hook failure counter for testing.
func GetHookFailuresTotal() *prometheus.CounterVec {
	return hookFailuresTotal
}

// GetRotationStartedTotal returns the rotation started counter for testing.
func GetRotationStartedTotal() *prometheus.CounterVec {
	return rotationStartedTotal
}

// GetRotationCompletedTotal returns the rotation completed counter for testing.
func GetRotationCompletedTotal() *prometheus.CounterVec {
	return rotationCompletedTotal
}

// GetRollbackTotal returns the rollback counter for testing.
func GetRollbackTotal() *prometheus.CounterVec {
	return rollbackTotal
}

// GetAccessDecisionsTotal returns the access decision counter for testing.
func GetAccessDecisionsTotal() *prometheus.CounterVec {
	return accessDecisionsTotal
}

// GetBreakGlassTotal returns the break-glass counter for testing.
func GetBreakGlassTotal() *prometheus.CounterVec {
	return breakGlassTotal
}

// GetHealthCheckStatus returns the health check status gauge for testing.
func GetHealthCheckStatus() *prometheus.GaugeVec {
	return healthCheckStatus
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}
