package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// SQLHealthConfig holds configuration for SQL health checks.
type SQLHealthConfig struct {
	// PingEnabled enables basic ping check.
	PingEnabled bool

	// QueryLatencyEnabled enables query latency check.
	QueryLatencyEnabled bool

	// QueryLatencyThreshold is the maximum acceptable query latency.
	QueryLatencyThreshold time.Duration

	// ConnectionPoolEnabled enables connection pool monitoring.
	ConnectionPoolEnabled bool

	// ConnectionPoolWarnPct is the percentage threshold for connection pool warning.
	ConnectionPoolWarnPct int

	// MaxConnections is the maximum number of connections allowed.
	MaxConnections int
}

// DefaultSQLHealthConfig returns the default SQL health configuration.
func DefaultSQLHealthConfig() SQLHealthConfig {
	return SQLHealthConfig{
		PingEnabled:           true,
		QueryLatencyEnabled:   true,
		ConnectionPoolEnabled: true,
		QueryLatencyThreshold: 500 * time.Millisecond,
		ConnectionPoolWarnPct: 80,
		MaxConnections:        100,
	}
}

// SQLPinger is the interface for pinging a database.
type SQLPinger interface {
	PingContext(ctx context.Context) error
	Stats() sql.DBStats
}

// SQLHealthChecker checks that a database consuming a rotated credential
// still accepts connections.
type SQLHealthChecker struct {
	name   string
	config SQLHealthConfig
	db     SQLPinger
	closer func() error
}

// NewSQLHealthChecker creates a checker over db.
func NewSQLHealthChecker(name string, config SQLHealthConfig, db SQLPinger) *SQLHealthChecker {
	return &SQLHealthChecker{
		name:   name,
		config: config,
		db:     db,
	}
}

// OpenSQLHealthChecker connects to a postgres or mysql database. The
// connection is opened lazily by database/sql; the first Check dials.
func OpenSQLHealthChecker(name, driver, dsn string, config SQLHealthConfig) (*SQLHealthChecker, error) {
	driverName, normalized, err := normalizeDSN(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("health check %s: %w", name, err)
	}
	db, err := sql.Open(driverName, normalized)
	if err != nil {
		return nil, fmt.Errorf("health check %s: %w", name, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	c := NewSQLHealthChecker(name, config, db)
	c.closer = db.Close
	return c, nil
}

// normalizeDSN validates dsn for its driver and returns the registered
// database/sql driver name.
func normalizeDSN(driver, dsn string) (string, string, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			converted, err := pq.ParseURL(dsn)
			if err != nil {
				return "", "", fmt.Errorf("invalid postgres url: %w", err)
			}
			return "postgres", converted, nil
		}
		return "postgres", dsn, nil
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = 5 * time.Second
		}
		return "mysql", cfg.FormatDSN(), nil
	default:
		return "", "", fmt.Errorf("unsupported sql driver %q (use postgres or mysql)", driver)
	}
}

// Name returns the health checker name.
func (c *SQLHealthChecker) Name() string {
	return c.name
}

// Protocol returns the protocol type.
func (c *SQLHealthChecker) Protocol() ProtocolType {
	return ProtocolSQL
}

// Close releases a connection opened by OpenSQLHealthChecker.
func (c *SQLHealthChecker) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Check performs a health check on the SQL database.
func (c *SQLHealthChecker) Check(ctx context.Context, _ Target) (HealthResult, error) {
	start := time.Now()
	result := HealthResult{
		Healthy:   true,
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	if c.db == nil {
		result.Healthy = false
		result.Message = "no database connection configured"
		result.Duration = time.Since(start)
		return result, fmt.Errorf("no database connection")
	}

	if !c.config.PingEnabled && !c.config.QueryLatencyEnabled && !c.config.ConnectionPoolEnabled {
		result.Message = "no checks enabled, assuming healthy"
		result.Duration = time.Since(start)
		return result, nil
	}

	var messages []string

	if c.config.PingEnabled {
		pingStart := time.Now()
		if err := c.db.PingContext(ctx); err != nil {
			result.Healthy = false
			messages = append(messages, fmt.Sprintf("ping failed: %v", err))
		} else {
			pingLatency := time.Since(pingStart)
			result.Metadata["ping_latency_ms"] = pingLatency.Milliseconds()

			// Ping latency stands in for query latency.
			if c.config.QueryLatencyEnabled && pingLatency > c.config.QueryLatencyThreshold {
				result.Healthy = false
				messages = append(messages, fmt.Sprintf("query latency %v exceeds threshold %v",
					pingLatency, c.config.QueryLatencyThreshold))
			}
		}
	}

	if c.config.ConnectionPoolEnabled {
		stats := c.db.Stats()
		result.Metadata["open_connections"] = stats.OpenConnections
		result.Metadata["in_use_connections"] = stats.InUse

		maxConns := c.config.MaxConnections
		if stats.MaxOpenConnections > 0 {
			maxConns = stats.MaxOpenConnections
		}

		if maxConns > 0 {
			usagePct := (stats.InUse * 100) / maxConns
			result.Metadata["pool_usage_pct"] = usagePct
			switch {
			case stats.InUse >= maxConns:
				result.Healthy = false
				result.Metadata["pool_status"] = "exhausted"
				messages = append(messages, fmt.Sprintf("connection pool exhausted: %d/%d", stats.InUse, maxConns))
			case usagePct >= c.config.ConnectionPoolWarnPct:
				result.Metadata["pool_status"] = "degraded"
				messages = append(messages, fmt.Sprintf("connection pool at %d%% usage", usagePct))
			default:
				result.Metadata["pool_status"] = "healthy"
			}
		}
	}

	result.Duration = time.Since(start)

	if len(messages) > 0 {
		result.Message = strings.Join(messages, "; ")
	} else {
		result.Message = "all checks passed"
	}

	return result, nil
}
