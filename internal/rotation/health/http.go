package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/juju/clock"

	"github.com/systmms/teamvault/pkg/credential"
)

// HTTPHealthConfig configures checks of a service that accepts the rotated
// credential.
type HTTPHealthConfig struct {
	// Endpoint is called when the target does not carry its own.
	Endpoint string

	// CredentialHeader carries the target credential's current value,
	// prefixed with CredentialPrefix (for example "Bearer "). Empty sends
	// no credential.
	CredentialHeader string
	CredentialPrefix string

	// Headers are sent with every request.
	Headers map[string]string

	// ExpectedStatusCodes are the statuses considered healthy.
	ExpectedStatusCodes []int

	// MaxResponseTime marks slower responses unhealthy. Zero disables it.
	MaxResponseTime time.Duration

	Timeout time.Duration
}

// DefaultHTTPHealthConfig returns the default HTTP health configuration.
func DefaultHTTPHealthConfig() HTTPHealthConfig {
	return HTTPHealthConfig{
		ExpectedStatusCodes: []int{200, 201, 202, 204},
		MaxResponseTime:     5 * time.Second,
		Timeout:             10 * time.Second,
	}
}

// HTTPClient is the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ValueResolver returns the value currently stored for key.
type ValueResolver func(ctx context.Context, key credential.Key) (string, error)

// HTTPHealthChecker calls an endpoint with the value the rollout just
// published, so a service that rejects it fails the wave.
type HTTPHealthChecker struct {
	name    string
	config  HTTPHealthConfig
	client  HTTPClient
	resolve ValueResolver
	clock   clock.Clock
}

// NewHTTPHealthChecker creates a checker. resolve may be nil when
// CredentialHeader is empty; a nil clock means the wall clock.
func NewHTTPHealthChecker(name string, config HTTPHealthConfig, resolve ValueResolver, clk clock.Clock) *HTTPHealthChecker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &HTTPHealthChecker{
		name:    name,
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		resolve: resolve,
		clock:   clk,
	}
}

// SetClient sets a custom HTTP client for testing.
func (c *HTTPHealthChecker) SetClient(client HTTPClient) {
	c.client = client
}

func (c *HTTPHealthChecker) Name() string           { return c.name }
func (c *HTTPHealthChecker) Protocol() ProtocolType { return ProtocolHTTP }

// Check calls the target's endpoint, or the configured one.
func (c *HTTPHealthChecker) Check(ctx context.Context, target Target) (HealthResult, error) {
	start := c.clock.Now()
	result := HealthResult{Timestamp: start, Metadata: make(map[string]interface{})}
	fail := func(msg string, err error) (HealthResult, error) {
		result.Message = msg
		result.Duration = c.clock.Now().Sub(start)
		return result, err
	}

	endpoint := target.Endpoint
	if endpoint == "" {
		endpoint = c.config.Endpoint
	}
	if endpoint == "" {
		return fail("no endpoint configured", fmt.Errorf("no endpoint configured for %s", c.name))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fail(fmt.Sprintf("failed to create request: %v", err), err)
	}
	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}
	if c.config.CredentialHeader != "" && target.Credential != (credential.Key{}) {
		if c.resolve == nil {
			return fail("no credential resolver", fmt.Errorf("checker %s has no credential resolver", c.name))
		}
		value, err := c.resolve(ctx, target.Credential)
		if err != nil {
			return fail(fmt.Sprintf("resolve %s: %v", target.Credential, err), err)
		}
		req.Header.Set(c.config.CredentialHeader, c.config.CredentialPrefix+value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		result.Metadata["error"] = err.Error()
		return fail(fmt.Sprintf("request failed: %v", err), nil)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	elapsed := c.clock.Now().Sub(start)
	result.Duration = elapsed
	result.Metadata["status_code"] = resp.StatusCode
	result.Metadata["response_time_ms"] = elapsed.Milliseconds()

	switch {
	case !slices.Contains(c.config.ExpectedStatusCodes, resp.StatusCode):
		result.Message = fmt.Sprintf("unexpected status code %d", resp.StatusCode)
	case c.config.MaxResponseTime > 0 && elapsed > c.config.MaxResponseTime:
		result.Message = fmt.Sprintf("response time %v exceeds threshold %v", elapsed, c.config.MaxResponseTime)
	default:
		result.Healthy = true
		result.Message = fmt.Sprintf("healthy: status %d in %v", resp.StatusCode, elapsed)
	}
	return result, nil
}
