// Package mirror provides a resilient HTTP client for the mirror node REST
// API with retry, conditional fetch and circuit breaking per network.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/quorumdesk/txcoordinator/internal/breaker"
	"github.com/quorumdesk/txcoordinator/pkg/logger"
)

// ErrCircuitOpen is returned when the network's circuit rejects the call.
// Callers should fall back to cached data or skip the cycle, not retry.
var ErrCircuitOpen = errors.New("mirror node circuit is open")

// ServiceUnavailableError is the terminal failure surfaced once retries are
// exhausted or a non-retryable response is received. StatusCode carries the
// upstream HTTP status, defaulting to 503 for transport-level failures.
type ServiceUnavailableError struct {
	StatusCode int
	Network    string
	Err        error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mirror node unavailable (network %s, status %d): %v", e.Network, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("mirror node unavailable (network %s, status %d)", e.Network, e.StatusCode)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// RetryConfig configures the exponential backoff retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the symmetric jitter fraction applied to each delay.
	Jitter float64
}

// DefaultRetryConfig returns the production retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
		Jitter:      0.25,
	}
}

// Config configures the client.
type Config struct {
	// Networks maps a network name to its mirror node base URL.
	Networks map[string]string
	Retry    RetryConfig
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// DefaultNetworks returns the well-known mirror node endpoints.
func DefaultNetworks() map[string]string {
	return map[string]string{
		"mainnet":    "https://mainnet-public.mirrornode.hedera.com",
		"testnet":    "https://testnet.mirrornode.hedera.com",
		"previewnet": "https://previewnet.mirrornode.hedera.com",
	}
}

// Client fetches account and node information from per-network mirror
// nodes, retrying transient failures and honoring etag conditional fetch.
type Client struct {
	networks map[string]string
	retry    RetryConfig
	http     *http.Client
	breaker  *breaker.Breaker
	limiter  *rate.Limiter
	log      *logger.Logger
}

// New constructs a client gated by the given circuit breaker.
func New(cfg Config, brk *breaker.Breaker, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("mirror")
	}
	if brk == nil {
		brk = breaker.New(breaker.DefaultConfig())
	}
	networks := cfg.Networks
	if len(networks) == 0 {
		networks = DefaultNetworks()
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		networks: networks,
		retry:    retry,
		http:     httpClient,
		breaker:  brk,
		limiter:  limiter,
		log:      log,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// FetchAccountInfo fetches account info for the given network. A nil info
// with a non-empty etag means the upstream data has not changed and the
// caller should reuse its cached value.
func (c *Client) FetchAccountInfo(ctx context.Context, accountID, network, etag string) (*AccountInfo, string, error) {
	body, newETag, err := c.get(ctx, network, "/api/v1/accounts/"+accountID, etag)
	if err != nil {
		return nil, "", err
	}
	if body == nil {
		return nil, newETag, nil
	}
	info, err := parseAccountInfo(body)
	if err != nil {
		return nil, "", fmt.Errorf("parse account %s: %w", accountID, err)
	}
	return info, newETag, nil
}

// FetchNodeInfo fetches consensus node info by node id, with the same
// not-modified semantics as FetchAccountInfo.
func (c *Client) FetchNodeInfo(ctx context.Context, nodeID int64, network, etag string) (*NodeInfo, string, error) {
	path := fmt.Sprintf("/api/v1/network/nodes?node.id=eq:%d", nodeID)
	body, newETag, err := c.get(ctx, network, path, etag)
	if err != nil {
		return nil, "", err
	}
	if body == nil {
		return nil, newETag, nil
	}
	info, err := parseNodeInfo(body)
	if err != nil {
		return nil, "", fmt.Errorf("parse node %d: %w", nodeID, err)
	}
	return info, newETag, nil
}

// FetchTransaction looks up a submitted transaction by its ledger
// transaction id. A nil result with nil error means the mirror node has
// not ingested the transaction yet.
func (c *Client) FetchTransaction(ctx context.Context, transactionID, network string) (*TransactionResult, error) {
	body, _, err := c.get(ctx, network, "/api/v1/transactions/"+transactionID, "")
	if err != nil {
		var unavailable *ServiceUnavailableError
		if errors.As(err, &unavailable) && unavailable.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	result, err := parseTransactionResult(body)
	if err != nil {
		return nil, fmt.Errorf("parse transaction %s: %w", transactionID, err)
	}
	return result, nil
}

// get performs the retrying conditional GET. A nil body with a non-empty
// etag signals 304 not modified.
func (c *Client) get(ctx context.Context, network, path, etag string) ([]byte, string, error) {
	base, ok := c.networks[network]
	if !ok {
		return nil, "", fmt.Errorf("unknown mirror network %q", network)
	}
	if !c.breaker.IsAvailable(network) {
		return nil, "", fmt.Errorf("network %s: %w", network, ErrCircuitOpen)
	}

	var lastStatus int
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, "", err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return nil, "", err
		}
		req.Header.Set("Accept", "application/json")
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, "", err
			}
			// Connection resets, timeouts, DNS failures and anything we
			// cannot classify are treated as retryable.
			lastErr = err
			lastStatus = 0
			c.log.WithError(err).WithField("network", network).Warn("mirror node request failed")
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			resp.Body.Close()
			if err != nil {
				lastErr = err
				lastStatus = 0
				continue
			}
			c.breaker.RecordSuccess(network)
			return body, resp.Header.Get("ETag"), nil
		case resp.StatusCode == http.StatusNotModified && etag != "":
			resp.Body.Close()
			c.breaker.RecordSuccess(network)
			return nil, etag, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			lastStatus = resp.StatusCode
			lastErr = nil
			continue
		default:
			// Remaining 4xx responses are client errors; retrying cannot
			// help. A 404 is a well-formed answer from a healthy service,
			// so it does not count against the circuit.
			resp.Body.Close()
			if resp.StatusCode != http.StatusNotFound {
				c.breaker.RecordFailure(network)
			}
			return nil, "", &ServiceUnavailableError{StatusCode: resp.StatusCode, Network: network}
		}
	}

	c.breaker.RecordFailure(network)
	status := lastStatus
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	return nil, "", &ServiceUnavailableError{StatusCode: status, Network: network, Err: lastErr}
}

func (c *Client) backoff(retries int) time.Duration {
	d := float64(c.retry.BaseDelay) * math.Pow(c.retry.Multiplier, float64(retries-1))
	if max := float64(c.retry.MaxDelay); d > max {
		d = max
	}
	if c.retry.Jitter > 0 {
		d += d * c.retry.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}
