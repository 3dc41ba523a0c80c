// Package resilience provides the HTTP client shared by provider adapters:
// a per-provider token bucket sized from declared quotas plus a circuit
// breaker. The client performs a single attempt per call; retry scheduling
// belongs to the ingestion scheduler.
package resilience

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Predefined errors for resilient operations.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrQuotaExhausted is returned when no rate-limiter token became
	// available within the token wait budget.
	ErrQuotaExhausted = errors.New("provider quota exhausted")
)

// ClientConfig holds configuration for the adapter HTTP client.
type ClientConfig struct {
	// Name identifies this client for circuit breaker naming.
	Name string

	// Timeout is the hard timeout for individual HTTP calls.
	// Default: 20 seconds
	Timeout time.Duration

	// RequestsPerHour sizes the token bucket from the provider's declared
	// hourly quota. Zero disables rate limiting.
	RequestsPerHour int

	// Burst is the token bucket burst size. Default: 1.
	Burst int

	// TokenWait is how long Do blocks for a rate-limiter token before
	// giving up with ErrQuotaExhausted. Default: 2 seconds.
	TokenWait time.Duration

	// CircuitBreaker is the circuit breaker configuration.
	// If nil, uses DefaultCircuitBreakerConfig.
	CircuitBreaker *CircuitBreakerConfig
}

// DefaultClientConfig returns sensible defaults for the adapter client.
func DefaultClientConfig(name string) ClientConfig {
	cbConfig := DefaultCircuitBreakerConfig(name)
	return ClientConfig{
		Name:           name,
		Timeout:        20 * time.Second,
		Burst:          1,
		TokenWait:      2 * time.Second,
		CircuitBreaker: &cbConfig,
	}
}

// Client is an HTTP client with token-bucket rate limiting and circuit
// breaker protection. It never retries: an adapter call is one attempt.
type Client struct {
	httpClient     *http.Client
	limiter        *rate.Limiter
	circuitBreaker *gobreaker.CircuitBreaker[*http.Response]
	config         ClientConfig
}

// NewClient creates a new adapter HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Burst == 0 {
		cfg.Burst = 1
	}
	if cfg.TokenWait == 0 {
		cfg.TokenWait = 2 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerHour > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerHour)/3600.0), cfg.Burst)
	}

	var cb *gobreaker.CircuitBreaker[*http.Response]
	if cfg.CircuitBreaker != nil {
		cb = NewCircuitBreaker[*http.Response](*cfg.CircuitBreaker) //nolint:bodyclose // type param, not response
	} else {
		defaultCB := DefaultCircuitBreakerConfig(cfg.Name)
		cb = NewCircuitBreaker[*http.Response](defaultCB) //nolint:bodyclose // type param, not response
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter:        limiter,
		circuitBreaker: cb,
		config:         cfg,
	}
}

// Do executes a single HTTP attempt. It blocks up to the token wait budget
// for a rate-limiter token, then fails with ErrQuotaExhausted. 5xx responses
// are returned alongside a *ServerError so the circuit breaker counts them;
// the caller still owns the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if c.limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, c.config.TokenWait)
		err := c.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrQuotaExhausted
		}
	}

	resp, err := c.circuitBreaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // caller is responsible for closing
		r, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}

		// Treat 5xx as errors so the circuit breaker trips on them.
		if r.StatusCode >= 500 {
			return r, &ServerError{StatusCode: r.StatusCode}
		}

		return r, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}

		// 5xx case: hand the response back with the error so the caller
		// can inspect and close it.
		var serverErr *ServerError
		if errors.As(err, &serverErr) && resp != nil {
			return resp, err
		}
		return nil, err
	}

	return resp, nil
}

// ServerError represents an HTTP 5xx server error.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

// CircuitBreakerState returns the current state of the circuit breaker.
func (c *Client) CircuitBreakerState() gobreaker.State {
	return c.circuitBreaker.State()
}

// CircuitBreakerCounts returns the current counts of the circuit breaker.
func (c *Client) CircuitBreakerCounts() gobreaker.Counts {
	return c.circuitBreaker.Counts()
}
