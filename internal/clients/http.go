package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"marketplace-sync-service/internal/models"
)

// ErrCircuitOpen is wrapped in a TransientError while a marketplace is tripped
var ErrCircuitOpen = errors.New("circuit breaker open")

// HTTPOptions tunes the shared HTTP core used by the adapters
type HTTPOptions struct {
	RateLimit        float64 // requests per second
	Burst            int
	Timeout          time.Duration
	Retry            *RetryConfig
	BreakerThreshold int
	BreakerReset     time.Duration
	Client           *http.Client
}

// HTTPClient is the rate-limited, retrying transport shared by all adapters.
// It converts upstream failures into TransientError or AuthError.
type HTTPClient struct {
	marketplace models.Marketplace
	http        *http.Client
	limiter     *rate.Limiter
	retrier     *Retrier
	breaker     *CircuitBreaker
}

// NewHTTPClient builds the transport for one marketplace
func NewHTTPClient(m models.Marketplace, opts HTTPOptions) *HTTPClient {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPClient{
		marketplace: m,
		http:        client,
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		retrier:     NewRetrier(opts.Retry),
		breaker:     NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerReset),
	}
}

// RequestBuilder creates a fresh request for each attempt so bodies can be resent
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Do executes the request and returns the body of a 2xx response.
func (c *HTTPClient) Do(ctx context.Context, build RequestBuilder) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, &TransientError{Marketplace: c.marketplace, Err: ErrCircuitOpen}
	}

	resp, result := c.retrier.DoHTTP(ctx, func(ctx context.Context) (*http.Response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return c.http.Do(req)
	})

	if resp == nil {
		c.breaker.RecordFailure()
		err := result.LastError
		if err == nil {
			err = errors.New("no response")
		}
		return nil, &TransientError{Marketplace: c.marketplace, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, &TransientError{Marketplace: c.marketplace, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		classified := ClassifyStatus(c.marketplace, resp.StatusCode, result.RetryAfter, body)
		if IsTransient(classified) {
			c.breaker.RecordFailure()
		}
		return nil, classified
	}

	c.breaker.RecordSuccess()
	return body, nil
}

// DoJSON executes the request and decodes a 2xx JSON body into out
func (c *HTTPClient) DoJSON(ctx context.Context, build RequestBuilder, out interface{}) error {
	body, err := c.Do(ctx, build)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.marketplace, err)
	}
	return nil
}
