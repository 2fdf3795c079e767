// Package providers holds the remote Provider implementations.
package providers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/neuroplc/cortex/core"
)

// BaseClient provides the HTTP plumbing shared by every remote provider:
// a timeout-bound client and exponential-backoff retry around the single
// request each Chat call makes.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     core.Logger
	MaxRetries int
	RetryDelay time.Duration
}

func NewBaseClient(timeout time.Duration, maxRetries int, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &BaseClient{
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger,
		MaxRetries: maxRetries,
		RetryDelay: 250 * time.Millisecond,
	}
}

// Do executes req with exponential backoff on transport errors and 5xx
// responses. It does not retry on context cancellation/deadline.
func (b *BaseClient) Do(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(b.RetryDelay) * math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		resp, err := b.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			b.Logger.Warn("provider request failed", map[string]interface{}{
				"attempt": attempt, "error": err.Error(),
			})
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: status %d", core.ErrEngineUnavailable, resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("provider request exhausted retries: %w", lastErr)
}
