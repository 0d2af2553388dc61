// Package screening wraps the external wallet-screening service: a predicate
// over an address that distinguishes policy rejections (the service answered
// no) from transport failures (the service could not be reached).
//
// Screening outages must never let a sanctioned address through, so callers
// retry transport failures indefinitely rather than failing open.
package screening

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/statornet/rewards-ledger/internal/retry"
)

// Client queries the screening service over HTTP. The service contract is
// GET <base>/<address>: any 2xx means the address is clear, any other status
// is a policy rejection.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a screening client. rps caps outgoing requests per
// second across all callers; zero disables client-side limiting.
func NewClient(baseURL string, rps int, logger *zap.Logger) *Client {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
		logger:     logger,
	}
}

// Check reports whether addr passes screening. A false return with nil error
// is a policy rejection. Transport errors are tagged retry.Transient.
func (c *Client) Check(ctx context.Context, addr common.Address) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+addr.Hex(), nil)
	if err != nil {
		return false, fmt.Errorf("build screening request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, retry.Transient(fmt.Errorf("screening %s: %w", addr.Hex(), err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}

	c.logger.Warn("address failed screening",
		zap.String("address", addr.Hex()),
		zap.Int("status", resp.StatusCode),
	)
	return false, nil
}

// CheckWithRetry retries Check until it gets a verdict. Transport failures
// are retried indefinitely; only context cancellation gives up.
func (c *Client) CheckWithRetry(ctx context.Context, addr common.Address) (bool, error) {
	var ok bool
	err := retry.Do(ctx, retry.Policy{Initial: time.Second, Max: 30 * time.Second}, func(ctx context.Context) error {
		var err error
		ok, err = c.Check(ctx, addr)
		if err != nil {
			c.logger.Warn("screening attempt failed, retrying", zap.Error(err))
		}
		return err
	})
	return ok, err
}
