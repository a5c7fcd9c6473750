package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"github.com/akrivos/helmsman/internal/domain"
)

// maxAttempts bounds how often a transient broker failure is retried.
const maxAttempts = 3

// retryBackoff is the base wait between attempts; attempt n waits n times it.
const retryBackoff = 250 * time.Millisecond

// withRetry runs one broker call with bounded retry. Transient failures are
// retried with linear backoff and surface as domain.ErrBrokerTransient once
// the attempts are exhausted; anything else fails immediately as a permanent
// broker error.
func (p *Provider) withRetry(ctx context.Context, op string, call func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = call(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return domain.BrokerErrorf("alpaca %s: %v", op, err)
		}
		if attempt == maxAttempts {
			break
		}
		p.log.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Msg("Transient broker failure, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * p.backoff):
		}
	}
	return fmt.Errorf("%w: alpaca %s: %v", domain.ErrBrokerTransient, op, err)
}

// isTransient classifies rate limits, server-side failures and timeouts as
// retriable.
func isTransient(err error) bool {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
