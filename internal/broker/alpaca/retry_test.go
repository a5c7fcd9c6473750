package alpaca

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/domain"
)

func testProvider(backoff time.Duration) *Provider {
	return &Provider{backoff: backoff, log: zerolog.Nop()}
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	p := testProvider(time.Millisecond)

	calls := 0
	err := p.withRetry(context.Background(), "place order", func() error {
		calls++
		if calls < 3 {
			return &alpaca.APIError{StatusCode: 503, Message: "upstream unavailable"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_TransientExhaustion(t *testing.T) {
	p := testProvider(time.Millisecond)

	calls := 0
	err := p.withRetry(context.Background(), "place order", func() error {
		calls++
		return &alpaca.APIError{StatusCode: 429, Message: "rate limited"}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBrokerTransient)
	assert.Equal(t, maxAttempts, calls)
}

func TestWithRetry_PermanentFailsFast(t *testing.T) {
	p := testProvider(time.Millisecond)

	calls := 0
	err := p.withRetry(context.Background(), "place order", func() error {
		calls++
		return &alpaca.APIError{StatusCode: 422, Message: "insufficient buying power"}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBroker)
	assert.NotErrorIs(t, err, domain.ErrBrokerTransient)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ContextCanceledStopsRetrying(t *testing.T) {
	p := testProvider(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.withRetry(ctx, "get account", func() error {
		return &alpaca.APIError{StatusCode: 500, Message: "boom"}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &alpaca.APIError{StatusCode: 500}, true},
		{"bad gateway", &alpaca.APIError{StatusCode: 502}, true},
		{"rate limited", &alpaca.APIError{StatusCode: 429}, true},
		{"not found", &alpaca.APIError{StatusCode: 404}, false},
		{"unprocessable", &alpaca.APIError{StatusCode: 422}, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}
