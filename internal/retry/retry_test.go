package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leverageGuard/internal/ports"
)

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...map[string]interface{})        {}
func (nopLogger) Info(context.Context, string, ...map[string]interface{})         {}
func (nopLogger) Warn(context.Context, string, ...map[string]interface{})         {}
func (nopLogger) Error(context.Context, error, string, ...map[string]interface{}) {}

func TestDo(t *testing.T) {
	rateLimited := fmt.Errorf("place order failed: %w", ports.ErrRateLimited)
	rejected := fmt.Errorf("place order failed: %w", ports.ErrInvalidRequest)

	tests := []struct {
		name          string
		policy        Policy
		failures      []error
		expectCalls   int
		expectErr     error
		expectExhaust bool
	}{
		{
			name:        "succeeds first time",
			policy:      Policy{Attempts: 3, Delay: time.Millisecond},
			expectCalls: 1,
		},
		{
			name:        "succeeds after transient failures",
			policy:      Transient("ledger insert", 3, time.Millisecond),
			failures:    []error{ports.ErrDBConnection, ports.ErrTimeout},
			expectCalls: 3,
		},
		{
			name:          "exhausts attempts",
			policy:        Policy{Name: "close", Attempts: 3, Delay: time.Millisecond},
			failures:      []error{rateLimited, rateLimited, rateLimited, rateLimited},
			expectCalls:   3,
			expectErr:     ports.ErrRateLimited,
			expectExhaust: true,
		},
		{
			name:        "permanent error stops immediately",
			policy:      RateLimited("entry", 5, time.Millisecond),
			failures:    []error{rejected},
			expectCalls: 1,
			expectErr:   ports.ErrInvalidRequest,
		},
		{
			name:        "zero attempts runs once",
			policy:      Policy{},
			failures:    []error{ports.ErrTimeout},
			expectCalls: 1,
			expectErr:   ports.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tt.policy, nopLogger{}, func(ctx context.Context, attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			assert.Equal(t, tt.expectCalls, calls)
			if tt.expectErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.expectErr), "got %v", err)
			if tt.expectExhaust {
				assert.Contains(t, err.Error(), "max retry attempts")
			}
		})
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 10, Delay: 50 * time.Millisecond}, nil, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return ports.ErrTimeout
	})

	require.Error(t, err)
	assert.Less(t, calls, 10)
}
