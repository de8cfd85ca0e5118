package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullJitterBounds(t *testing.T) {
	base := 3 * time.Second
	max := 60 * time.Second

	tests := []struct {
		attempt int
		ceiling time.Duration
	}{
		{1, 3 * time.Second},
		{2, 6 * time.Second},
		{3, 12 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
		{0, 3 * time.Second}, // clamped to attempt 1
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := FullJitter(base, max, tt.attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", tt.attempt)
			assert.Less(t, d, tt.ceiling+1, "attempt %d", tt.attempt)
		}
	}
}

func TestRangeJitterBounds(t *testing.T) {
	base := 60 * time.Second
	max := time.Hour

	for attempt := 1; attempt <= 8; attempt++ {
		expected := base
		for i := 1; i < attempt; i++ {
			expected *= 2
			if expected > max {
				expected = max
				break
			}
		}
		for i := 0; i < 50; i++ {
			d := RangeJitter(base, max, attempt)
			assert.GreaterOrEqual(t, float64(d), 0.7*float64(expected), "attempt %d", attempt)
			assert.Less(t, float64(d), 1.3*float64(expected), "attempt %d", attempt)
		}
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, 10*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastError(t *testing.T) {
	wantErr := errors.New("still failing")
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, 5*time.Millisecond, func() error {
		calls++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, 3, time.Hour, time.Hour, func() error {
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
