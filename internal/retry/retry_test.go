package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	p := New(WithMaxAttempts(4), WithBaseDelay(time.Millisecond))
	var notified []int
	p.OnRetry = func(attempt int, err error, _ time.Duration) { notified = append(notified, attempt) }

	calls := 0
	attempts, err := p.Execute(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestExecuteStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	p := New(WithMaxAttempts(5), WithBaseDelay(time.Millisecond),
		WithClassifier(func(err error) bool { return !errors.Is(err, permanent) }))

	attempts, err := p.Execute(context.Background(), func(context.Context, int) error { return permanent })
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, permanent)
}

func TestExecuteExhausted(t *testing.T) {
	p := New(WithMaxAttempts(2), WithBaseDelay(time.Millisecond))
	attempts, err := p.Execute(context.Background(), func(context.Context, int) error { return errFlaky })
	assert.Equal(t, 2, attempts)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.ErrorIs(t, err, errFlaky)
}

func TestExecuteHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(WithMaxAttempts(10), WithBaseDelay(time.Hour))

	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.Execute(ctx, func(context.Context, int) error { return errFlaky })
	assert.ErrorIs(t, err, errFlaky)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelayIsCapped(t *testing.T) {
	p := New(WithBaseDelay(time.Second), WithMaxDelay(3*time.Second))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 3*time.Second, p.Delay(5))
}
