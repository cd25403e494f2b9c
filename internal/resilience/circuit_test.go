package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fail(_ context.Context) (int, error) { return 0, errors.New("fail") }
func ok(_ context.Context) (int, error)   { return 1, nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("m1", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = ExecuteVal(ctx, cb, fail)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	_, err := ExecuteVal(ctx, cb, func(_ context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("m1", CircuitBreakerConfig{FailureThreshold: 2})
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, fail)
	_, _ = ExecuteVal(ctx, cb, ok)
	_, _ = ExecuteVal(ctx, cb, fail)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("m1", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, fail)
	require.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	v, err := ExecuteVal(ctx, cb, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("m1", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, fail)
	now = now.Add(2 * time.Second)
	_, _ = ExecuteVal(ctx, cb, fail)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker("m1", CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	_, _ = ExecuteVal(context.Background(), cb, fail)
	assert.Equal(t, []string{"m1:closed->open"}, transitions)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("m1", CircuitBreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = ExecuteVal(context.Background(), cb, fail)
			} else {
				_, _ = ExecuteVal(context.Background(), cb, ok)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakers_Get(t *testing.T) {
	b := NewBreakers(FromCircuitConfig(2, 10))
	a1 := b.Get("a")
	assert.Same(t, a1, b.Get("a"))
	assert.NotSame(t, a1, b.Get("b"))
	assert.Equal(t, 2, a1.cfg.FailureThreshold)
	assert.Equal(t, 10*time.Second, a1.cfg.ResetTimeout)
}

func TestFromCircuitConfig_Defaults(t *testing.T) {
	cfg := FromCircuitConfig(0, 0)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
