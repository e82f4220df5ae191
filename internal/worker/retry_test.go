package worker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photo_pipeline/internal/worker"
)

func TestNewRetryPolicy_Constant(t *testing.T) {
	policy, err := worker.NewRetryPolicy(worker.RetryConstant, 2*time.Second, 0)
	require.NoError(t, err)

	b := policy()
	for range 3 {
		assert.Equal(t, 2*time.Second, b.NextBackOff())
	}
}

func TestNewRetryPolicy_ExponentialCapped(t *testing.T) {
	policy, err := worker.NewRetryPolicy(worker.RetryExponential, 100*time.Millisecond, 300*time.Millisecond)
	require.NoError(t, err)

	b := policy()
	for range 10 {
		wait := b.NextBackOff()
		assert.Greater(t, wait, time.Duration(0))
		// randomization may push a capped interval up to 1.5x the cap
		assert.LessOrEqual(t, wait, 450*time.Millisecond)
	}
}

func TestNewRetryPolicy_FreshSchedulePerCall(t *testing.T) {
	policy, err := worker.NewRetryPolicy(worker.RetryExponential, time.Second, time.Minute)
	require.NoError(t, err)

	first := policy()
	for range 5 {
		first.NextBackOff()
	}
	assert.LessOrEqual(t, policy().NextBackOff(), 1500*time.Millisecond)
}

func TestNewRetryPolicy_Unknown(t *testing.T) {
	_, err := worker.NewRetryPolicy("linear", time.Second, 0)
	assert.Error(t, err)
}

func TestNewRetryPolicy_ZeroDelayRetriesImmediately(t *testing.T) {
	for _, strategy := range []string{worker.RetryConstant, worker.RetryExponential} {
		policy, err := worker.NewRetryPolicy(strategy, 0, time.Minute)
		require.NoError(t, err)

		b := policy()
		for range 3 {
			assert.Equal(t, time.Duration(0), b.NextBackOff(), strategy)
		}
	}
}
