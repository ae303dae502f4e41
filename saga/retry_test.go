package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	t.Run("fixed", func(t *testing.T) {
		policy := RetryPolicy{Strategy: BackoffFixed, BaseDelay: time.Millisecond * 50}

		assert.Equal(t, time.Millisecond*50, policy.Delay(1))
		assert.Equal(t, time.Millisecond*50, policy.Delay(5))
	})

	t.Run("linear", func(t *testing.T) {
		policy := RetryPolicy{Strategy: BackoffLinear, BaseDelay: time.Millisecond * 100}

		assert.Equal(t, time.Millisecond*100, policy.Delay(1))
		assert.Equal(t, time.Millisecond*300, policy.Delay(3))
	})

	t.Run("exponential", func(t *testing.T) {
		policy := RetryPolicy{Strategy: BackoffExponential, BaseDelay: time.Second}

		assert.Equal(t, time.Second, policy.Delay(1))
		assert.Equal(t, time.Second*2, policy.Delay(2))
		assert.Equal(t, time.Second*4, policy.Delay(3))
	})

	t.Run("max delay clamp", func(t *testing.T) {
		policy := RetryPolicy{Strategy: BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Second * 3}

		assert.Equal(t, time.Second*3, policy.Delay(5))
	})

	t.Run("defaults base delay and floors attempt", func(t *testing.T) {
		policy := RetryPolicy{Strategy: BackoffExponential}

		assert.Equal(t, time.Second, policy.Delay(0))
	})

	t.Run("jitter stays within a second", func(t *testing.T) {
		policy := RetryPolicy{Strategy: BackoffFixed, BaseDelay: time.Second, Jitter: true}

		for i := 0; i < 20; i++ {
			delay := policy.Delay(1)
			assert.GreaterOrEqual(t, delay, time.Second)
			assert.Less(t, delay, time.Second*2)
		}
	})
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy(Step{ID: "a", MaxRetries: 3})

	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, BackoffExponential, policy.Strategy)
	assert.Equal(t, time.Second, policy.BaseDelay)
}
