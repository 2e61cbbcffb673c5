package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDunningPolicy(t *testing.T) {
	policy := DefaultDunningPolicy()

	assert.Equal(t, 4, policy.MaxRetries)
	assert.Equal(t, []int{3, 5, 7, 10}, policy.RetryIntervalDays)
	assert.Equal(t, 2, policy.SuspendAfterFailures)
	assert.Equal(t, 30, policy.CancelAfterDays)
	assert.True(t, policy.NotificationsEnabled)
}

func TestDunningPolicyMerge(t *testing.T) {
	base := DefaultDunningPolicy()

	t.Run("empty override inherits everything", func(t *testing.T) {
		merged := DunningPolicy{TenantID: "t-1"}.Merge(base)

		assert.Equal(t, base.MaxRetries, merged.MaxRetries)
		assert.Equal(t, base.RetryIntervalDays, merged.RetryIntervalDays)
		assert.Equal(t, base.SuspendAfterFailures, merged.SuspendAfterFailures)
		assert.Equal(t, base.CancelAfterDays, merged.CancelAfterDays)
		assert.Equal(t, "t-1", merged.TenantID)
	})

	t.Run("partial override keeps own values", func(t *testing.T) {
		override := DunningPolicy{
			TenantID:   "t-1",
			MaxRetries: 2,
		}
		merged := override.Merge(base)

		assert.Equal(t, 2, merged.MaxRetries)
		assert.Equal(t, base.RetryIntervalDays, merged.RetryIntervalDays)
		assert.Equal(t, base.CancelAfterDays, merged.CancelAfterDays)
	})
}

func TestNextAttemptAt(t *testing.T) {
	policy := DefaultDunningPolicy()
	from := time.Date(2026, time.March, 1, 18, 45, 12, 0, time.UTC)

	t.Run("first attempt uses first interval at 10:00", func(t *testing.T) {
		next := policy.NextAttemptAt(from, 1)

		assert.Equal(t, time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC), next)
	})

	t.Run("intervals indexed by attempt number", func(t *testing.T) {
		assert.Equal(t, time.Date(2026, time.March, 6, 10, 0, 0, 0, time.UTC), policy.NextAttemptAt(from, 2))
		assert.Equal(t, time.Date(2026, time.March, 8, 10, 0, 0, 0, time.UTC), policy.NextAttemptAt(from, 3))
		assert.Equal(t, time.Date(2026, time.March, 11, 10, 0, 0, 0, time.UTC), policy.NextAttemptAt(from, 4))
	})

	t.Run("attempt beyond list reuses last interval", func(t *testing.T) {
		next := policy.NextAttemptAt(from, 9)

		assert.Equal(t, time.Date(2026, time.March, 11, 10, 0, 0, 0, time.UTC), next)
	})

	t.Run("next dates non-decreasing for non-decreasing intervals", func(t *testing.T) {
		prev := policy.NextAttemptAt(from, 1)
		for n := 2; n <= 6; n++ {
			next := policy.NextAttemptAt(from, n)
			require.False(t, next.Before(prev), "attempt %d", n)
			prev = next
		}
	})
}
