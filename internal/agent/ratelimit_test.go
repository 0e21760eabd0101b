package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstPerKey(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a@company.com"))
	assert.True(t, rl.Allow("a@company.com"))
	assert.False(t, rl.Allow("a@company.com"))
	assert.True(t, rl.Allow("b@company.com"), "keys are independent")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a@company.com"), "token refilled")
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("a"))
	}
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")
	assert.Equal(t, 2, rl.Len())

	now = now.Add(limiterIdleEviction + time.Second)
	rl.Allow("c")
	assert.Equal(t, 1, rl.Len())
}
