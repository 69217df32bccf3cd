package auth

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoginThrottle_BlocksAfterMaxAttempts(t *testing.T) {
	th := NewLoginThrottle(5, 5*time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		assert.True(t, th.Allow("1.2.3.4", now))
		assert.True(t, th.Acquire("1.2.3.4", now.Add(time.Duration(i)*time.Second)))
	}
	assert.False(t, th.Allow("1.2.3.4", now.Add(time.Minute)))
	assert.False(t, th.Acquire("1.2.3.4", now.Add(time.Minute)))
	assert.True(t, th.Allow("5.6.7.8", now.Add(time.Minute)), "other addresses are unaffected")

	// The window is measured from the first attempt.
	assert.False(t, th.Acquire("1.2.3.4", now.Add(5*time.Minute)))
	assert.True(t, th.Acquire("1.2.3.4", now.Add(5*time.Minute+time.Second)))
}

func TestLoginThrottle_ConcurrentAcquireHonoursLimit(t *testing.T) {
	th := NewLoginThrottle(5, 5*time.Minute)
	now := time.Now()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Acquire("6.6.6.6", now) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), granted.Load())
}

func TestLoginThrottle_ReleaseClearAndPrune(t *testing.T) {
	th := NewLoginThrottle(2, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	th.Acquire("a", now)
	th.Acquire("a", now)
	assert.False(t, th.Allow("a", now))
	th.Release("a")
	assert.True(t, th.Allow("a", now))
	th.Clear("a")
	assert.True(t, th.Acquire("a", now))
	assert.True(t, th.Acquire("a", now))

	th.Acquire("b", now)
	th.Acquire("c", now.Add(50*time.Second))
	assert.Equal(t, 2, th.Prune(now.Add(61*time.Second)))
}
