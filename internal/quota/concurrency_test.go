package quota

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryAcquireRespectsLimit(t *testing.T) {
	c := NewConcurrencyCounter()

	assert.True(t, c.TryAcquire("u", 2))
	assert.True(t, c.TryAcquire("u", 2))
	assert.False(t, c.TryAcquire("u", 2))
	assert.Equal(t, 2, c.Current("u"))

	c.Release("u")
	assert.True(t, c.TryAcquire("u", 2))
}

func TestReleaseFloorsAtZero(t *testing.T) {
	c := NewConcurrencyCounter()

	c.Release("u")
	c.Release("u")
	assert.Equal(t, 0, c.Current("u"))

	assert.True(t, c.TryAcquire("u", 1))
	assert.Equal(t, 1, c.Current("u"))
}

func TestUsersAreIndependent(t *testing.T) {
	c := NewConcurrencyCounter()

	assert.True(t, c.TryAcquire("a", 1))
	assert.False(t, c.TryAcquire("a", 1))
	assert.True(t, c.TryAcquire("b", 1))
}

func TestConcurrentAcquireNeverOvershoots(t *testing.T) {
	const limit = 4
	const attempts = 100

	c := NewConcurrencyCounter()
	var admitted atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire("u", limit) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, limit, admitted.Load())
	assert.Equal(t, limit, c.Current("u"))

	for i := 0; i < limit; i++ {
		c.Release("u")
	}
	assert.Equal(t, 0, c.Current("u"))
}
