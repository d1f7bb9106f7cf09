package locks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantityLock_SerializesIncrements(t *testing.T) {
	q := NewQuantityLock(nil)
	quantity := 0
	var mu sync.Mutex
	get := func() int { mu.Lock(); defer mu.Unlock(); return quantity }
	set := func(v int) { mu.Lock(); defer mu.Unlock(); quantity = v }

	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := q.Increment("collection-x", get, set)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, n, get(), "every concurrent increment must be reflected exactly once")
}

func TestQuantityLock_ReturnsNewValue(t *testing.T) {
	q := NewQuantityLock(nil)
	quantity := 4
	get := func() int { return quantity }
	set := func(v int) { quantity = v }

	next, err := q.Increment("sym", get, set)
	require.NoError(t, err)
	assert.Equal(t, 5, next)
}
