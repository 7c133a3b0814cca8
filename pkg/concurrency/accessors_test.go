package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleAccessor(t *testing.T) {
	a := NewAccessors()

	g := a.Access(42)
	assert.True(t, a.active(42))

	g.Lock()
	assert.True(t, g.IsOnlyAccessor())
	g.Unlock()

	g.Release()
	assert.False(t, a.active(42))
}

func TestSharedEntry(t *testing.T) {
	a := NewAccessors()

	g1 := a.Access(7)
	g2 := a.Access(7)

	g1.Lock()
	assert.False(t, g1.IsOnlyAccessor())
	g1.Unlock()

	g1.Release()
	assert.True(t, a.active(7), "entry must survive while g2 is live")

	g2.Lock()
	assert.True(t, g2.IsOnlyAccessor())
	g2.Unlock()

	g2.Release()
	assert.False(t, a.active(7))
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := NewAccessors()

	g1 := a.Access(1)
	g2 := a.Access(1)

	g1.Release()
	g1.Release()
	g1.Release()

	assert.True(t, a.active(1), "double release must not strip g2's pin")
	g2.Release()
	assert.False(t, a.active(1))
}

func TestConcurrentAccessRelease(t *testing.T) {
	a := NewAccessors()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := a.Access(42)
			time.Sleep(time.Microsecond)
			g.Lock()
			_ = g.IsOnlyAccessor()
			g.Unlock()
			g.Release()
		}()
	}
	wg.Wait()

	assert.False(t, a.active(42), "entry must be removed after both guards drop")
}

func TestManyIDsManyGoroutines(t *testing.T) {
	a := NewAccessors()

	const goroutines = 16
	const iterations = 500

	var wg sync.WaitGroup
	for w := 0; w < goroutines; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				id := (seed*31 + int64(i)) % 8
				g := a.Access(id)
				if i%3 == 0 {
					g.Lock()
					_ = g.IsOnlyAccessor()
					g.Unlock()
				}
				g.Release()
			}
		}(int64(w))
	}
	wg.Wait()

	// After every guard has dropped the table must be empty.
	for id := int64(0); id < 8; id++ {
		require.False(t, a.active(id), "id %d leaked an entry", id)
	}
}

func TestLastAccessorObservesDrops(t *testing.T) {
	a := NewAccessors()

	g1 := a.Access(99)
	g2 := a.Access(99)
	g3 := a.Access(99)

	g2.Release()
	g3.Release()

	g1.Lock()
	assert.True(t, g1.IsOnlyAccessor())
	g1.Unlock()
	g1.Release()
}
