package ttable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(v float32) Entry {
	return Entry{Priors: map[string]float32{"e2e4": 1}, Value: v}
}

func TestCapacityFromBytes(t *testing.T) {
	tt := New(720)
	assert.Equal(t, 10, tt.MaxElements())

	tt = New(1)
	assert.Equal(t, 1, tt.MaxElements())
}

func TestAddGet(t *testing.T) {
	tt := New(10_000)
	tt.Add(1, entry(0.5))

	assert.True(t, tt.Contains(1))
	got, ok := tt.Get(1)
	require.True(t, ok)
	assert.Equal(t, float32(0.5), got.Value)

	_, ok = tt.Get(2)
	assert.False(t, ok)
	assert.False(t, tt.Contains(2))
}

func TestEvictionOrder(t *testing.T) {
	tt := New(3 * (8 + 64)) // 3 elements
	tt.Add(1, entry(1))
	tt.Add(2, entry(2))
	tt.Add(3, entry(3))
	tt.Add(4, entry(4)) // evicts 1

	assert.False(t, tt.Contains(1))
	assert.True(t, tt.Contains(2))
	assert.True(t, tt.Contains(3))
	assert.True(t, tt.Contains(4))
	assert.Equal(t, 3, tt.Len())
}

func TestReAddPromotes(t *testing.T) {
	tt := New(3 * (8 + 64))
	tt.Add(1, entry(1))
	tt.Add(2, entry(2))
	tt.Add(3, entry(3))

	// refresh 1, making 2 the oldest
	tt.Add(1, entry(10))
	tt.Add(4, entry(4))

	assert.True(t, tt.Contains(1))
	assert.False(t, tt.Contains(2))

	got, ok := tt.Get(1)
	require.True(t, ok)
	assert.Equal(t, float32(10), got.Value)
}

// Reads never promote, so an untouched early entry still goes first.
func TestGetDoesNotPromote(t *testing.T) {
	tt := New(2 * (8 + 64))
	tt.Add(1, entry(1))
	tt.Add(2, entry(2))

	_, ok := tt.Get(1)
	require.True(t, ok)

	tt.Add(3, entry(3))
	assert.False(t, tt.Contains(1))
	assert.True(t, tt.Contains(2))
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	tt := New(64 * (8 + 64))
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			for i := uint64(0); i < 500; i++ {
				key := (seed*1000 + i) % 128
				tt.Add(key, entry(float32(i)))
				if tt.Contains(key) {
					tt.Get(key)
				}
			}
		}(uint64(w))
	}
	wg.Wait()
	assert.LessOrEqual(t, tt.Len(), tt.MaxElements())
}
