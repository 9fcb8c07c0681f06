package utils

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	var k KeyedMutex
	var (
		mu      sync.Mutex
		active  = map[string]int{}
		maxSeen = map[string]int{}
		wg      sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		key := []string{"a", "b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()

			mu.Lock()
			active[key]++
			if active[key] > maxSeen[key] {
				maxSeen[key] = active[key]
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active[key]--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen["a"])
	assert.Equal(t, 1, maxSeen["b"])
	assert.Zero(t, k.Len())
}

func TestKeyedMutex_TryLock(t *testing.T) {
	var k KeyedMutex

	unlock := k.Lock("x")
	_, ok := k.TryLock("x")
	assert.False(t, ok)

	other, ok := k.TryLock("y")
	require.True(t, ok)
	other()

	unlock()
	unlock() // idempotent

	again, ok := k.TryLock("x")
	require.True(t, ok)
	again()
	assert.Zero(t, k.Len())
}
