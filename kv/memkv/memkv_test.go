package memkv_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv/memkv"
)

type record struct {
	entity.Base
	Name string `json:"name"`
}

func newRecord(id, name string) *record {
	r := &record{Name: name}
	r.Key = id
	return r
}

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := memkv.New(memkv.Options{})
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Save(ctx, "a", newRecord("a", "X")))

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "X", got.(*record).Name)

	n, err := m.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.Delete(ctx, "a"))
	got, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := memkv.New(memkv.Options{})
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Delete(ctx, "missing"))
	require.NoError(t, m.Delete(ctx, "missing"))
}

func TestMemory_ExistsAgreesWithGet(t *testing.T) {
	ctx := context.Background()
	m := memkv.New(memkv.Options{})
	t.Cleanup(func() { m.Close() })

	ok, err := m.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Save(ctx, "a", newRecord("a", "X")))
	ok, err = m.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory_PredicateFilter(t *testing.T) {
	ctx := context.Background()
	m := memkv.New(memkv.Options{})
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Save(ctx, "a", newRecord("a", "keep")))
	require.NoError(t, m.Save(ctx, "b", newRecord("b", "drop")))

	all, err := m.GetAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	kept, err := m.GetAll(ctx, func(e entity.Entity) bool {
		return e.(*record).Name == "keep"
	})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "a", kept[0].ID())
}

func TestMemory_ExplicitExpiry(t *testing.T) {
	ctx := context.Background()
	m := memkv.New(memkv.Options{})
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Save(ctx, "a", newRecord("a", "X")))
	require.True(t, m.SetExpiry("a", time.Now().Add(-time.Second)))

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	m := memkv.New(memkv.Options{DefaultTTL: 10 * time.Millisecond})
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Save(ctx, "a", newRecord("a", "X")))
	time.Sleep(30 * time.Millisecond)

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_LRUEvictsSmallestLastAccessed(t *testing.T) {
	ctx := context.Background()
	m := memkv.New(memkv.Options{MaxCacheSize: 2})
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Save(ctx, "a", newRecord("a", "A")))
	require.NoError(t, m.Save(ctx, "b", newRecord("b", "B")))
	// Touch "a" so "b" becomes the LRU victim on the next insert.
	_, err := m.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, m.Save(ctx, "c", newRecord("c", "C")))

	n, err := m.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, _ := m.Exists(ctx, "b")
	assert.False(t, ok, "b should have been evicted as LRU victim")
	ok, _ = m.Exists(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Exists(ctx, "c")
	assert.True(t, ok)
}

func TestMemory_ConcurrentWritesSameKeyLastWriteWins(t *testing.T) {
	ctx := context.Background()
	m := memkv.New(memkv.Options{})
	t.Cleanup(func() { m.Close() })

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.Save(ctx, "k", newRecord("k", "v"))
		}(i)
	}
	wg.Wait()

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v", got.(*record).Name)
}

func TestMemory_ConcurrentDisjointKeysNoLoss(t *testing.T) {
	ctx := context.Background()
	m := memkv.New(memkv.Options{})
	t.Cleanup(func() { m.Close() })

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "k" + strconv.Itoa(i)
			_ = m.Save(ctx, key, newRecord(key, key))
		}(i)
	}
	wg.Wait()

	count, err := m.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, n, count)
	for i := 0; i < n; i++ {
		key := "k" + strconv.Itoa(i)
		got, err := m.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, key, got.(*record).Name)
	}
}

func TestMemory_Clear(t *testing.T) {
	ctx := context.Background()
	m := memkv.New(memkv.Options{})
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Save(ctx, "a", newRecord("a", "A")))
	require.NoError(t, m.Save(ctx, "b", newRecord("b", "B")))

	n, err := m.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := m.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
