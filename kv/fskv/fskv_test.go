package fskv_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv/fskv"
)

type widget struct {
	entity.Base
	Name string `json:"name"`
}

func newFS(t *testing.T) *fskv.FileSystem {
	t.Helper()
	root := filepath.Join(t.TempDir(), "store")
	f, err := fskv.New(fskv.Options{
		Root:              root,
		UseSubdirectories: true,
		NewEntity:         func() entity.Entity { return &widget{} },
	})
	require.NoError(t, err)
	return f
}

func TestFileSystem_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)

	w := &widget{Name: "X"}
	w.Key = "a"
	require.NoError(t, f.Save(ctx, "a", w))

	got, err := f.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "X", got.(*widget).Name)
	assert.Equal(t, "a", got.ID())
}

func TestFileSystem_GetMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)

	got, err := f.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileSystem_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)

	require.NoError(t, f.Delete(ctx, "missing"))
	require.NoError(t, f.Delete(ctx, "missing"))
}

func TestFileSystem_SanitizesKeysWithSlashes(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)

	w := &widget{Name: "nested"}
	w.Key = "Widget/weird:name"
	require.NoError(t, f.Save(ctx, "Widget/weird:name", w))

	got, err := f.Get(ctx, "Widget/weird:name")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "nested", got.(*widget).Name)
}

func TestFileSystem_PredicateFilter(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)

	a := &widget{Name: "keep"}
	a.Key = "a"
	b := &widget{Name: "drop"}
	b.Key = "b"
	require.NoError(t, f.Save(ctx, "a", a))
	require.NoError(t, f.Save(ctx, "b", b))

	kept, err := f.GetAll(ctx, func(e entity.Entity) bool {
		return e.(*widget).Name == "keep"
	})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "a", kept[0].ID())
}

func TestFileSystem_CountAndClear(t *testing.T) {
	ctx := context.Background()
	f := newFS(t)

	a := &widget{Name: "A"}
	a.Key = "a"
	b := &widget{Name: "B"}
	b.Key = "b"
	require.NoError(t, f.Save(ctx, "a", a))
	require.NoError(t, f.Save(ctx, "b", b))

	n, err := f.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	removed, err := f.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err = f.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFileSystem_OverwritePreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "store")
	f, err := fskv.New(fskv.Options{
		Root:              root,
		UseSubdirectories: true,
		NewEntity:         func() entity.Entity { return &widget{} },
	})
	require.NoError(t, err)
	readEnvelope := func() entity.Envelope {
		data, err := os.ReadFile(filepath.Join(root, "a", "a.json"))
		require.NoError(t, err)
		var env entity.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}

	w := &widget{Name: "v1"}
	w.Key = "a"
	require.NoError(t, f.Save(ctx, "a", w))
	first := readEnvelope()

	time.Sleep(5 * time.Millisecond)
	w2 := &widget{Name: "v2"}
	w2.Key = "a"
	require.NoError(t, f.Save(ctx, "a", w2))

	got, err := f.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.(*widget).Name)
	second := readEnvelope()
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt), "CreatedAt must survive an overwrite")
}
