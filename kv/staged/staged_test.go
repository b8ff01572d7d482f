package staged_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv/memkv"
	"github.com/warp/kvtx/kv/staged"
)

type record struct {
	entity.Base
	Name string `json:"name"`
}

func backing() *memkv.Memory {
	return memkv.New(memkv.Options{Name: "backing"})
}

func TestResource_GetOverlaysStagedInsert(t *testing.T) {
	ctx := context.Background()
	b := backing()
	r := staged.New("r1", b)

	w := &record{Name: "a"}
	w.Key = "k"
	require.NoError(t, r.Save(ctx, "k", w))

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.(*record).Name)

	fromBacking, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, fromBacking, "backing store must not observe staged writes before commit")
}

func TestResource_CommitReplaysOpsInOrder(t *testing.T) {
	ctx := context.Background()
	b := backing()
	r := staged.New("r1", b)

	w := &record{Name: "v1"}
	w.Key = "k"
	require.NoError(t, r.Save(ctx, "k", w))
	w2 := &record{Name: "v2"}
	w2.Key = "k"
	require.NoError(t, r.Save(ctx, "k", w2))

	require.NoError(t, r.Commit(ctx))

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.(*record).Name)
}

func TestResource_RollbackDiscardsBuffer(t *testing.T) {
	ctx := context.Background()
	b := backing()
	r := staged.New("r1", b)

	w := &record{Name: "a"}
	w.Key = "k"
	require.NoError(t, r.Save(ctx, "k", w))
	require.NoError(t, r.Rollback(ctx))

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	fromBacking, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, fromBacking)
}

func TestResource_DeleteOverlaysExistingBackingValue(t *testing.T) {
	ctx := context.Background()
	b := backing()
	w := &record{Name: "seed"}
	w.Key = "k"
	require.NoError(t, b.Save(ctx, "k", w))

	r := staged.New("r1", b)
	require.NoError(t, r.Delete(ctx, "k"))

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, r.Commit(ctx))
	fromBacking, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, fromBacking)
}

func TestResource_GetAllOverlaysStagedOpsOntoBackingSnapshot(t *testing.T) {
	ctx := context.Background()
	b := backing()
	seed := &record{Name: "seed"}
	seed.Key = "a"
	require.NoError(t, b.Save(ctx, entity.KeyOf(seed), seed))

	r := staged.New("r1", b)
	added := &record{Name: "added"}
	added.Key = "b"
	require.NoError(t, r.Save(ctx, entity.KeyOf(added), added))
	require.NoError(t, r.Delete(ctx, entity.KeyOf(seed)))

	all, err := r.GetAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "added", all[0].(*record).Name)
}

func TestResource_SavepointRollbackRestoresPriorStagedState(t *testing.T) {
	ctx := context.Background()
	b := backing()
	r := staged.New("r1", b)

	w1 := &record{Name: "v1"}
	w1.Key = "k"
	require.NoError(t, r.Save(ctx, "k", w1))

	require.NoError(t, r.CreateSavepoint(ctx, "sp1"))

	w2 := &record{Name: "v2"}
	w2.Key = "k"
	require.NoError(t, r.Save(ctx, "k", w2))
	other := &record{Name: "other"}
	other.Key = "other"
	require.NoError(t, r.Save(ctx, "other", other))

	require.NoError(t, r.RollbackToSavepoint(ctx, "sp1"))

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.(*record).Name)

	gone, err := r.Get(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestResource_ReleaseSavepointKeepsCurrentState(t *testing.T) {
	ctx := context.Background()
	b := backing()
	r := staged.New("r1", b)

	require.NoError(t, r.CreateSavepoint(ctx, "sp1"))
	w := &record{Name: "v1"}
	w.Key = "k"
	require.NoError(t, r.Save(ctx, "k", w))
	require.NoError(t, r.ReleaseSavepoint(ctx, "sp1"))

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v1", got.(*record).Name)

	err = r.RollbackToSavepoint(ctx, "sp1")
	assert.Error(t, err, "released savepoint must no longer be usable")
}

func TestResource_PrepareIsNoop(t *testing.T) {
	ctx := context.Background()
	r := staged.New("r1", backing())
	assert.NoError(t, r.Prepare(ctx))
}

func TestResource_ResourceNameReturnsConstructorArg(t *testing.T) {
	r := staged.New("ledger", backing())
	assert.Equal(t, "ledger", r.ResourceName())
}
