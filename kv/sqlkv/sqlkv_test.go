package sqlkv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv/sqlkv"
)

type account struct {
	entity.Base
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
}

func newStore(t *testing.T) *sqlkv.Store {
	t.Helper()
	s, err := sqlkv.New(sqlkv.Options{
		DataSource:             ":memory:",
		CreateTableIfNotExists: true,
		Schema:                 "test",
		EntityType:             "Account",
		NewEntity:              func() entity.Entity { return &account{} },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a := &account{Owner: "alice", Balance: 100}
	a.Key = "acc-1"
	require.NoError(t, s.Save(ctx, "acc-1", a))

	got, err := s.Get(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.(*account).Owner)
}

func TestStore_VersionIncrementsWithoutExplicitVersion(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a := &account{Owner: "bob"}
	a.Key = "k"
	require.NoError(t, s.Save(ctx, "k", a))
	assert.Equal(t, int64(0), a.Version())

	a2 := &account{Owner: "bob"}
	a2.Key = "k"
	require.NoError(t, s.Save(ctx, "k", a2))
	assert.Equal(t, int64(1), a2.Version())
}

func TestStore_ExplicitVersionWins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a := &account{Owner: "carol"}
	a.Key = "k"
	a.SetVersion(42)
	require.NoError(t, s.Save(ctx, "k", a))
	assert.Equal(t, int64(42), a.Version())
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Delete(ctx, "missing"))
	require.NoError(t, s.Delete(ctx, "missing"))
}

func TestStore_CountAndClear(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a := &account{Owner: "a"}
	a.Key = "a"
	b := &account{Owner: "b"}
	b.Key = "b"
	require.NoError(t, s.Save(ctx, "a", a))
	require.NoError(t, s.Save(ctx, "b", b))

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	removed, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestStore_PredicateFilter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a := &account{Owner: "alice", Balance: 10}
	a.Key = "a"
	b := &account{Owner: "bob", Balance: 200}
	b.Key = "b"
	require.NoError(t, s.Save(ctx, "a", a))
	require.NoError(t, s.Save(ctx, "b", b))

	rich, err := s.GetAll(ctx, func(e entity.Entity) bool {
		return e.(*account).Balance > 100
	})
	require.NoError(t, err)
	require.Len(t, rich, 1)
	assert.Equal(t, "bob", rich[0].(*account).Owner)
}

func TestStore_SaveManyAtomicity(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	a := &account{Owner: "a"}
	a.Key = "a"
	b := &account{Owner: "b"}
	b.Key = "b"
	require.NoError(t, s.SaveMany(ctx, map[string]entity.Entity{"a": a, "b": b}))

	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A batch with one entry that cannot be encoded writes nothing.
	c := &account{Owner: "c"}
	c.Key = "c"
	bad := &unencodable{Ch: make(chan int)}
	bad.Key = "bad"
	require.Error(t, s.SaveMany(ctx, map[string]entity.Entity{"c": c, "bad": bad}))

	n, err = s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	ok, err := s.Exists(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)
}

type unencodable struct {
	entity.Base
	Ch chan int `json:"ch"`
}

func TestStore_ReopenFindsSchemaIntact(t *testing.T) {
	dir := t.TempDir() + "/failover.db"
	s1, err := sqlkv.New(sqlkv.Options{
		DataSource:             dir,
		CreateTableIfNotExists: true,
		Schema:                 "test",
		EntityType:             "Account",
		NewEntity:              func() entity.Entity { return &account{} },
	})
	require.NoError(t, err)

	a := &account{Owner: "alice"}
	a.Key = "a"
	require.NoError(t, s1.Save(context.Background(), "a", a))
	require.NoError(t, s1.Close())

	s2, err := sqlkv.New(sqlkv.Options{
		DataSource:             dir,
		CreateTableIfNotExists: true,
		Schema:                 "test",
		EntityType:             "Account",
		NewEntity:              func() entity.Entity { return &account{} },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	got, err := s2.Get(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.(*account).Owner)
}
