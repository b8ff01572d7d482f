/*
Package staged implements the staged-writes adapter (spec.md §4.5): it
lifts any non-transactional kv.Provider into a tx.Resource by buffering
writes and replaying them on commit, discarding them on rollback.

GROUNDING:
  Generalizes the teacher's TxMemory/txMemoryView split in
  generic/store/memory.go — a parent holding real state, a
  transaction-scoped view layering writes on top — to wrap *any*
  backend, not just the in-memory one. Where the teacher snapshots the
  whole map for rollback, this adapter only ever buffers the operation
  log itself and never touches the backing store until commit, per
  spec.md §4.5's stronger invariant ("the backing store observes no
  effect of the transaction until commit").

CONCURRENCY:
  Single-writer: the owning transaction is the adapter's sole mutator.
  Each transaction must wrap the backing store in its own Resource
  instance (spec.md §4.5).
*/
package staged

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/kvtx/entity"
	"github.com/warp/kvtx/kv"
	"github.com/warp/kvtx/tx"
)

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

type stagedOp struct {
	kind   opKind
	key    string
	entity entity.Entity
	seq    int
}

// Resource wraps a backing kv.Provider and makes it a tx.Resource.
type Resource struct {
	name    string
	backing kv.Provider

	mu      sync.Mutex
	log     []stagedOp
	latest  map[string]*stagedOp // key -> most recent op for that key
	frames  []savepointFrame
}

type savepointFrame struct {
	name       string
	logLen     int
	latestCopy map[string]*stagedOp
}

var _ kv.Provider = (*Resource)(nil)
var _ tx.Resource = (*Resource)(nil)
var _ tx.SavepointCapable = (*Resource)(nil)

// New wraps backing in a fresh staged-writes adapter. name identifies
// the resource in PrepareFailed errors (tx.Named).
func New(name string, backing kv.Provider) *Resource {
	return &Resource{
		name:    name,
		backing: backing,
		latest:  make(map[string]*stagedOp),
	}
}

func (r *Resource) ResourceName() string { return r.name }

// Get returns the staged effect for key if present (an inserted/updated
// value, or nil for a staged delete), else delegates to the backing
// store.
func (r *Resource) Get(ctx context.Context, key string) (entity.Entity, error) {
	r.mu.Lock()
	op, staged := r.latest[key]
	r.mu.Unlock()
	if staged {
		if op.kind == opDelete {
			return nil, nil
		}
		return op.entity, nil
	}
	return r.backing.Get(ctx, key)
}

func (r *Resource) GetMany(ctx context.Context, keys []string) ([]entity.Entity, error) {
	out := make([]entity.Entity, 0, len(keys))
	for _, k := range keys {
		v, err := r.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// GetAll overlays staged operations on the backing store's snapshot.
// Backing entities are matched to staged keys by entity.KeyOf.
func (r *Resource) GetAll(ctx context.Context, predicate kv.Predicate) ([]entity.Entity, error) {
	backed, err := r.backing.GetAll(ctx, nil)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	overlay := make(map[string]*stagedOp, len(r.latest))
	for k, v := range r.latest {
		overlay[k] = v
	}
	r.mu.Unlock()

	merged := make(map[string]entity.Entity, len(backed))
	for _, e := range backed {
		merged[entity.KeyOf(e)] = e
	}
	for k, op := range overlay {
		if op.kind == opDelete {
			delete(merged, k)
		} else {
			merged[k] = op.entity
		}
	}

	out := make([]entity.Entity, 0, len(merged))
	for _, e := range merged {
		if predicate == nil || predicate(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Resource) Save(_ context.Context, key string, v entity.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := opUpdate
	if _, existed := r.latest[key]; !existed {
		kind = opInsert
	}
	op := stagedOp{kind: kind, key: key, entity: v, seq: len(r.log)}
	r.log = append(r.log, op)
	r.latest[key] = &r.log[len(r.log)-1]
	return nil
}

func (r *Resource) SaveMany(ctx context.Context, entries map[string]entity.Entity) error {
	for k, v := range entries {
		if err := r.Save(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resource) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := stagedOp{kind: opDelete, key: key, seq: len(r.log)}
	r.log = append(r.log, op)
	r.latest[key] = &r.log[len(r.log)-1]
	return nil
}

func (r *Resource) Exists(ctx context.Context, key string) (bool, error) {
	v, err := r.Get(ctx, key)
	return v != nil, err
}

func (r *Resource) Count(ctx context.Context, predicate kv.Predicate) (int, error) {
	all, err := r.GetAll(ctx, predicate)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (r *Resource) Clear(ctx context.Context) (int, error) {
	all, err := r.GetAll(ctx, nil)
	if err != nil {
		return 0, err
	}
	for _, e := range all {
		if err := r.Delete(ctx, entity.KeyOf(e)); err != nil {
			return 0, err
		}
	}
	return len(all), nil
}

// Prepare is a no-op: staging defers all validation to Commit, per
// spec.md §4.5 ("the model keeps prepare lightweight for
// non-relational backends").
func (r *Resource) Prepare(context.Context) error { return nil }

// Commit drains the sequence log in order, replaying each entry against
// the backing store. If any entry fails, commit fails immediately; the
// backing store may be left partially updated (documented caveat,
// spec.md §4.5) — non-relational backends cannot offer all-or-nothing
// across keys.
func (r *Resource) Commit(ctx context.Context) error {
	r.mu.Lock()
	ops := make([]stagedOp, len(r.log))
	copy(ops, r.log)
	r.mu.Unlock()

	for _, op := range ops {
		var err error
		switch op.kind {
		case opInsert, opUpdate:
			err = r.backing.Save(ctx, op.key, op.entity)
		case opDelete:
			err = r.backing.Delete(ctx, op.key)
		}
		if err != nil {
			return fmt.Errorf("staged[%s]: commit %s: %w", r.name, op.key, err)
		}
	}

	r.mu.Lock()
	r.log = nil
	r.latest = make(map[string]*stagedOp)
	r.frames = nil
	r.mu.Unlock()
	return nil
}

// Rollback clears the buffer; the backing store is never touched.
func (r *Resource) Rollback(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = nil
	r.latest = make(map[string]*stagedOp)
	r.frames = nil
	return nil
}

// CreateSavepoint records the current sequence-log length and a
// snapshot of the per-key latest map.
func (r *Resource) CreateSavepoint(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if f.name == name {
			return fmt.Errorf("staged[%s]: savepoint %q already exists", r.name, name)
		}
	}
	snapshot := make(map[string]*stagedOp, len(r.latest))
	for k, v := range r.latest {
		snapshot[k] = v
	}
	r.frames = append(r.frames, savepointFrame{name: name, logLen: len(r.log), latestCopy: snapshot})
	return nil
}

// RollbackToSavepoint truncates the sequence log to the recorded length
// and restores the per-key map snapshot, discarding name itself and
// every savepoint created after it.
func (r *Resource) RollbackToSavepoint(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.frameIndex(name)
	if idx < 0 {
		return fmt.Errorf("staged[%s]: unknown savepoint %q", r.name, name)
	}
	frame := r.frames[idx]
	r.log = r.log[:frame.logLen]
	r.latest = frame.latestCopy
	r.frames = r.frames[:idx]
	return nil
}

// ReleaseSavepoint drops the recorded frame without affecting current
// state.
func (r *Resource) ReleaseSavepoint(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.frameIndex(name)
	if idx < 0 {
		return fmt.Errorf("staged[%s]: unknown savepoint %q", r.name, name)
	}
	r.frames = append(r.frames[:idx], r.frames[idx+1:]...)
	return nil
}

func (r *Resource) frameIndex(name string) int {
	for i, f := range r.frames {
		if f.name == name {
			return i
		}
	}
	return -1
}
