/*
Package kv defines the storage-provider contract every backend
implements (spec.md §4.1) and a thin typed wrapper over it.

PURPOSE:
  Gives application services one abstract CRUD contract over typed
  entities keyed by string, regardless of the medium backing it.

KEY INTERFACES:
  Provider: untyped CRUD contract operating on entity.Entity
  Typed[T]: generic convenience wrapper that decodes into T

GUARANTEES (common to every backend, see spec.md §4.1):
  - Atomic per-key writes: a Get after a successful Save returns exactly
    that entity.
  - Read-your-writes within a single process for a single instance.
  - GetAll returns a point-in-time snapshot; individual entities are
    always internally consistent even if concurrent writers race it.
  - Delete is idempotent.
  - Predicate evaluation is in-process; no backend compiles predicates
    into native queries.

SEE ALSO:
  - kv/memkv, kv/fskv, kv/sqlkv: concrete backends
  - kv/staged: lifts a Provider into a transactional resource
  - kv/factory: constructs a Provider by name
*/
package kv

import (
	"context"

	"github.com/warp/kvtx/entity"
)

// Predicate filters entities in process; no backend translates it into a
// native query.
type Predicate func(entity.Entity) bool

// Provider is the CRUD contract every backend implements (spec.md §4.1).
type Provider interface {
	// Get returns the entity at key, or (nil, nil) if absent.
	Get(ctx context.Context, key string) (entity.Entity, error)

	// GetMany returns the entities for keys that exist, in the order
	// the backend encounters them; missing keys are skipped.
	GetMany(ctx context.Context, keys []string) ([]entity.Entity, error)

	// GetAll returns a point-in-time snapshot, filtered by predicate if
	// non-nil.
	GetAll(ctx context.Context, predicate Predicate) ([]entity.Entity, error)

	// Save durably writes e under key. Backends that support optimistic
	// concurrency return ErrConflict if e carries a stale version.
	Save(ctx context.Context, key string, e entity.Entity) error

	// SaveMany writes every entry. Not guaranteed atomic across keys
	// unless the backend documents it (only kv/sqlkv does, within one
	// statement batch).
	SaveMany(ctx context.Context, entries map[string]entity.Entity) error

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key has a value.
	Exists(ctx context.Context, key string) (bool, error)

	// Count returns the number of entities satisfying predicate (all of
	// them if predicate is nil).
	Count(ctx context.Context, predicate Predicate) (int, error)

	// Clear removes every entry and returns the count removed.
	Clear(ctx context.Context) (int, error)
}

// Closer is implemented by backends that hold an OS resource (a file
// handle, a DB connection) that must be released on shutdown.
type Closer interface {
	Close() error
}

// Typed wraps a Provider and type-asserts its results to T, avoiding a
// type assertion at every call site; a result of another type yields
// ErrSerialization. New is carried for callers that need a fresh T; the
// wrapper's own methods do not call it.
type Typed[T entity.Entity] struct {
	Provider Provider
	New      func() T
}

// Of builds a Typed[T] wrapper around p.
func Of[T entity.Entity](p Provider, newFn func() T) Typed[T] {
	return Typed[T]{Provider: p, New: newFn}
}

func (t Typed[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	e, err := t.Provider.Get(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if e == nil {
		return zero, false, nil
	}
	v, ok := e.(T)
	if !ok {
		return zero, false, ErrSerialization
	}
	return v, true, nil
}

func (t Typed[T]) Save(ctx context.Context, key string, v T) error {
	return t.Provider.Save(ctx, key, v)
}

func (t Typed[T]) Delete(ctx context.Context, key string) error {
	return t.Provider.Delete(ctx, key)
}

func (t Typed[T]) GetAll(ctx context.Context, predicate Predicate) ([]T, error) {
	all, err := t.Provider.GetAll(ctx, predicate)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(all))
	for _, e := range all {
		v, ok := e.(T)
		if !ok {
			return nil, ErrSerialization
		}
		out = append(out, v)
	}
	return out, nil
}
