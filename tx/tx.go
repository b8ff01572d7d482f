/*
tx.go - Two-phase commit transaction coordinator

PURPOSE:
  Coordinates commit/rollback across one or more enlisted Resources
  (spec.md §4.7, §4.8). A Transaction owns the state machine; a
  Coordinator is the factory that begins new transactions and exposes
  no state of its own beyond configuration defaults.

STATE MACHINE (spec.md §4.8):

  Active -> Preparing -> Prepared -> Committing -> Committed
  Active -> RollingBack -> RolledBack
  Preparing -> RollingBack -> RolledBack   (a Prepare call failed)
  Committing -> Failed                      (a Commit call failed after
                                              every Prepare succeeded —
                                              left for the operator:
                                              spec.md §4.8 "commit
                                              failure after all resources
                                              prepared is unrecoverable
                                              by the coordinator")

  Any non-terminal state may transition to RollingBack via an explicit
  Rollback call; Committed/RolledBack/Failed are terminal. No background
  timer runs: an expired timeout is detected only when Commit is called
  from Active, which then rolls every resource back and ends in
  RolledBack.

SEE ALSO:
  - resource.go: the Resource/SavepointCapable/Named interfaces
  - retry.go: ExecuteInTx/ExecuteWithRetry convenience wrappers
  - context.go: ambient transaction propagation via context.Context
*/
package tx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/kvtx/kv/log"
	"github.com/warp/kvtx/kv/metrics"
)

// State is a node in the transaction state machine (spec.md §4.8).
type State int

const (
	Active State = iota
	Preparing
	Prepared
	Committing
	Committed
	RollingBack
	RolledBack
	Failed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Preparing:
		return "preparing"
	case Prepared:
		return "prepared"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RollingBack:
		return "rolling_back"
	case RolledBack:
		return "rolled_back"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == Committed || s == RolledBack || s == Failed
}

// Isolation names the isolation level a transaction was begun with.
// kvtx does not implement MVCC snapshotting; this is advisory metadata
// a coordinator-aware resource may use to decide how aggressively to
// lock (spec.md §4.8 Open Question, resolved in DESIGN.md).
type Isolation string

const (
	ReadCommitted Isolation = "read_committed"
	Serializable  Isolation = "serializable"
)

// Options configures a new Transaction.
type Options struct {
	Isolation Isolation
	Timeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Isolation == "" {
		o.Isolation = ReadCommitted
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// savepoint records the enlistment length at the moment it was created
// so RollbackToSavepoint knows which late-enlisted resources to drop.
type savepoint struct {
	name          string
	enlistedCount int
}

// Transaction is a single unit of two-phase commit. It is safe for
// concurrent use; Enlist, CreateSavepoint and the terminal operations
// take the internal mutex for each state change and release it before
// calling into enlisted resources (spec.md §5 "a
// transaction's state and enlistment list are guarded by a single
// mutex; coordinator logic performs no I/O under that lock apart from
// delegating to enlisted resources").
type Transaction struct {
	ID        string
	Isolation Isolation
	Timeout   time.Duration
	CreatedAt time.Time

	Properties map[string]any

	mu         sync.Mutex
	state      State
	enlisted   []Resource
	savepoints []savepoint
	deadline   time.Time
}

// PrepareFailedError reports which enlisted resource refused to
// prepare, per spec.md §7 ("includes the failing resource id").
type PrepareFailedError struct {
	Resource string
	Index    int
	Cause    error
}

func (e *PrepareFailedError) Error() string {
	return fmt.Sprintf("tx: prepare failed for resource %s: %v", e.Resource, e.Cause)
}

func (e *PrepareFailedError) Unwrap() error { return e.Cause }

// InvalidStateError is returned when an operation is attempted from a
// state that does not permit it.
type InvalidStateError struct {
	Operation string
	State     State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("tx: cannot %s from state %s", e.Operation, e.State)
}

// Coordinator begins new transactions with shared default options. It
// holds no per-transaction state; every Transaction is independent
// once begun.
type Coordinator struct {
	defaults Options
}

// NewCoordinator builds a Coordinator applying defaults to every
// Begin call that omits a field.
func NewCoordinator(defaults Options) *Coordinator {
	return &Coordinator{defaults: defaults.withDefaults()}
}

// Begin starts a new transaction in the Active state.
func (c *Coordinator) Begin(_ context.Context, opts Options) (*Transaction, error) {
	if opts.Isolation == "" {
		opts.Isolation = c.defaults.Isolation
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.defaults.Timeout
	}
	opts = opts.withDefaults()

	now := timeNow()
	t := &Transaction{
		ID:         uuid.NewString(),
		Isolation:  opts.Isolation,
		Timeout:    opts.Timeout,
		CreatedAt:  now,
		Properties: make(map[string]any),
		state:      Active,
		deadline:   now.Add(opts.Timeout),
	}
	log.WithComponent("tx").Debug().Str("tx_id", t.ID).Str("isolation", string(t.Isolation)).Msg("begin")
	return t, nil
}

// timeNow exists so tests can be written against a fixed clock without
// relying on a wall-clock call inside Begin; production callers get
// time.Now via the default assignment below.
var timeNow = time.Now

// State returns the transaction's current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Expired reports whether the transaction's timeout has elapsed.
func (t *Transaction) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiredLocked()
}

// expiredLocked is Expired's logic for callers that already hold t.mu.
func (t *Transaction) expiredLocked() bool {
	return timeNow().After(t.deadline)
}

// Enlist registers a resource as a 2PC participant. Resources must be
// enlisted before Commit or Rollback is called; enlisting after
// Prepare has started returns an error.
func (t *Transaction) Enlist(_ context.Context, r Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active {
		return &InvalidStateError{Operation: "enlist", State: t.state}
	}
	t.enlisted = append(t.enlisted, r)
	return nil
}

func (t *Transaction) resourceName(i int) string {
	if n, ok := t.enlisted[i].(Named); ok {
		return n.ResourceName()
	}
	return fmt.Sprintf("resource[%d]", i)
}

// Commit runs the full 2PC sequence: Prepare every enlisted resource in
// enlistment order, and only if all succeed, Commit every resource in
// the same order. If any Prepare fails, every enlisted resource is
// rolled back and the transaction moves to RolledBack.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Active {
		err := &InvalidStateError{Operation: "commit", State: t.state}
		t.mu.Unlock()
		return err
	}
	if t.expiredLocked() {
		t.state = RollingBack
		t.mu.Unlock()
		_ = t.rollbackAll(ctx)
		t.mu.Lock()
		t.state = RolledBack
		t.mu.Unlock()
		metrics.TransactionsTotal.WithLabelValues("timeout").Inc()
		metrics.TransactionDuration.Observe(timeNow().Sub(t.CreatedAt).Seconds())
		return fmt.Errorf("tx: %s timed out after %s", t.ID, t.Timeout)
	}
	t.state = Preparing
	resources := append([]Resource(nil), t.enlisted...)
	t.mu.Unlock()

	for i, r := range resources {
		if err := r.Prepare(ctx); err != nil {
			t.mu.Lock()
			t.state = RollingBack
			t.mu.Unlock()
			t.rollbackN(ctx, resources)
			t.mu.Lock()
			t.state = RolledBack
			t.mu.Unlock()
			metrics.TransactionsTotal.WithLabelValues("rolledback").Inc()
			metrics.TransactionDuration.Observe(timeNow().Sub(t.CreatedAt).Seconds())
			return &PrepareFailedError{Resource: t.resourceName(i), Index: i, Cause: err}
		}
	}

	t.mu.Lock()
	t.state = Prepared
	t.state = Committing
	t.mu.Unlock()

	for i, r := range resources {
		if err := r.Commit(ctx); err != nil {
			t.mu.Lock()
			t.state = Failed
			t.mu.Unlock()
			metrics.TransactionsTotal.WithLabelValues("failed").Inc()
			metrics.TransactionDuration.Observe(timeNow().Sub(t.CreatedAt).Seconds())
			return fmt.Errorf("tx: %s commit failed on resource %s after prior resources committed (manual intervention required): %w",
				t.ID, t.resourceName(i), err)
		}
	}

	t.mu.Lock()
	t.state = Committed
	t.mu.Unlock()
	metrics.TransactionsTotal.WithLabelValues("committed").Inc()
	metrics.TransactionDuration.Observe(timeNow().Sub(t.CreatedAt).Seconds())
	log.WithComponent("tx").Debug().Str("tx_id", t.ID).Msg("committed")
	return nil
}

// Rollback discards the transaction's work across every enlisted
// resource. Safe to call from Active or Preparing.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return &InvalidStateError{Operation: "rollback", State: t.state}
	}
	t.state = RollingBack
	t.mu.Unlock()

	err := t.rollbackAll(ctx)

	t.mu.Lock()
	t.state = RolledBack
	t.mu.Unlock()
	metrics.TransactionsTotal.WithLabelValues("rolledback").Inc()
	metrics.TransactionDuration.Observe(timeNow().Sub(t.CreatedAt).Seconds())
	log.WithComponent("tx").Debug().Str("tx_id", t.ID).Msg("rolled back")
	return err
}

func (t *Transaction) rollbackAll(ctx context.Context) error {
	t.mu.Lock()
	resources := append([]Resource(nil), t.enlisted...)
	t.mu.Unlock()
	return t.rollbackN(ctx, resources)
}

// rollbackN rolls back the given resources without stopping on
// individual failures, so every resource gets a chance to discard its
// staged work; only the first failure is returned.
func (t *Transaction) rollbackN(ctx context.Context, resources []Resource) error {
	var firstErr error
	for i, r := range resources {
		if err := r.Rollback(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("resource %s: %w", t.resourceNameFor(r, i), err)
		}
	}
	return firstErr
}

func (t *Transaction) resourceNameFor(r Resource, i int) string {
	if n, ok := r.(Named); ok {
		return n.ResourceName()
	}
	return fmt.Sprintf("resource[%d]", i)
}

// Dispose releases the transaction's resources without committing or
// rolling back, for use after Commit/Rollback has already concluded.
// In any state it drops the enlistment list and savepoint stack and
// leaves the state unchanged; resources of an Active transaction are
// dropped without being rolled back.
func (t *Transaction) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enlisted = nil
	t.savepoints = nil
}

// CreateSavepoint marks a point every SavepointCapable enlisted
// resource can later roll back to, and remembers how many resources
// were enlisted so RollbackToSavepoint can also drop later enlistments
// (spec.md §4.8 "rolling back to a savepoint also un-enlists resources
// joined after it").
func (t *Transaction) CreateSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	if t.state != Active {
		state := t.state
		t.mu.Unlock()
		return &InvalidStateError{Operation: "create savepoint", State: state}
	}
	for _, sp := range t.savepoints {
		if sp.name == name {
			t.mu.Unlock()
			return fmt.Errorf("tx: savepoint %q already exists", name)
		}
	}
	resources := append([]Resource(nil), t.enlisted...)
	t.savepoints = append(t.savepoints, savepoint{name: name, enlistedCount: len(resources)})
	t.mu.Unlock()

	for i, r := range resources {
		sc, ok := r.(SavepointCapable)
		if !ok {
			continue
		}
		if err := sc.CreateSavepoint(ctx, name); err != nil {
			return fmt.Errorf("resource %s: %w", t.resourceName(i), err)
		}
	}
	return nil
}

// RollbackToSavepoint rolls every SavepointCapable resource back to
// name and un-enlists resources that joined afterward. The savepoint
// itself and every later one are discarded.
func (t *Transaction) RollbackToSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	if t.state != Active {
		state := t.state
		t.mu.Unlock()
		return &InvalidStateError{Operation: "rollback to savepoint", State: state}
	}
	idx := -1
	for i, sp := range t.savepoints {
		if sp.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return fmt.Errorf("tx: unknown savepoint %q", name)
	}
	frame := t.savepoints[idx]
	resources := append([]Resource(nil), t.enlisted[:frame.enlistedCount]...)
	t.enlisted = resources
	t.savepoints = t.savepoints[:idx]
	t.mu.Unlock()

	for i, r := range resources {
		sc, ok := r.(SavepointCapable)
		if !ok {
			continue
		}
		if err := sc.RollbackToSavepoint(ctx, name); err != nil {
			return fmt.Errorf("resource %s: %w", t.resourceName(i), err)
		}
	}
	return nil
}

// ReleaseSavepoint drops a savepoint without rolling back.
func (t *Transaction) ReleaseSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	if t.state != Active {
		state := t.state
		t.mu.Unlock()
		return &InvalidStateError{Operation: "release savepoint", State: state}
	}
	idx := -1
	for i, sp := range t.savepoints {
		if sp.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return fmt.Errorf("tx: unknown savepoint %q", name)
	}
	resources := append([]Resource(nil), t.enlisted...)
	t.savepoints = append(t.savepoints[:idx], t.savepoints[idx+1:]...)
	t.mu.Unlock()

	for i, r := range resources {
		sc, ok := r.(SavepointCapable)
		if !ok {
			continue
		}
		if err := sc.ReleaseSavepoint(ctx, name); err != nil {
			return fmt.Errorf("resource %s: %w", t.resourceName(i), err)
		}
	}
	return nil
}
