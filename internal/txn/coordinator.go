// Package txn buffers multi-step task mutations and applies them atomically,
// restoring pre-transaction state when anything fails.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/store"
	"github.com/josephgoksu/taskgraph/types"
)

var (
	// ErrTransactionActive is returned by Begin while another transaction is open.
	ErrTransactionActive = errors.New("a transaction is already active")
	// ErrTransactionFinalized is returned by any call after Commit or Rollback.
	ErrTransactionFinalized = errors.New("transaction already finalized")
)

// Storage is the part of the Storage Port the coordinator needs.
type Storage interface {
	Get(ctx context.Context, identity string) (models.Task, error)
	Save(ctx context.Context, task models.Task) error
	Delete(ctx context.Context, identity string) error
	BeginTransaction(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Observer is told about finalized transactions.
type Observer interface {
	Committed(saved []models.Task, deleted []string)
	RolledBack(identities []string)
}

// Recorder counts commits and rollbacks.
type Recorder interface {
	RecordTransaction(ctx context.Context, outcome string)
}

type opKind int

const (
	opSave opKind = iota
	opDelete
)

type op struct {
	kind     opKind
	identity string
	task     models.Task
}

type preImage struct {
	task    models.Task
	existed bool
}

// Coordinator hands out at most one open Transaction at a time.
type Coordinator struct {
	storage   Storage
	slot      chan struct{}
	observers []Observer
	recorder  Recorder
	logger    *slog.Logger
}

// NewCoordinator creates a coordinator over storage.
func NewCoordinator(storage Storage, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		storage: storage,
		slot:    make(chan struct{}, 1),
		logger:  logger.With("component", "txn"),
	}
}

// AddObserver registers o. Not safe to call while transactions are running.
func (c *Coordinator) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// WithRecorder attaches a metrics recorder.
func (c *Coordinator) WithRecorder(r Recorder) *Coordinator {
	c.recorder = r
	return c
}

// Begin opens a transaction or fails fast with ErrTransactionActive.
func (c *Coordinator) Begin(_ context.Context) (*Transaction, error) {
	select {
	case c.slot <- struct{}{}:
		return c.newTransaction(), nil
	default:
		return nil, ErrTransactionActive
	}
}

// BeginWait blocks until the coordinator is free or ctx ends.
func (c *Coordinator) BeginWait(ctx context.Context) (*Transaction, error) {
	select {
	case c.slot <- struct{}{}:
		return c.newTransaction(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for transaction: %w", ctx.Err())
	}
}

// BeginTimeout waits up to d; zero behaves like Begin.
func (c *Coordinator) BeginTimeout(ctx context.Context, d time.Duration) (*Transaction, error) {
	if d <= 0 {
		return c.Begin(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	tx, err := c.BeginWait(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %w", ErrTransactionActive, err)
	}
	return tx, err
}

// Run executes fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (c *Coordinator) Run(ctx context.Context, fn func(tx *Transaction) error) error {
	tx, err := c.BeginWait(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (c *Coordinator) newTransaction() *Transaction {
	return &Transaction{
		coord:     c,
		preImages: make(map[string]preImage),
	}
}

func (c *Coordinator) release() {
	<-c.slot
}

func (c *Coordinator) record(ctx context.Context, outcome string) {
	if c.recorder != nil {
		c.recorder.RecordTransaction(ctx, outcome)
	}
}

// Transaction is an ordered op log plus first-touch pre-images.
type Transaction struct {
	mu        sync.Mutex
	coord     *Coordinator
	ops       []op
	preImages map[string]preImage
	touched   []string
	finalized bool
}

// capture records the persisted state of identity the first time it is touched.
func (t *Transaction) capture(ctx context.Context, identity string) error {
	if _, ok := t.preImages[identity]; ok {
		return nil
	}
	current, err := t.coord.storage.Get(ctx, identity)
	switch {
	case err == nil:
		t.preImages[identity] = preImage{task: current, existed: true}
	case store.IsNotFound(err):
		t.preImages[identity] = preImage{existed: false}
	default:
		return fmt.Errorf("snapshot %s: %w", identity, err)
	}
	t.touched = append(t.touched, identity)
	return nil
}

// AddSave queues a write of task.
func (t *Transaction) AddSave(ctx context.Context, task models.Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return ErrTransactionFinalized
	}
	id := task.Identity()
	if err := t.capture(ctx, id); err != nil {
		return err
	}
	t.ops = append(t.ops, op{kind: opSave, identity: id, task: task.Clone()})
	return nil
}

// AddDelete queues removal of identity.
func (t *Transaction) AddDelete(ctx context.Context, identity string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return ErrTransactionFinalized
	}
	if err := t.capture(ctx, identity); err != nil {
		return err
	}
	t.ops = append(t.ops, op{kind: opDelete, identity: identity})
	return nil
}

// Pending returns the task as this transaction would leave it: the last
// queued save, or the persisted state when untouched. The bool is false when
// the task does not exist (or is queued for deletion).
func (t *Transaction) Pending(ctx context.Context, identity string) (models.Task, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return models.Task{}, false, ErrTransactionFinalized
	}
	for i := len(t.ops) - 1; i >= 0; i-- {
		if t.ops[i].identity != identity {
			continue
		}
		if t.ops[i].kind == opDelete {
			return models.Task{}, false, nil
		}
		return t.ops[i].task.Clone(), true, nil
	}
	current, err := t.coord.storage.Get(ctx, identity)
	if store.IsNotFound(err) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, err
	}
	return current, true, nil
}

// IsEmpty reports whether no operation has been queued.
func (t *Transaction) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops) == 0
}

// AffectedIdentities lists touched identities in first-touch order.
func (t *Transaction) AffectedIdentities() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.touched...)
}

// Commit flushes the op log inside one storage transaction. On failure the
// storage transaction is rolled back, pre-images are replayed and a
// *types.TransactionError is returned.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return ErrTransactionFinalized
	}
	t.finalized = true
	defer t.coord.release()

	if len(t.ops) == 0 {
		t.coord.record(ctx, "commit")
		return nil
	}

	s := t.coord.storage
	if err := s.BeginTransaction(ctx); err != nil {
		t.coord.record(ctx, "rollback")
		t.notifyRolledBack()
		return &types.TransactionError{Op: "begin", Err: err}
	}

	saved, deleted, err := t.flush(ctx)
	if err == nil {
		if err = s.Commit(ctx); err != nil {
			err = fmt.Errorf("commit storage transaction: %w", err)
		}
	}
	if err != nil {
		t.coord.logger.Warn("commit failed; rolling back", "ops", len(t.ops), "error", err)
		var rbErrs []error
		if rbErr := s.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, store.ErrNoTransaction) {
			rbErrs = append(rbErrs, rbErr)
		}
		if rbErr := t.replay(ctx); rbErr != nil {
			rbErrs = append(rbErrs, rbErr)
		}
		t.coord.record(ctx, "rollback")
		t.notifyRolledBack()
		return &types.TransactionError{Op: "commit", Err: err, RollbackErr: errors.Join(rbErrs...)}
	}

	t.coord.record(ctx, "commit")
	for _, o := range t.coord.observers {
		o.Committed(saved, deleted)
	}
	t.coord.logger.Debug("transaction committed", "saved", len(saved), "deleted", len(deleted))
	return nil
}

// flush applies the op log and returns the final state per identity.
func (t *Transaction) flush(ctx context.Context) ([]models.Task, []string, error) {
	s := t.coord.storage
	final := make(map[string]*op, len(t.touched))
	for i := range t.ops {
		o := &t.ops[i]
		switch o.kind {
		case opSave:
			if err := s.Save(ctx, o.task); err != nil {
				return nil, nil, fmt.Errorf("save %s: %w", o.identity, err)
			}
		case opDelete:
			if err := s.Delete(ctx, o.identity); err != nil && !store.IsNotFound(err) {
				return nil, nil, fmt.Errorf("delete %s: %w", o.identity, err)
			}
		}
		final[o.identity] = o
	}

	var saved []models.Task
	var deleted []string
	for _, id := range t.touched {
		o := final[id]
		if o.kind == opSave {
			saved = append(saved, o.task.Clone())
		} else {
			deleted = append(deleted, id)
		}
	}
	return saved, deleted, nil
}

// Rollback discards the op log and restores pre-images in reverse touch
// order. Failures are joined and returned; restored identities stay restored.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return ErrTransactionFinalized
	}
	t.finalized = true
	defer t.coord.release()

	err := t.replay(ctx)
	t.coord.record(ctx, "rollback")
	t.notifyRolledBack()
	if err != nil {
		return &types.TransactionError{Op: "rollback", Err: err}
	}
	return nil
}

// replay writes every pre-image back. Nothing has been flushed for a plain
// Rollback, so this only changes storage after a failed Commit.
func (t *Transaction) replay(ctx context.Context) error {
	s := t.coord.storage
	var errs []error
	for i := len(t.touched) - 1; i >= 0; i-- {
		id := t.touched[i]
		pre := t.preImages[id]
		if pre.existed {
			if err := s.Save(ctx, pre.task); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
			}
			continue
		}
		if err := s.Delete(ctx, id); err != nil && !store.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transaction) notifyRolledBack() {
	ids := append([]string(nil), t.touched...)
	for _, o := range t.coord.observers {
		o.RolledBack(ids)
	}
}
