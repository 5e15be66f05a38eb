package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/josephgoksu/taskgraph/internal/batch"
	"github.com/josephgoksu/taskgraph/internal/cache"
	"github.com/josephgoksu/taskgraph/internal/events"
	"github.com/josephgoksu/taskgraph/internal/txn"
	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/store"
	"github.com/josephgoksu/taskgraph/types"
)

// DeleteOptions controls DeleteTask.
type DeleteOptions struct {
	// Recursive deletes descendants too. Without it a task with children is kept.
	Recursive bool
	// Force deletes even when other tasks depend on the target; the deleted
	// identities are stripped from those tasks' dependency lists.
	Force bool
}

// Deps are the collaborators of a Manager. Nil fields get defaults built
// from Store.
type Deps struct {
	Store         store.Store
	Cache         *cache.Cache
	Coordinator   *txn.Coordinator
	Validator     *Validator
	Batch         batch.Options
	// BatchRecorder receives per-item outcomes of BulkCreate runs.
	BatchRecorder batch.Recorder
	Publisher     events.Publisher
	Logger        *slog.Logger
	// WaitTimeout bounds how long a mutation waits for the transaction slot.
	// Zero means DefaultWaitTimeout.
	WaitTimeout   time.Duration
}

// DefaultWaitTimeout applies when Deps.WaitTimeout is zero.
const DefaultWaitTimeout = 5 * time.Second

// Manager is the narrow task contract consumed by protocol layers. It
// composes validation, the cache, transactions and the batch processor over
// one storage handle.
type Manager struct {
	store       store.Store
	cache       *cache.Cache
	coord       *txn.Coordinator
	validator   *Validator
	batch       *batch.Processor[bulkItem]
	publisher   events.Publisher
	logger      *slog.Logger
	waitTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

// NewManager wires a Manager and registers it as the coordinator's observer
// so the cache follows every commit and rollback.
func NewManager(d Deps) *Manager {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		store:       d.Store,
		cache:       d.Cache,
		coord:       d.Coordinator,
		validator:   d.Validator,
		batch:       batch.New[bulkItem](d.Batch, logger),
		publisher:   d.Publisher,
		logger:      logger.With("component", "task"),
		waitTimeout: d.WaitTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	if m.cache == nil {
		m.cache = cache.New(cache.Options{})
	}
	if m.coord == nil {
		m.coord = txn.NewCoordinator(d.Store, logger)
	}
	if m.validator == nil {
		m.validator = NewValidator(types.ValidationConfig{})
	}
	if d.BatchRecorder != nil {
		m.batch.WithRecorder(d.BatchRecorder)
	}
	if m.waitTimeout <= 0 {
		m.waitTimeout = DefaultWaitTimeout
	}
	if m.publisher == nil {
		m.publisher = events.Nop{}
	}
	m.coord.AddObserver(cacheSync{m.cache})
	return m
}

// Cache exposes the manager's cache for metrics and shutdown.
func (m *Manager) Cache() *cache.Cache { return m.cache }

// cacheSync keeps the cache in lock-step with committed storage state.
type cacheSync struct{ c *cache.Cache }

func (s cacheSync) Committed(saved []models.Task, deleted []string) {
	for _, t := range saved {
		if err := s.c.Set(t); err != nil {
			s.c.Delete(t.Identity())
		}
	}
	for _, id := range deleted {
		s.c.Delete(id)
	}
}

func (s cacheSync) RolledBack(identities []string) {
	for _, id := range identities {
		s.c.Delete(id)
	}
}

// txLookup resolves tasks through the open transaction so the validator sees
// pending writes. The first storage error is kept and surfaced by the caller.
type txLookup struct {
	ctx   context.Context
	tx    *txn.Transaction
	store store.TaskStore
	err   error
}

func (l *txLookup) Get(identity string) (models.Task, bool) {
	t, ok, err := l.tx.Pending(l.ctx, identity)
	if err != nil && l.err == nil {
		l.err = err
	}
	return t, ok
}

func (l *txLookup) ChildCount(parent string) int {
	children, err := l.store.GetChildren(l.ctx, parent)
	if err != nil && l.err == nil {
		l.err = err
	}
	return len(children)
}

// storeLookup reads committed state directly.
type storeLookup struct {
	ctx   context.Context
	store store.TaskStore
	err   error
}

func (l *storeLookup) Get(identity string) (models.Task, bool) {
	t, err := l.store.Get(l.ctx, identity)
	if err != nil {
		if !store.IsNotFound(err) && l.err == nil {
			l.err = err
		}
		return models.Task{}, false
	}
	return t, true
}

func (l *storeLookup) ChildCount(parent string) int {
	children, err := l.store.GetChildren(l.ctx, parent)
	if err != nil && l.err == nil {
		l.err = err
	}
	return len(children)
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (m *Manager) inTx(ctx context.Context, fn func(tx *txn.Transaction) error) error {
	tx, err := m.coord.BeginTimeout(ctx, m.waitTimeout)
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

func (m *Manager) checkViolations(identity string, violations []types.Violation) error {
	for _, v := range violations {
		if v.Severity == types.SeverityWarning {
			m.logger.Warn("validation warning", "identity", identity, "code", v.Code, "message", v.Message)
		}
	}
	if verr := types.ValidationErrorFrom(violations); verr != nil {
		return verr
	}
	return nil
}

// prepare normalizes a new task and checks its struct tags.
func (m *Manager) prepare(t models.Task) (models.Task, error) {
	t = t.Clone()
	t.Normalize()
	if t.ID == "" {
		t.ID = m.newID()
	}
	now := m.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Version = 1
	t.Subtasks = nil
	if err := models.ValidateStruct(t); err != nil {
		return t, types.NewValidationError(types.CodeInvalidField, t.Identity(), err.Error())
	}
	return t, nil
}

func (m *Manager) publish(topic string, t models.Task) {
	m.publisher.Publish(topic, events.TaskEvent{Identity: t.Identity(), Version: t.Version, Status: string(t.Status)})
}

// CreateTask validates and stores a new task, appending it to its parent's
// subtasks in the same transaction.
func (m *Manager) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	t, err := m.prepare(t)
	if err != nil {
		return models.Task{}, err
	}
	var parent *models.Task
	err = m.inTx(ctx, func(tx *txn.Transaction) error {
		var perr error
		parent, perr = m.createInTx(ctx, tx, t)
		return perr
	})
	if err != nil {
		return models.Task{}, err
	}
	m.publish(events.TopicTaskCreated, t)
	if parent != nil {
		m.publish(events.TopicTaskUpdated, *parent)
	}
	m.logger.Debug("task created", "identity", t.Identity())
	return t, nil
}

func (m *Manager) createInTx(ctx context.Context, tx *txn.Transaction, t models.Task) (*models.Task, error) {
	id := t.Identity()
	lk := &txLookup{ctx: ctx, tx: tx, store: m.store}
	if _, exists := lk.Get(id); exists {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrAlreadyExists)
	}
	violations := m.validator.ValidateTask(t, lk)
	if lk.err != nil {
		return nil, lk.err
	}
	if err := m.checkViolations(id, violations); err != nil {
		return nil, err
	}

	var parent *models.Task
	if t.ParentPath != "" {
		p, ok := lk.Get(t.ParentPath)
		if !ok {
			return nil, types.NewValidationError(types.CodeParentNotFound, id, fmt.Sprintf("parent %s does not exist", t.ParentPath))
		}
		p.AddSubtask(id)
		p.Touch(m.now())
		if err := tx.AddSave(ctx, p); err != nil {
			return nil, err
		}
		parent = &p
	}
	if err := tx.AddSave(ctx, t); err != nil {
		return nil, err
	}
	return parent, nil
}

// GetTask returns a task, reading through the cache.
func (m *Manager) GetTask(ctx context.Context, identity string) (models.Task, error) {
	return m.cache.GetOrLoad(ctx, identity, m.store.Get)
}

// UpdateTask replaces a task when task.Version matches the stored version.
// Moving a task to a new parent updates both parents' subtask lists.
func (m *Manager) UpdateTask(ctx context.Context, t models.Task) (models.Task, error) {
	t = t.Clone()
	t.Normalize()
	id := t.Identity()
	var updated models.Task
	var touched []models.Task
	err := m.inTx(ctx, func(tx *txn.Transaction) error {
		lk := &txLookup{ctx: ctx, tx: tx, store: m.store}
		stored, ok := lk.Get(id)
		if lk.err != nil {
			return lk.err
		}
		if !ok {
			return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		if t.Version != stored.Version {
			return &types.ConcurrencyError{Identity: id, Expected: t.Version, Actual: stored.Version}
		}
		if t.ID == "" {
			t.ID = stored.ID
		}
		t.CreatedAt = stored.CreatedAt
		t.Subtasks = stored.Subtasks
		if err := models.ValidateStruct(t); err != nil {
			return types.NewValidationError(types.CodeInvalidField, id, err.Error())
		}

		violations := m.validator.ValidateTask(t, lk)
		if lk.err != nil {
			return lk.err
		}
		if err := m.checkViolations(id, violations); err != nil {
			return err
		}

		now := m.now()
		if stored.ParentPath != t.ParentPath {
			if stored.ParentPath != "" {
				if old, ok := lk.Get(stored.ParentPath); ok {
					old.RemoveSubtask(id)
					old.Touch(now)
					if err := tx.AddSave(ctx, old); err != nil {
						return err
					}
					touched = append(touched, old)
				}
			}
			if t.ParentPath != "" {
				np, ok := lk.Get(t.ParentPath)
				if !ok {
					return types.NewValidationError(types.CodeParentNotFound, id, fmt.Sprintf("parent %s does not exist", t.ParentPath))
				}
				np.AddSubtask(id)
				np.Touch(now)
				if err := tx.AddSave(ctx, np); err != nil {
					return err
				}
				touched = append(touched, np)
			}
		}
		t.Touch(now)
		updated = t
		return tx.AddSave(ctx, t)
	})
	if err != nil {
		return models.Task{}, err
	}
	m.publish(events.TopicTaskUpdated, updated)
	for _, p := range touched {
		m.publish(events.TopicTaskUpdated, p)
	}
	return updated, nil
}

// UpdateStatus sets the status of the current version of a task.
func (m *Manager) UpdateStatus(ctx context.Context, identity string, status models.TaskStatus) (models.Task, error) {
	current, err := m.store.Get(ctx, identity)
	if err != nil {
		return models.Task{}, err
	}
	current.Status = status
	return m.UpdateTask(ctx, current)
}

// DeleteTask removes a task and returns the deleted identities, deepest
// descendants first.
func (m *Manager) DeleteTask(ctx context.Context, identity string, opts DeleteOptions) ([]string, error) {
	var deleted []string
	var touched []models.Task
	err := m.inTx(ctx, func(tx *txn.Transaction) error {
		target, err := m.store.Get(ctx, identity)
		if err != nil {
			return err
		}
		descendants, err := m.descendants(ctx, identity)
		if err != nil {
			return err
		}
		if len(descendants) > 0 && !opts.Recursive {
			return types.NewValidationError(types.CodeHasChildren, identity,
				fmt.Sprintf("task %s has %d descendants; delete recursively", identity, len(descendants)))
		}

		doomed := make(map[string]bool, len(descendants)+1)
		doomed[identity] = true
		for _, d := range descendants {
			doomed[d] = true
		}

		all, err := m.store.List(ctx, 0, 0)
		if err != nil {
			return err
		}
		var dependents []models.Task
		for _, t := range all.Tasks {
			if doomed[t.Identity()] {
				continue
			}
			if slices.ContainsFunc(t.Dependencies, func(d string) bool { return doomed[d] }) {
				dependents = append(dependents, t)
			}
		}
		if len(dependents) > 0 && !opts.Force {
			ids := make([]string, 0, len(dependents))
			for _, t := range dependents {
				ids = append(ids, t.Identity())
			}
			verr := types.NewValidationError(types.CodeHasDependents, identity,
				fmt.Sprintf("%d tasks depend on %s; use force to delete anyway", len(dependents), identity))
			verr.Violations[0].Related = ids
			return verr
		}

		now := m.now()
		for _, t := range dependents {
			t.Dependencies = slices.DeleteFunc(t.Dependencies, func(d string) bool { return doomed[d] })
			t.Touch(now)
			if err := tx.AddSave(ctx, t); err != nil {
				return err
			}
			touched = append(touched, t)
		}
		if target.ParentPath != "" && !doomed[target.ParentPath] {
			if p, err := m.store.Get(ctx, target.ParentPath); err == nil {
				p.RemoveSubtask(identity)
				p.Touch(now)
				if err := tx.AddSave(ctx, p); err != nil {
					return err
				}
				touched = append(touched, p)
			} else if !store.IsNotFound(err) {
				return err
			}
		}

		for i := len(descendants) - 1; i >= 0; i-- {
			if err := tx.AddDelete(ctx, descendants[i]); err != nil {
				return err
			}
			deleted = append(deleted, descendants[i])
		}
		if err := tx.AddDelete(ctx, identity); err != nil {
			return err
		}
		deleted = append(deleted, identity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range deleted {
		m.publisher.Publish(events.TopicTaskDeleted, events.TaskEvent{Identity: id})
	}
	for _, t := range touched {
		m.publish(events.TopicTaskUpdated, t)
	}
	return deleted, nil
}

// descendants returns every descendant of identity in breadth-first order.
// Revisits are skipped so a corrupt hierarchy cannot loop forever.
func (m *Manager) descendants(ctx context.Context, identity string) ([]string, error) {
	var out []string
	seen := map[string]bool{identity: true}
	queue := []string{identity}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := m.store.GetChildren(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			id := c.Identity()
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
			queue = append(queue, id)
		}
	}
	return out, nil
}

// ListChildren returns the direct children of parent.
func (m *Manager) ListChildren(ctx context.Context, parent string) ([]models.Task, error) {
	return m.store.GetChildren(ctx, parent)
}

// FindByPattern returns tasks whose identity matches a glob pattern.
func (m *Manager) FindByPattern(ctx context.Context, pattern string) ([]models.Task, error) {
	return m.store.GetByPattern(ctx, pattern)
}

// FindByStatus returns tasks in status.
func (m *Manager) FindByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	return m.store.GetByStatus(ctx, status)
}

// List returns one page of tasks.
func (m *Manager) List(ctx context.Context, offset, limit int) (models.TaskPage, error) {
	return m.store.List(ctx, offset, limit)
}

// bulkItem orders a batch entry after its dependencies and, when the parent
// is part of the same batch, after its parent.
type bulkItem struct {
	models.Task
	deps []string
}

func (b bulkItem) DependencyIDs() []string { return b.deps }

// BulkCreate validates tasks as one set, then creates them in dependency
// order, each in its own transaction. A structural problem (cycle, invalid
// reference) rejects the whole batch before anything is written.
func (m *Manager) BulkCreate(ctx context.Context, tasks []models.Task, chunkSize int, progress batch.ProgressFunc) (batch.Result, error) {
	prepared := make([]models.Task, 0, len(tasks))
	var invalid []types.Violation
	for _, t := range tasks {
		p, err := m.prepare(t)
		if err != nil {
			var verr *types.ValidationError
			if errors.As(err, &verr) {
				invalid = append(invalid, verr.Violations...)
				continue
			}
			return batch.Result{}, err
		}
		prepared = append(prepared, p)
	}
	if verr := types.ValidationErrorFrom(invalid); verr != nil {
		return batch.Result{}, verr
	}

	// Forward references inside the batch resolve through the overlay, so
	// only identities missing from both the batch and storage are reported.
	lk := &storeLookup{ctx: ctx, store: m.store}
	violations := m.validator.ValidateBatch(prepared, lk)
	if lk.err != nil {
		return batch.Result{}, lk.err
	}
	if err := m.checkViolations("", violations); err != nil {
		return batch.Result{}, err
	}

	inBatch := make(map[string]bool, len(prepared))
	for _, t := range prepared {
		inBatch[t.Identity()] = true
	}
	items := make([]bulkItem, 0, len(prepared))
	for _, t := range prepared {
		deps := slices.Clone(t.Dependencies)
		if inBatch[t.ParentPath] && !slices.Contains(deps, t.ParentPath) {
			deps = append(deps, t.ParentPath)
		}
		items = append(items, bulkItem{Task: t, deps: deps})
	}

	res, err := m.batch.Process(ctx, items, chunkSize, func(ctx context.Context, it bulkItem) error {
		_, err := m.CreateTask(ctx, it.Task)
		return err
	}, progress)
	m.logger.Info("bulk create finished",
		"items", len(prepared), "processed", res.Processed, "failed", res.Failed,
		"blocked", res.Blocked, "skipped", res.Skipped)
	return res, err
}

// ValidateAll runs every rule over the stored task set.
func (m *Manager) ValidateAll(ctx context.Context) ([]types.Violation, error) {
	page, err := m.store.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	return m.validator.ValidateGraph(NewGraph(page.Tasks)), nil
}

// Maintain runs vacuum and checkpoint. Errors are logged, never returned.
func (m *Manager) Maintain(ctx context.Context) {
	if err := m.store.Vacuum(ctx); err != nil {
		m.logger.Warn("vacuum failed", "error", err)
	}
	if err := m.store.Checkpoint(ctx); err != nil {
		m.logger.Warn("checkpoint failed", "error", err)
	}
}
