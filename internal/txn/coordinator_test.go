package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/store"
	"github.com/josephgoksu/taskgraph/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func task(id, name string) models.Task {
	return *models.NewTask("id-"+id, id, name)
}

// failingStore fails Save for one identity.
type failingStore struct {
	*store.SQLiteStore
	failOn string
}

func (f *failingStore) Save(ctx context.Context, t models.Task) error {
	if t.Identity() == f.failOn {
		return errors.New("disk full")
	}
	return f.SQLiteStore.Save(ctx, t)
}

type observer struct {
	mu         sync.Mutex
	saved      []string
	deleted    []string
	rolledBack []string
}

func (o *observer) Committed(saved []models.Task, deleted []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range saved {
		o.saved = append(o.saved, t.Identity())
	}
	o.deleted = append(o.deleted, deleted...)
}

func (o *observer) RolledBack(ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rolledBack = append(o.rolledBack, ids...)
}

func TestCommit_AppliesOpsAndNotifies(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.Create(ctx, task("old", "Old"))
	require.NoError(t, err)

	c := NewCoordinator(s, nil)
	obs := &observer{}
	c.AddObserver(obs)

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	assert.True(t, tx.IsEmpty())
	require.NoError(t, tx.AddSave(ctx, task("x", "X")))
	require.NoError(t, tx.AddSave(ctx, task("x", "X2")))
	require.NoError(t, tx.AddDelete(ctx, "old"))
	assert.Equal(t, []string{"x", "old"}, tx.AffectedIdentities())

	pending, ok, err := tx.Pending(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "X2", pending.Name)

	require.NoError(t, tx.Commit(ctx))

	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "X2", got.Name)
	_, err = s.Get(ctx, "old")
	assert.True(t, store.IsNotFound(err))
	assert.Equal(t, []string{"x"}, obs.saved)
	assert.Equal(t, []string{"old"}, obs.deleted)
}

func TestRollback_LeavesStorageUnchanged(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	existing, err := s.Create(ctx, task("y", "Original"))
	require.NoError(t, err)

	c := NewCoordinator(s, nil)
	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddSave(ctx, task("x", "X")))
	changed := existing
	changed.Name = "Changed"
	require.NoError(t, tx.AddSave(ctx, changed))
	require.NoError(t, tx.Rollback(ctx))

	_, err = s.Get(ctx, "x")
	assert.True(t, store.IsNotFound(err))
	got, err := s.Get(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, "Original", got.Name)
	assert.Equal(t, existing.Version, got.Version)
}

func TestCommitFailure_RollsBackEverything(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	existing, err := base.Create(ctx, task("a", "A"))
	require.NoError(t, err)

	s := &failingStore{SQLiteStore: base, failOn: "b"}
	c := NewCoordinator(s, nil)
	obs := &observer{}
	c.AddObserver(obs)

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	updated := existing
	updated.Name = "A2"
	require.NoError(t, tx.AddSave(ctx, updated))
	require.NoError(t, tx.AddSave(ctx, task("b", "B")))

	err = tx.Commit(ctx)
	var te *types.TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "commit", te.Op)
	assert.NoError(t, te.RollbackErr)

	got, err := base.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "A", got.Name)
	_, err = base.Get(ctx, "b")
	assert.True(t, store.IsNotFound(err))
	assert.Equal(t, []string{"a", "b"}, obs.rolledBack)
	assert.Empty(t, obs.saved)

	// The coordinator is free again.
	next, err := c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, next.Rollback(ctx))
}

func TestFinalizedTransactionRejectsCalls(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newStore(t), nil)

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.ErrorIs(t, tx.AddSave(ctx, task("x", "X")), ErrTransactionFinalized)
	assert.ErrorIs(t, tx.AddDelete(ctx, "x"), ErrTransactionFinalized)
	assert.ErrorIs(t, tx.Commit(ctx), ErrTransactionFinalized)
	assert.ErrorIs(t, tx.Rollback(ctx), ErrTransactionFinalized)
}

func TestBegin_FailsFastWhileActive(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(newStore(t), nil)

	tx, err := c.Begin(ctx)
	require.NoError(t, err)

	_, err = c.Begin(ctx)
	assert.ErrorIs(t, err, ErrTransactionActive)

	_, err = c.BeginTimeout(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTransactionActive)

	waited := make(chan error, 1)
	go func() {
		next, err := c.BeginWait(ctx)
		if err == nil {
			err = next.Rollback(ctx)
		}
		waited <- err
	}()

	require.NoError(t, tx.Rollback(ctx))
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("BeginWait did not acquire the released coordinator")
	}
}

func TestRun_CommitsOrRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c := NewCoordinator(s, nil)

	require.NoError(t, c.Run(ctx, func(tx *Transaction) error {
		return tx.AddSave(ctx, task("ok", "OK"))
	}))
	_, err := s.Get(ctx, "ok")
	assert.NoError(t, err)

	boom := errors.New("validation failed")
	err = c.Run(ctx, func(tx *Transaction) error {
		if err := tx.AddSave(ctx, task("nope", "Nope")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, "nope")
	assert.True(t, store.IsNotFound(err))
}
