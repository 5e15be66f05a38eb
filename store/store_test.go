package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		defer func() { _ = s.Close() }()
		fn(t, s)
	})
	t.Run("file-json", func(t *testing.T) {
		s, err := OpenFileStore(afero.NewMemMapFs(), "/data/tasks.json", "")
		require.NoError(t, err)
		defer func() { _ = s.Close() }()
		fn(t, s)
	})
	t.Run("file-yaml", func(t *testing.T) {
		s, err := OpenFileStore(afero.NewMemMapFs(), "/data/tasks.yaml", "")
		require.NoError(t, err)
		defer func() { _ = s.Close() }()
		fn(t, s)
	})
}

func newTask(path, parent string, deps ...string) models.Task {
	t := *models.NewTask("id-"+path, path, path)
	t.ParentPath = parent
	t.Dependencies = deps
	return t
}

func TestStore_CreateGetUpdate(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.Create(ctx, newTask("p/a", "p"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)

		_, err = s.Create(ctx, newTask("p/a", "p"))
		assert.ErrorIs(t, err, ErrAlreadyExists)

		got, err := s.Get(ctx, "p/a")
		require.NoError(t, err)
		assert.Equal(t, "p", got.ParentPath)

		got.Description = "changed"
		updated, err := s.Update(ctx, got)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		// A stale version is rejected.
		stale := got
		stale.Description = "stale"
		_, err = s.Update(ctx, stale)
		var ce *types.ConcurrencyError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, int64(1), ce.Expected)
		assert.Equal(t, int64(2), ce.Actual)

		_, err = s.Get(ctx, "missing")
		assert.True(t, IsNotFound(err))
	})
}

func TestStore_Queries(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, task := range []models.Task{
			newTask("proj", ""),
			newTask("proj/build", "proj"),
			newTask("proj/deploy", "proj", "proj/build"),
			newTask("proj/deploy/prod", "proj/deploy"),
			newTask("other", ""),
		} {
			_, err := s.Create(ctx, task)
			require.NoError(t, err)
		}

		children, err := s.GetChildren(ctx, "proj")
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Equal(t, "proj/build", children[0].Identity())

		matched, err := s.GetByPattern(ctx, "proj/*")
		require.NoError(t, err)
		assert.Len(t, matched, 2)

		deep, err := s.GetByPattern(ctx, "proj/**")
		require.NoError(t, err)
		assert.Len(t, deep, 4)

		pending, err := s.GetByStatus(ctx, models.StatusPending)
		require.NoError(t, err)
		assert.Len(t, pending, 5)

		page, err := s.List(ctx, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, page.TotalCount)
		assert.Len(t, page.Tasks, 2)
		assert.True(t, page.HasMore())

		n, err := s.DeleteMany(ctx, []string{"other", "nope"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.ErrorIs(t, s.Delete(ctx, "other"), ErrNotFound)
	})
}

func TestStore_TransactionRollbackAndCommit(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Create(ctx, newTask("a", ""))
		require.NoError(t, err)

		require.NoError(t, s.BeginTransaction(ctx))
		assert.ErrorIs(t, s.BeginTransaction(ctx), ErrTransactionActive)
		require.NoError(t, s.Save(ctx, newTask("b", "")))
		require.NoError(t, s.Delete(ctx, "a"))
		require.NoError(t, s.Rollback(ctx))

		_, err = s.Get(ctx, "a")
		assert.NoError(t, err)
		_, err = s.Get(ctx, "b")
		assert.True(t, IsNotFound(err))

		require.NoError(t, s.BeginTransaction(ctx))
		require.NoError(t, s.Save(ctx, newTask("b", "")))
		require.NoError(t, s.Commit(ctx))
		_, err = s.Get(ctx, "b")
		assert.NoError(t, err)

		assert.ErrorIs(t, s.Commit(ctx), ErrNoTransaction)
	})
}

func TestStore_GraphOperations(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutEntity(ctx, models.Entity{Label: "project", Identity: "alpha", Properties: map[string]any{"name": "Alpha"}}))
		_, err := s.Create(ctx, newTask("alpha/t1", ""))
		require.NoError(t, err)

		require.NoError(t, s.Relate(ctx, models.Relationship{
			StartIdentity: "alpha/t1", EndIdentity: "alpha", Type: models.RelBelongsTo,
		}))
		err = s.Relate(ctx, models.Relationship{StartIdentity: "alpha/t1", EndIdentity: "ghost", Type: models.RelBelongsTo})
		assert.ErrorIs(t, err, ErrEndpointNotFound)

		labels, err := s.Labels(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Project", "Task"}, labels)

		rels, err := s.Relationships(ctx)
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, "Task", rels[0].StartLabel)
		assert.Equal(t, "Project", rels[0].EndLabel)

		// Deleting an endpoint removes its relationships.
		require.NoError(t, s.Delete(ctx, "alpha/t1"))
		rels, err = s.Relationships(ctx)
		require.NoError(t, err)
		assert.Empty(t, rels)

		require.NoError(t, s.Clear(ctx))
		labels, err = s.Labels(ctx)
		require.NoError(t, err)
		assert.Empty(t, labels)
	})
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	s, err := OpenFileStore(fs, "/data/tasks.json", "json")
	require.NoError(t, err)
	_, err = s.Create(ctx, newTask("a", ""))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenFileStore(fs, "/data/tasks.json", "json")
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)
	assert.NoError(t, reopened.Checkpoint(ctx))
}

func TestFileStore_DetectsTampering(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	s, err := OpenFileStore(fs, "/data/tasks.json", "json")
	require.NoError(t, err)
	_, err = s.Create(ctx, newTask("a", ""))
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fs, "/data/tasks.json", []byte(`{"nextId":1}`), 0o644))
	assert.Error(t, s.Checkpoint(ctx))

	_, err = OpenFileStore(fs, "/data/tasks.json", "json")
	assert.Error(t, err)
}

func TestFileStore_LocksDataFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	s, err := OpenFileStore(afero.NewOsFs(), path, "")
	require.NoError(t, err)

	_, err = OpenFileStore(afero.NewOsFs(), path, "")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.Close())
	again, err := OpenFileStore(afero.NewOsFs(), path, "")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestFileStore_RejectsUnknownFormat(t *testing.T) {
	_, err := OpenFileStore(afero.NewMemMapFs(), "/data/tasks.toml", "toml")
	assert.Error(t, err)
}

func TestStore_ClosedHandle(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = s.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, identity string
		want              bool
	}{
		{"proj/*", "proj/a", true},
		{"proj/*", "proj/a/b", false},
		{"proj/**", "proj/a/b", true},
		{"proj/**/deploy", "proj/deploy", true},
		{"proj/**/deploy", "proj/x/y/deploy", true},
		{"proj/**/deploy", "proj/x/y/build", false},
		{"p?oj", "proj", true},
		{"proj", "proj/a", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.identity); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.identity, got, tt.want)
		}
	}
}

func TestWrapErrClassifiesTransient(t *testing.T) {
	err := wrapErr("save", "a", errors.New("database is locked (5) (SQLITE_BUSY)"))
	assert.True(t, types.IsTransient(err))

	err = wrapErr("save", "a", errors.New("constraint failed"))
	assert.False(t, types.IsTransient(err))
	assert.Equal(t, types.KindStorage, types.KindOf(err))

	assert.ErrorIs(t, wrapErr("get", "a", ErrNotFound), ErrNotFound)
}
