package backup

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/josephgoksu/taskgraph/internal/events"
	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/store"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	fs     afero.Fs
	store  *store.FileStore
	engine *Engine
	bus    *events.Bus
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := store.OpenFileStore(fs, "/data/tasks.json", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	if opts.Dir == "" {
		opts.Dir = "/backups"
	}
	bus := events.New()
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := NewEngine(fs, s, opts, WithClock(c.now), WithPublisher(bus))
	return &fixture{fs: fs, store: s, engine: e, bus: bus}
}

// seed stores 2 projects, 3 tasks and 1 relationship.
func seed(t *testing.T, s *store.FileStore) {
	t.Helper()
	ctx := context.Background()
	for _, p := range []string{"alpha", "beta"} {
		require.NoError(t, s.PutEntity(ctx, models.Entity{
			Label:      "project",
			Identity:   p,
			Properties: map[string]any{"name": p, "owner": "ops"},
		}))
	}
	for _, path := range []string{"alpha/build", "alpha/test", "beta/deploy"} {
		_, err := s.Create(ctx, *models.NewTask("", path, "Task "+path))
		require.NoError(t, err)
	}
	require.NoError(t, s.Relate(ctx, models.Relationship{
		StartIdentity: "alpha/build",
		StartLabel:    models.LabelTask,
		EndIdentity:   "alpha",
		EndLabel:      models.LabelProject,
		Type:          models.RelBelongsTo,
		Properties:    map[string]any{"weight": 1.0},
	}))
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxSnapshots: 3})
	seed(t, f.store)

	sub := f.bus.Subscribe("backup.")
	defer f.bus.Unsubscribe(sub)

	dir, err := f.engine.Export(ctx)
	require.NoError(t, err)

	for _, name := range []string{"Project.json", "Task.json", RelationshipsFile, FullExportFile} {
		ok, err := afero.Exists(f.fs, filepath.Join(dir, name))
		require.NoError(t, err)
		assert.True(t, ok, name)
	}

	data, err := afero.ReadFile(f.fs, filepath.Join(dir, FullExportFile))
	require.NoError(t, err)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 5, snap.EntityCount())
	assert.Len(t, snap.Relationships, 1)
	assert.NotContains(t, string(data), `"startId"`, "internal ids never reach a backup")

	require.NoError(t, f.store.Clear(ctx))
	labels, err := f.store.Labels(ctx)
	require.NoError(t, err)
	assert.Empty(t, labels)

	res, err := f.engine.Import(ctx, filepath.Base(dir))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Project": 2, "Task": 3}, res.Entities)
	assert.Equal(t, 1, res.Relationships)
	assert.Empty(t, res.EntityFailures)
	assert.Empty(t, res.RelationshipFailures)

	projects, err := f.store.Entities(ctx, models.LabelProject)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "alpha", projects[0].Identity)
	assert.Equal(t, "ops", projects[0].Properties["owner"])

	got, err := f.store.Get(ctx, "beta/deploy")
	require.NoError(t, err)
	assert.Equal(t, "Task beta/deploy", got.Name)

	rels, err := f.store.Relationships(ctx)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "alpha/build", rels[0].StartIdentity)
	assert.Equal(t, "alpha", rels[0].EndIdentity)
	assert.Equal(t, models.RelBelongsTo, rels[0].Type)

	var topics []string
	for len(topics) < 2 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatalf("missing backup events, got %v", topics)
		}
	}
	assert.Equal(t, []string{events.TopicBackupExported, events.TopicBackupImported}, topics)
}

func TestImport_FallsBackToPerLabelFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	seed(t, f.store)

	dir, err := f.engine.Export(ctx)
	require.NoError(t, err)
	require.NoError(t, f.fs.Remove(filepath.Join(dir, FullExportFile)))

	res, err := f.engine.Import(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 5, res.EntityTotal())
	assert.Equal(t, 1, res.Relationships)
}

func TestImport_UnmatchedRelationshipIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{RelationshipBatchSize: 1})
	dir := "/backups/manual"
	require.NoError(t, f.fs.MkdirAll(dir, 0o755))
	snap := models.Snapshot{
		Version: models.SnapshotFormatVersion,
		Entities: map[string][]map[string]any{
			"Project": {{"identity": "alpha", "name": "Alpha"}},
		},
		Relationships: []models.Relationship{
			{StartIdentity: "ghost", EndIdentity: "alpha", Type: models.RelBelongsTo},
		},
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(f.fs, filepath.Join(dir, FullExportFile), data, 0o644))

	res, err := f.engine.Import(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entities["Project"])
	assert.Equal(t, 0, res.Relationships)
	require.Len(t, res.RelationshipFailures, 1)
	assert.Equal(t, "ghost", res.RelationshipFailures[0].Relationship.StartIdentity)
}

func TestImport_RejectsPathsOutsideRoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	seed(t, f.store)

	for _, p := range []string{"../data", "/data", "/backups", "/backups/../etc"} {
		_, err := f.engine.Import(ctx, p)
		assert.ErrorIs(t, err, ErrOutsideRoot, p)
	}
	// The store was not cleared.
	labels, err := f.store.Labels(ctx)
	require.NoError(t, err)
	assert.Len(t, labels, 2)
}

func TestExport_RotatesToMaxSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxSnapshots: 2})
	seed(t, f.store)

	var dirs []string
	for i := 0; i < 4; i++ {
		dir, err := f.engine.Export(ctx)
		require.NoError(t, err)
		dirs = append(dirs, dir)
	}

	infos, err := f.engine.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, dirs[3], infos[0].Path, "newest first")
	assert.Equal(t, dirs[2], infos[1].Path)
	assert.Positive(t, infos[0].Size)

	deleted, err := f.engine.Rotate(1)
	require.NoError(t, err)
	assert.Equal(t, []string{dirs[2]}, deleted)

	ok, err := afero.Exists(f.fs, "/data/tasks.json")
	require.NoError(t, err)
	assert.True(t, ok, "rotation never touches files outside the root")
}

func TestListSnapshots_MissingRoot(t *testing.T) {
	f := newFixture(t, Options{Dir: "/nowhere"})
	infos, err := f.engine.ListSnapshots()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

// brokenRelationships fails the relationship listing of an otherwise
// working store.
type brokenRelationships struct {
	*store.FileStore
	err error
}

func (b brokenRelationships) Relationships(context.Context) ([]models.Relationship, error) {
	return nil, b.err
}

func TestExport_RemovesPartialSnapshotOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	seed(t, f.store)

	boom := errors.New("disk read failed")
	e := NewEngine(f.fs, brokenRelationships{FileStore: f.store, err: boom}, Options{Dir: "/backups"})
	_, err := e.Export(ctx)
	require.ErrorIs(t, err, boom)

	entries, err := afero.ReadDir(f.fs, "/backups")
	require.NoError(t, err)
	assert.Empty(t, entries, "per-label files written before the failure are gone too")

	infos, err := e.ListSnapshots()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestRotate_IgnoresForeignDirectories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxSnapshots: 5})
	seed(t, f.store)
	require.NoError(t, f.fs.MkdirAll("/backups/manual", 0o755))
	require.NoError(t, afero.WriteFile(f.fs, "/backups/manual/notes.txt", []byte("keep"), 0o644))

	dir, err := f.engine.Export(ctx)
	require.NoError(t, err)

	infos, err := f.engine.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, dir, infos[0].Path)

	deleted, err := f.engine.Rotate(0)
	require.NoError(t, err)
	assert.Equal(t, []string{dir}, deleted)

	ok, err := afero.Exists(f.fs, "/backups/manual/notes.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}
