// Package backup exports the stored graph to timestamped snapshot
// directories and restores it, matching relationships on application-level
// identity so internal ids never leak across a round trip.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/josephgoksu/taskgraph/internal/events"
	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/store"
	"github.com/josephgoksu/taskgraph/types"
	"github.com/spf13/afero"
)

// Snapshot file names.
const (
	FullExportFile    = "full_export.json"
	RelationshipsFile = "relationships.json"

	// TimestampLayout names snapshot directories; it sorts lexically by time.
	TimestampLayout = "20060102T150405.000000000Z"
)

var (
	// ErrOutsideRoot is returned for any path that resolves outside the backup root.
	ErrOutsideRoot = errors.New("path is outside the backup root")
	// ErrEmptySnapshot is returned when a snapshot directory holds no readable data.
	ErrEmptySnapshot = errors.New("snapshot contains no export files")
)

// Recorder receives export and import durations.
type Recorder interface {
	RecordBackup(ctx context.Context, op string, d time.Duration, err error)
}

// Options configures an Engine.
type Options struct {
	Dir                   string
	MaxSnapshots          int
	RelationshipBatchSize int
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg types.BackupConfig) Options {
	return Options{
		Dir:                   cfg.Dir,
		MaxSnapshots:          cfg.MaxSnapshots,
		RelationshipBatchSize: cfg.RelationshipBatchSize,
	}
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = "backups"
	}
	if o.MaxSnapshots <= 0 {
		o.MaxSnapshots = 10
	}
	if o.RelationshipBatchSize <= 0 {
		o.RelationshipBatchSize = 500
	}
	return o
}

// RelationshipFailure is one relationship that could not be recreated.
type RelationshipFailure struct {
	Relationship models.Relationship `json:"relationship"`
	Error        string              `json:"error"`
}

// EntityFailure is one entity that could not be recreated.
type EntityFailure struct {
	Label    string `json:"label"`
	Identity string `json:"identity"`
	Error    string `json:"error"`
}

// ImportResult summarizes a restore.
type ImportResult struct {
	Source               string                `json:"source"`
	Entities             map[string]int        `json:"entities"`
	Relationships        int                   `json:"relationships"`
	EntityFailures       []EntityFailure       `json:"entityFailures,omitempty"`
	RelationshipFailures []RelationshipFailure `json:"relationshipFailures,omitempty"`
}

// EntityTotal returns the number of entities restored across labels.
func (r ImportResult) EntityTotal() int {
	n := 0
	for _, c := range r.Entities {
		n += c
	}
	return n
}

// Engine owns a backup root. Export, Import and Rotate hold an engine-wide
// lock.
type Engine struct {
	mu        sync.Mutex
	fs        afero.Fs
	store     store.GraphStore
	opts      Options
	root      string
	now       func() time.Time
	logger    *slog.Logger
	publisher events.Publisher
	recorder  Recorder
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the time source used for snapshot names.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithPublisher sets where backup events go.
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// NewEngine creates an engine writing under opts.Dir on fsys.
func NewEngine(fsys afero.Fs, gs store.GraphStore, opts Options, options ...Option) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		fs:        fsys,
		store:     gs,
		opts:      opts,
		root:      filepath.Clean(opts.Dir),
		now:       time.Now,
		logger:    slog.New(slog.DiscardHandler),
		publisher: events.Nop{},
	}
	for _, o := range options {
		o(e)
	}
	e.logger = e.logger.With("component", "backup")
	return e
}

// Root returns the backup root directory.
func (e *Engine) Root() string { return e.root }

func (e *Engine) record(ctx context.Context, op string, start time.Time, err error) {
	if e.recorder != nil {
		e.recorder.RecordBackup(ctx, op, time.Since(start), err)
	}
}

// Export writes a new snapshot and returns its directory. Older snapshots
// are rotated first so at most MaxSnapshots remain afterwards.
func (e *Engine) Export(ctx context.Context) (dir string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	defer func() { e.record(ctx, "export", start, err) }()

	if err := e.fs.MkdirAll(e.root, 0o755); err != nil {
		return "", fmt.Errorf("create backup root %s: %w", e.root, err)
	}
	if _, err := e.rotateLocked(e.opts.MaxSnapshots - 1); err != nil {
		return "", fmt.Errorf("rotate before export: %w", err)
	}

	created := e.now().UTC()
	dir = filepath.Join(e.root, created.Format(TimestampLayout))
	if _, statErr := e.fs.Stat(dir); statErr == nil {
		return "", fmt.Errorf("snapshot %s already exists", dir)
	}
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}

	snap, err := e.writeSnapshot(ctx, dir, created)
	if err != nil {
		if rmErr := e.fs.RemoveAll(dir); rmErr != nil {
			e.logger.Error("failed to remove partial snapshot", "dir", dir, "error", rmErr)
		}
		return "", err
	}
	if err := e.fs.Chtimes(dir, created, created); err != nil {
		e.logger.Warn("failed to stamp snapshot time", "dir", dir, "error", err)
	}

	e.logger.Info("snapshot exported", "dir", dir,
		"entities", snap.EntityCount(), "relationships", len(snap.Relationships))
	e.publisher.Publish(events.TopicBackupExported, events.BackupEvent{
		Path:          dir,
		Entities:      snap.EntityCount(),
		Relationships: len(snap.Relationships),
	})
	return dir, nil
}

func (e *Engine) writeSnapshot(ctx context.Context, dir string, created time.Time) (models.Snapshot, error) {
	snap := models.Snapshot{
		Version:   models.SnapshotFormatVersion,
		CreatedAt: created,
		Entities:  map[string][]map[string]any{},
	}
	labels, err := e.store.Labels(ctx)
	if err != nil {
		return snap, fmt.Errorf("list labels: %w", err)
	}
	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			return snap, err
		}
		if !safeLabel(label) {
			return snap, fmt.Errorf("label %q cannot be used as a file name", label)
		}
		entities, err := e.store.Entities(ctx, label)
		if err != nil {
			return snap, fmt.Errorf("list %s entities: %w", label, err)
		}
		records := make([]map[string]any, 0, len(entities))
		for _, ent := range entities {
			records = append(records, entityRecord(ent))
		}
		snap.Entities[label] = records
		if err := e.writeJSON(filepath.Join(dir, label+".json"), records); err != nil {
			return snap, err
		}
	}

	rels, err := e.store.Relationships(ctx)
	if err != nil {
		return snap, fmt.Errorf("list relationships: %w", err)
	}
	if rels == nil {
		rels = []models.Relationship{}
	}
	snap.Relationships = rels
	if err := e.writeJSON(filepath.Join(dir, RelationshipsFile), rels); err != nil {
		return snap, err
	}
	if err := e.writeJSON(filepath.Join(dir, FullExportFile), snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// entityRecord flattens an entity into its properties plus the identity key.
// The identity key wins over a property of the same name.
func entityRecord(ent models.Entity) map[string]any {
	rec := make(map[string]any, len(ent.Properties)+1)
	for k, v := range ent.Properties {
		rec[k] = v
	}
	rec[models.IdentityKey] = ent.Identity
	return rec
}

func recordEntity(label string, rec map[string]any) (models.Entity, error) {
	identity, _ := rec[models.IdentityKey].(string)
	if identity == "" {
		return models.Entity{}, fmt.Errorf("%s record has no %q", label, models.IdentityKey)
	}
	props := make(map[string]any, len(rec))
	for k, v := range rec {
		if k != models.IdentityKey {
			props[k] = v
		}
	}
	return models.Entity{Label: label, Identity: identity, Properties: props}, nil
}

func safeLabel(label string) bool {
	return label != "" && label != "." && label != ".." &&
		!strings.ContainsAny(label, `/\`) &&
		label+".json" != RelationshipsFile && label+".json" != FullExportFile
}

func (e *Engine) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := afero.WriteFile(e.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// resolve maps a snapshot name or path onto a directory inside the root.
func (e *Engine) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("snapshot path required")
	}
	p := path
	if !filepath.IsAbs(p) && !strings.HasPrefix(filepath.Clean(p), e.root+string(filepath.Separator)) {
		p = filepath.Join(e.root, p)
	}
	p = filepath.Clean(p)
	if !e.inside(p) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return p, nil
}

// inside reports whether p is strictly below the root.
func (e *Engine) inside(p string) bool {
	rootAbs, err1 := filepath.Abs(e.root)
	pAbs, err2 := filepath.Abs(p)
	if err1 != nil || err2 != nil {
		return false
	}
	rel, err := filepath.Rel(rootAbs, pAbs)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Load reads a snapshot without touching the store.
func (e *Engine) Load(path string) (models.Snapshot, string, error) {
	dir, err := e.resolve(path)
	if err != nil {
		return models.Snapshot{}, "", err
	}
	snap, err := e.load(dir)
	return snap, dir, err
}

func (e *Engine) load(dir string) (models.Snapshot, error) {
	var snap models.Snapshot
	full := filepath.Join(dir, FullExportFile)
	if ok, _ := afero.Exists(e.fs, full); ok {
		data, err := afero.ReadFile(e.fs, full)
		if err != nil {
			return snap, fmt.Errorf("read %s: %w", full, err)
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return snap, fmt.Errorf("parse %s: %w", full, err)
		}
		if snap.Entities == nil {
			snap.Entities = map[string][]map[string]any{}
		}
		return snap, nil
	}

	infos, err := afero.ReadDir(e.fs, dir)
	if err != nil {
		return snap, fmt.Errorf("read snapshot %s: %w", dir, err)
	}
	snap.Entities = map[string][]map[string]any{}
	found := false
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := afero.ReadFile(e.fs, filepath.Join(dir, name))
		if err != nil {
			return snap, fmt.Errorf("read %s: %w", name, err)
		}
		found = true
		if name == RelationshipsFile {
			if err := json.Unmarshal(data, &snap.Relationships); err != nil {
				return snap, fmt.Errorf("parse %s: %w", name, err)
			}
			continue
		}
		var records []map[string]any
		if err := json.Unmarshal(data, &records); err != nil {
			return snap, fmt.Errorf("parse %s: %w", name, err)
		}
		snap.Entities[strings.TrimSuffix(name, ".json")] = records
	}
	if !found {
		return snap, fmt.Errorf("%s: %w", dir, ErrEmptySnapshot)
	}
	return snap, nil
}

// Import replaces the whole store with the snapshot at path. It is
// destructive: callers confirm before invoking it. Entity and relationship
// failures are collected in the result rather than aborting the restore.
func (e *Engine) Import(ctx context.Context, path string) (res ImportResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	defer func() { e.record(ctx, "import", start, err) }()

	dir, err := e.resolve(path)
	if err != nil {
		return res, err
	}
	snap, err := e.load(dir)
	if err != nil {
		return res, err
	}

	res = ImportResult{Source: dir, Entities: map[string]int{}}
	if err := e.store.Clear(ctx); err != nil {
		return res, fmt.Errorf("clear store before import: %w", err)
	}

	labels := make([]string, 0, len(snap.Entities))
	for label := range snap.Entities {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		for _, rec := range snap.Entities[label] {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			ent, err := recordEntity(label, rec)
			if err == nil {
				err = e.store.PutEntity(ctx, ent)
			}
			if err != nil {
				res.EntityFailures = append(res.EntityFailures, EntityFailure{Label: label, Identity: ent.Identity, Error: err.Error()})
				continue
			}
			res.Entities[models.NormalizeLabel(label)]++
		}
	}

	batch := e.opts.RelationshipBatchSize
	for i := 0; i < len(snap.Relationships); i += batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(i+batch, len(snap.Relationships))
		for _, rel := range snap.Relationships[i:end] {
			if err := e.store.Relate(ctx, rel); err != nil {
				res.RelationshipFailures = append(res.RelationshipFailures, RelationshipFailure{Relationship: rel, Error: err.Error()})
				continue
			}
			res.Relationships++
		}
		e.logger.Debug("relationship batch restored", "from", i, "to", end)
	}

	e.logger.Info("snapshot imported", "dir", dir,
		"entities", res.EntityTotal(), "relationships", res.Relationships,
		"entity_failures", len(res.EntityFailures), "relationship_failures", len(res.RelationshipFailures))
	e.publisher.Publish(events.TopicBackupImported, events.BackupEvent{
		Path:          dir,
		Entities:      res.EntityTotal(),
		Relationships: res.Relationships,
	})
	return res, nil
}

// ListSnapshots returns snapshots newest first.
func (e *Engine) ListSnapshots() ([]models.SnapshotInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos, err := e.list()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(infos)-1; i < j; i, j = i+1, j-1 {
		infos[i], infos[j] = infos[j], infos[i]
	}
	return infos, nil
}

// list returns snapshots oldest first.
func (e *Engine) list() ([]models.SnapshotInfo, error) {
	entries, err := afero.ReadDir(e.fs, e.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup root %s: %w", e.root, err)
	}
	var out []models.SnapshotInfo
	for _, fi := range entries {
		if !fi.IsDir() || !isSnapshotName(fi.Name()) {
			continue
		}
		p := filepath.Join(e.root, fi.Name())
		info := models.SnapshotInfo{Name: fi.Name(), Path: p, ModTime: fi.ModTime()}
		if files, err := afero.ReadDir(e.fs, p); err == nil {
			for _, f := range files {
				info.Size += f.Size()
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.Before(out[j].ModTime)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// isSnapshotName reports whether name was produced by Export. Other
// directories under the root are neither listed nor rotated.
func isSnapshotName(name string) bool {
	_, err := time.Parse(TimestampLayout, name)
	return err == nil
}

// Rotate deletes the oldest snapshots until at most keep remain and returns
// the deleted directories.
func (e *Engine) Rotate(keep int) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rotateLocked(keep)
}

func (e *Engine) rotateLocked(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	infos, err := e.list()
	if err != nil {
		return nil, err
	}
	var deleted []string
	for i := 0; i < len(infos)-keep; i++ {
		p := infos[i].Path
		if !e.inside(p) {
			return deleted, fmt.Errorf("refusing to delete %s: %w", p, ErrOutsideRoot)
		}
		if err := e.fs.RemoveAll(p); err != nil {
			return deleted, fmt.Errorf("remove snapshot %s: %w", p, err)
		}
		e.logger.Info("snapshot rotated out", "dir", p)
		deleted = append(deleted, p)
	}
	return deleted, nil
}
