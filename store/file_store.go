package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/types"
	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v3"
)

const (
	defaultDataFile = "tasks.json"
	formatJSON      = "json"
	formatYAML      = "yaml"
	checksumSuffix  = ".checksum"
	lockSuffix      = ".lock"
)

// ErrLocked is returned when another process holds the data file.
var ErrLocked = errors.New("data file is locked by another process")

type entityKey struct {
	label    string
	identity string
}

type fileEntity struct {
	ID       int64  `json:"id" yaml:"id"`
	Label    string `json:"label" yaml:"label"`
	Identity string `json:"identity" yaml:"identity"`
	// Properties is canonical JSON so both formats round-trip values exactly.
	Properties string `json:"properties" yaml:"properties"`
}

type fileRelationship struct {
	ID         int64  `json:"id" yaml:"id"`
	StartID    int64  `json:"startId" yaml:"startId"`
	EndID      int64  `json:"endId" yaml:"endId"`
	Type       string `json:"type" yaml:"type"`
	Properties string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type fileDocument struct {
	NextID        int64              `json:"nextId" yaml:"nextId"`
	Entities      []fileEntity       `json:"entities" yaml:"entities"`
	Relationships []fileRelationship `json:"relationships" yaml:"relationships"`
}

type fileState struct {
	nextID   int64
	entities map[entityKey]fileEntity
	byID     map[int64]entityKey
	rels     map[int64]fileRelationship
}

func newFileState() *fileState {
	return &fileState{
		nextID:   1,
		entities: make(map[entityKey]fileEntity),
		byID:     make(map[int64]entityKey),
		rels:     make(map[int64]fileRelationship),
	}
}

func (st *fileState) clone() *fileState {
	c := &fileState{
		nextID:   st.nextID,
		entities: make(map[entityKey]fileEntity, len(st.entities)),
		byID:     make(map[int64]entityKey, len(st.byID)),
		rels:     make(map[int64]fileRelationship, len(st.rels)),
	}
	for k, v := range st.entities {
		c.entities[k] = v
	}
	for k, v := range st.byID {
		c.byID[k] = v
	}
	for k, v := range st.rels {
		c.rels[k] = v
	}
	return c
}

// FileStore implements Store on a single JSON or YAML document with a
// checksum sidecar. The whole graph is held in memory; every mutation outside
// a transaction is persisted with an atomic temp-file rename.
type FileStore struct {
	mu       sync.Mutex
	fs       afero.Fs
	filePath string
	format   string
	state    *fileState
	txBackup *fileState
	flk      *flock.Flock // nil unless backed by the OS filesystem
	closed   bool
	now      func() time.Time
}

// OpenFileStore loads (or creates) the document at filePath. An empty format
// is inferred from the extension. On the OS filesystem the store holds an
// exclusive lock on filePath+".lock" until Close.
func OpenFileStore(fsys afero.Fs, filePath, format string) (*FileStore, error) {
	if filePath == "" {
		filePath = defaultDataFile
	}
	if format == "" {
		switch strings.ToLower(filepath.Ext(filePath)) {
		case ".yaml", ".yml":
			format = formatYAML
		default:
			format = formatJSON
		}
	}
	format = strings.ToLower(format)
	if format != formatJSON && format != formatYAML {
		return nil, fmt.Errorf("unsupported data format: %s. Supported formats are json, yaml", format)
	}

	dir := filepath.Dir(filePath)
	if dir != "." && dir != "" {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	s := &FileStore{
		fs:       fsys,
		filePath: filePath,
		format:   format,
		state:    newFileState(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if _, ok := fsys.(*afero.OsFs); ok {
		s.flk = flock.New(filePath + lockSuffix)
		locked, err := s.flk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock for %s: %w", filePath, err)
		}
		if !locked {
			return nil, fmt.Errorf("%s: %w", filePath, ErrLocked)
		}
	}
	if err := s.load(); err != nil {
		s.unlock()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) unlock() {
	if s.flk != nil {
		_ = s.flk.Unlock()
	}
}

func calculateChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// load reads the document, verifies its checksum and rebuilds the indexes.
func (s *FileStore) load() error {
	checksumPath := s.filePath + checksumSuffix

	data, err := afero.ReadFile(s.fs, s.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.state = newFileState()
			return nil
		}
		return fmt.Errorf("failed to read data file %s: %w", s.filePath, err)
	}

	if expected, err := afero.ReadFile(s.fs, checksumPath); err == nil {
		if actual := calculateChecksum(data); actual != strings.TrimSpace(string(expected)) {
			return fmt.Errorf("checksum mismatch for %s - expected %s, got %s - file is corrupt or tampered",
				s.filePath, strings.TrimSpace(string(expected)), actual)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error checking checksum file %s: %w", checksumPath, err)
	}

	if len(data) == 0 {
		s.state = newFileState()
		return nil
	}

	var doc fileDocument
	switch s.format {
	case formatYAML:
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s from %s: %w", s.format, s.filePath, err)
	}

	st := newFileState()
	st.nextID = max(doc.NextID, 1)
	for _, e := range doc.Entities {
		k := entityKey{e.Label, e.Identity}
		st.entities[k] = e
		st.byID[e.ID] = k
		if e.ID >= st.nextID {
			st.nextID = e.ID + 1
		}
	}
	for _, r := range doc.Relationships {
		st.rels[r.ID] = r
		if r.ID >= st.nextID {
			st.nextID = r.ID + 1
		}
	}
	s.state = st
	return nil
}

// persist writes the document and its checksum through temp files.
func (s *FileStore) persist() error {
	doc := fileDocument{
		NextID:        s.state.nextID,
		Entities:      make([]fileEntity, 0, len(s.state.entities)),
		Relationships: make([]fileRelationship, 0, len(s.state.rels)),
	}
	for _, e := range s.state.entities {
		doc.Entities = append(doc.Entities, e)
	}
	for _, r := range s.state.rels {
		doc.Relationships = append(doc.Relationships, r)
	}
	sort.Slice(doc.Entities, func(i, j int) bool { return doc.Entities[i].ID < doc.Entities[j].ID })
	sort.Slice(doc.Relationships, func(i, j int) bool { return doc.Relationships[i].ID < doc.Relationships[j].ID })

	var data []byte
	var err error
	switch s.format {
	case formatYAML:
		data, err = yaml.Marshal(doc)
	default:
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal store to %s: %w", s.format, err)
	}

	tmpPath := s.filePath + ".tmp"
	checksumPath := s.filePath + checksumSuffix
	tmpChecksumPath := checksumPath + ".tmp"
	defer func() { _ = s.fs.Remove(tmpPath) }()
	defer func() { _ = s.fs.Remove(tmpChecksumPath) }()

	if err := afero.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary data file %s: %w", tmpPath, err)
	}
	if err := afero.WriteFile(s.fs, tmpChecksumPath, []byte(calculateChecksum(data)), 0o644); err != nil {
		return fmt.Errorf("failed to write temporary checksum file %s: %w", tmpChecksumPath, err)
	}
	if err := s.fs.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, s.filePath, err)
	}
	if err := s.fs.Rename(tmpChecksumPath, checksumPath); err != nil {
		return fmt.Errorf("data file %s updated but checksum %s was not: %w", s.filePath, checksumPath, err)
	}
	return nil
}

// mutate runs fn under the lock and persists unless a transaction is open.
// A failed persist restores the previous in-memory state.
func (s *FileStore) mutate(op, identity string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wrapErr(op, identity, ErrClosed)
	}
	before := s.state.clone()
	if err := fn(); err != nil {
		s.state = before
		return wrapErr(op, identity, err)
	}
	if s.txBackup != nil {
		return nil
	}
	if err := s.persist(); err != nil {
		s.state = before
		return wrapErr(op, identity, err)
	}
	return nil
}

func (s *FileStore) read(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn()
}

func encodeProps(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeProps(raw string) (map[string]any, error) {
	props := map[string]any{}
	if raw == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, err
	}
	return props, nil
}

func (s *FileStore) putTask(t models.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	k := entityKey{models.LabelTask, t.Identity()}
	if existing, ok := s.state.entities[k]; ok {
		existing.Properties = string(data)
		s.state.entities[k] = existing
		return nil
	}
	id := s.state.nextID
	s.state.nextID++
	s.state.entities[k] = fileEntity{ID: id, Label: k.label, Identity: k.identity, Properties: string(data)}
	s.state.byID[id] = k
	return nil
}

func (s *FileStore) getTask(identity string) (models.Task, error) {
	e, ok := s.state.entities[entityKey{models.LabelTask, identity}]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", identity, ErrNotFound)
	}
	return models.UnmarshalSnapshot([]byte(e.Properties))
}

// removeEntity deletes an entity and every relationship touching it.
func (s *FileStore) removeEntity(k entityKey) bool {
	e, ok := s.state.entities[k]
	if !ok {
		return false
	}
	delete(s.state.entities, k)
	delete(s.state.byID, e.ID)
	for id, r := range s.state.rels {
		if r.StartID == e.ID || r.EndID == e.ID {
			delete(s.state.rels, id)
		}
	}
	return true
}

func (s *FileStore) tasksWhere(pred func(models.Task) bool) ([]models.Task, error) {
	var out []models.Task
	for k, e := range s.state.entities {
		if k.label != models.LabelTask {
			continue
		}
		t, err := models.UnmarshalSnapshot([]byte(e.Properties))
		if err != nil {
			return nil, err
		}
		if pred == nil || pred(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out, nil
}

// Create adds a new task.
func (s *FileStore) Create(_ context.Context, task models.Task) (models.Task, error) {
	var created models.Task
	err := s.mutate("create", task.Identity(), func() error {
		if _, ok := s.state.entities[entityKey{models.LabelTask, task.Identity()}]; ok {
			return fmt.Errorf("task %s: %w", task.Identity(), ErrAlreadyExists)
		}
		now := s.now()
		created = task.Clone()
		if created.CreatedAt.IsZero() {
			created.CreatedAt = now
		}
		created.UpdatedAt = now
		if created.Version == 0 {
			created.Version = 1
		}
		return s.putTask(created)
	})
	if err != nil {
		return models.Task{}, err
	}
	return created, nil
}

// Update replaces a task after an optimistic version check.
func (s *FileStore) Update(_ context.Context, task models.Task) (models.Task, error) {
	var updated models.Task
	err := s.mutate("update", task.Identity(), func() error {
		stored, err := s.getTask(task.Identity())
		if err != nil {
			return err
		}
		if stored.Version != task.Version {
			return &types.ConcurrencyError{Identity: task.Identity(), Expected: task.Version, Actual: stored.Version}
		}
		updated = task.Clone()
		updated.CreatedAt = stored.CreatedAt
		updated.Touch(s.now())
		return s.putTask(updated)
	})
	if err != nil {
		return models.Task{}, err
	}
	return updated, nil
}

// Save writes the task as given.
func (s *FileStore) Save(_ context.Context, task models.Task) error {
	return s.mutate("save", task.Identity(), func() error {
		return s.putTask(task.Clone())
	})
}

// Get retrieves a task by identity.
func (s *FileStore) Get(_ context.Context, identity string) (models.Task, error) {
	var t models.Task
	err := s.read(func() error {
		var err error
		t, err = s.getTask(identity)
		return err
	})
	return t, wrapErr("get", identity, err)
}

// GetByPattern returns tasks whose identity matches pattern.
func (s *FileStore) GetByPattern(_ context.Context, pattern string) ([]models.Task, error) {
	var out []models.Task
	err := s.read(func() error {
		var err error
		out, err = s.tasksWhere(func(t models.Task) bool { return MatchPattern(pattern, t.Identity()) })
		return err
	})
	return out, wrapErr("get by pattern", pattern, err)
}

// GetByStatus returns tasks in status.
func (s *FileStore) GetByStatus(_ context.Context, status models.TaskStatus) ([]models.Task, error) {
	var out []models.Task
	err := s.read(func() error {
		var err error
		out, err = s.tasksWhere(func(t models.Task) bool { return t.Status == status })
		return err
	})
	return out, wrapErr("get by status", string(status), err)
}

// GetChildren returns direct children of parent.
func (s *FileStore) GetChildren(_ context.Context, parent string) ([]models.Task, error) {
	var out []models.Task
	err := s.read(func() error {
		var err error
		out, err = s.tasksWhere(func(t models.Task) bool { return t.ParentPath == parent })
		return err
	})
	return out, wrapErr("get children", parent, err)
}

// List returns one page of tasks.
func (s *FileStore) List(_ context.Context, offset, limit int) (models.TaskPage, error) {
	var page models.TaskPage
	err := s.read(func() error {
		all, err := s.tasksWhere(nil)
		if err != nil {
			return err
		}
		page = paginate(all, offset, limit)
		return nil
	})
	return page, wrapErr("list", "", err)
}

func paginate(all []models.Task, offset, limit int) models.TaskPage {
	if offset < 0 {
		offset = 0
	}
	page := models.TaskPage{TotalCount: len(all), Offset: offset, Limit: limit, Tasks: []models.Task{}}
	if offset >= len(all) {
		return page
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page.Tasks = all[offset:end]
	return page
}

// Delete removes a task.
func (s *FileStore) Delete(_ context.Context, identity string) error {
	return s.mutate("delete", identity, func() error {
		if !s.removeEntity(entityKey{models.LabelTask, identity}) {
			return fmt.Errorf("task %s: %w", identity, ErrNotFound)
		}
		return nil
	})
}

// DeleteMany removes the given tasks.
func (s *FileStore) DeleteMany(_ context.Context, identities []string) (int, error) {
	deleted := 0
	err := s.mutate("delete many", "", func() error {
		for _, id := range identities {
			if s.removeEntity(entityKey{models.LabelTask, id}) {
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// BeginTransaction snapshots the in-memory state; writes are held until Commit.
func (s *FileStore) BeginTransaction(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.txBackup != nil {
		return ErrTransactionActive
	}
	s.txBackup = s.state.clone()
	return nil
}

// Commit persists every change made since BeginTransaction.
func (s *FileStore) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txBackup == nil {
		return ErrNoTransaction
	}
	if err := s.persist(); err != nil {
		return wrapErr("commit", "", err)
	}
	s.txBackup = nil
	return nil
}

// Rollback discards every change made since BeginTransaction.
func (s *FileStore) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txBackup == nil {
		return ErrNoTransaction
	}
	s.state = s.txBackup
	s.txBackup = nil
	return nil
}

// Vacuum drops relationships whose endpoints no longer exist and rewrites the file.
func (s *FileStore) Vacuum(_ context.Context) error {
	return s.mutate("vacuum", "", func() error {
		for id, r := range s.state.rels {
			_, okStart := s.state.byID[r.StartID]
			_, okEnd := s.state.byID[r.EndID]
			if !okStart || !okEnd {
				delete(s.state.rels, id)
			}
		}
		return nil
	})
}

// Checkpoint re-verifies the on-disk document against its checksum.
func (s *FileStore) Checkpoint(_ context.Context) error {
	return s.read(func() error {
		data, err := afero.ReadFile(s.fs, s.filePath)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return wrapErr("checkpoint", "", err)
		}
		expected, err := afero.ReadFile(s.fs, s.filePath+checksumSuffix)
		if err != nil {
			return wrapErr("checkpoint", "", err)
		}
		if calculateChecksum(data) != strings.TrimSpace(string(expected)) {
			return wrapErr("checkpoint", "", fmt.Errorf("checksum mismatch for %s", s.filePath))
		}
		return nil
	})
}

// Labels lists distinct entity labels.
func (s *FileStore) Labels(_ context.Context) ([]string, error) {
	var labels []string
	err := s.read(func() error {
		seen := map[string]struct{}{}
		for k := range s.state.entities {
			if _, ok := seen[k.label]; !ok {
				seen[k.label] = struct{}{}
				labels = append(labels, k.label)
			}
		}
		sort.Strings(labels)
		return nil
	})
	return labels, wrapErr("labels", "", err)
}

// Entities lists all entities with label.
func (s *FileStore) Entities(_ context.Context, label string) ([]models.Entity, error) {
	label = models.NormalizeLabel(label)
	var out []models.Entity
	err := s.read(func() error {
		for k, e := range s.state.entities {
			if k.label != label {
				continue
			}
			props, err := decodeProps(e.Properties)
			if err != nil {
				return fmt.Errorf("decode %s %s: %w", k.label, k.identity, err)
			}
			out = append(out, models.Entity{Label: k.label, Identity: k.identity, Properties: props})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
		return nil
	})
	return out, wrapErr("entities", label, err)
}

// Relationships lists every relationship by endpoint identity.
func (s *FileStore) Relationships(_ context.Context) ([]models.Relationship, error) {
	var out []models.Relationship
	err := s.read(func() error {
		ids := make([]int64, 0, len(s.state.rels))
		for id := range s.state.rels {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			r := s.state.rels[id]
			start, okStart := s.state.byID[r.StartID]
			end, okEnd := s.state.byID[r.EndID]
			if !okStart || !okEnd {
				continue
			}
			props, err := decodeProps(r.Properties)
			if err != nil {
				return fmt.Errorf("decode relationship %d: %w", id, err)
			}
			out = append(out, models.Relationship{
				StartIdentity: start.identity,
				EndIdentity:   end.identity,
				StartLabel:    start.label,
				EndLabel:      end.label,
				Type:          r.Type,
				Properties:    props,
			})
		}
		return nil
	})
	return out, wrapErr("relationships", "", err)
}

// PutEntity creates or replaces an entity.
func (s *FileStore) PutEntity(_ context.Context, e models.Entity) error {
	label := models.NormalizeLabel(e.Label)
	return s.mutate("put entity", e.Identity, func() error {
		if label == "" || e.Identity == "" {
			return fmt.Errorf("entity requires label and identity")
		}
		raw, err := encodeProps(e.Properties)
		if err != nil {
			return fmt.Errorf("encode properties: %w", err)
		}
		k := entityKey{label, e.Identity}
		if existing, ok := s.state.entities[k]; ok {
			existing.Properties = raw
			s.state.entities[k] = existing
			return nil
		}
		id := s.state.nextID
		s.state.nextID++
		s.state.entities[k] = fileEntity{ID: id, Label: label, Identity: e.Identity, Properties: raw}
		s.state.byID[id] = k
		return nil
	})
}

// resolveEndpoint finds an entity by identity, optionally restricted to label.
func (s *FileStore) resolveEndpoint(label, identity string) (int64, error) {
	if label != "" {
		e, ok := s.state.entities[entityKey{models.NormalizeLabel(label), identity}]
		if !ok {
			return 0, fmt.Errorf("%s %s: %w", label, identity, ErrEndpointNotFound)
		}
		return e.ID, nil
	}
	var found []fileEntity
	for k, e := range s.state.entities {
		if k.identity == identity {
			found = append(found, e)
		}
	}
	switch len(found) {
	case 0:
		return 0, fmt.Errorf("%s: %w", identity, ErrEndpointNotFound)
	case 1:
		return found[0].ID, nil
	default:
		return 0, fmt.Errorf("identity %s is ambiguous across %d labels", identity, len(found))
	}
}

// Relate creates a relationship by identity matching.
func (s *FileStore) Relate(_ context.Context, rel models.Relationship) error {
	return s.mutate("relate", rel.StartIdentity, func() error {
		if rel.Type == "" {
			return fmt.Errorf("relationship type required")
		}
		startID, err := s.resolveEndpoint(rel.StartLabel, rel.StartIdentity)
		if err != nil {
			return err
		}
		endID, err := s.resolveEndpoint(rel.EndLabel, rel.EndIdentity)
		if err != nil {
			return err
		}
		raw, err := encodeProps(rel.Properties)
		if err != nil {
			return fmt.Errorf("encode properties: %w", err)
		}
		for id, r := range s.state.rels {
			if r.StartID == startID && r.EndID == endID && r.Type == rel.Type {
				r.Properties = raw
				s.state.rels[id] = r
				return nil
			}
		}
		id := s.state.nextID
		s.state.nextID++
		s.state.rels[id] = fileRelationship{ID: id, StartID: startID, EndID: endID, Type: rel.Type, Properties: raw}
		return nil
	})
}

// Clear deletes every entity and relationship. Internal ids keep increasing.
func (s *FileStore) Clear(_ context.Context) error {
	return s.mutate("clear", "", func() error {
		next := s.state.nextID
		s.state = newFileState()
		s.state.nextID = next
		return nil
	})
}

// Close marks the store closed and releases the file lock. An open
// transaction is discarded.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txBackup != nil {
		s.state = s.txBackup
		s.txBackup = nil
	}
	s.closed = true
	if s.flk != nil {
		return s.flk.Unlock()
	}
	return nil
}

var _ Store = (*FileStore)(nil)
