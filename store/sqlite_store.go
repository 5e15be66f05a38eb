package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/types"
	_ "modernc.org/sqlite"
)

const sqliteFile = "taskgraph.db"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store on a single SQLite database. Entities of every
// label share one table; Task rows also carry status, parent and version
// columns for indexed lookups.
type SQLiteStore struct {
	mu       sync.Mutex
	db       *sql.DB
	tx       *sql.Tx
	basePath string
	now      func() time.Time
}

// NewSQLiteStore opens (or creates) taskgraph.db under basePath. ":memory:"
// opens a private in-memory database.
func NewSQLiteStore(basePath string) (*SQLiteStore, error) {
	var dbPath string
	if basePath == ":memory:" {
		dbPath = ":memory:"
	} else {
		dbPath = filepath.Join(basePath, sqliteFile)
		if err := os.MkdirAll(basePath, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" coherent and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:       db,
		basePath: basePath,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		identity TEXT NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}',
		status TEXT,
		parent TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(label, identity)
	);
	CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(label, status);
	CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(label, parent);

	CREATE TABLE IF NOT EXISTS relationships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		start_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		end_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}',
		UNIQUE(start_id, end_id, type)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_end ON relationships(end_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// checkRowsErr surfaces iteration errors that rows.Next hides.
func checkRowsErr(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration: %w", err)
	}
	return nil
}

// q returns the active transaction or the database. Callers hold s.mu.
func (s *SQLiteStore) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// withTx runs fn inside the active storage transaction, or inside a private
// one committed on success. Callers hold s.mu.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(q querier) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	return fn()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func upsertTask(ctx context.Context, q querier, t models.Task) error {
	data, err := models.MarshalSnapshot(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (label, identity, properties, status, parent, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(label, identity) DO UPDATE SET
			properties = excluded.properties,
			status = excluded.status,
			parent = excluded.parent,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		models.LabelTask, t.Identity(), string(data), string(t.Status), nullable(t.ParentPath),
		t.Version, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func getTask(ctx context.Context, q querier, identity string) (models.Task, error) {
	var props string
	err := q.QueryRowContext(ctx,
		`SELECT properties FROM entities WHERE label = ? AND identity = ?`,
		models.LabelTask, identity).Scan(&props)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", identity, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("query task: %w", err)
	}
	return models.UnmarshalSnapshot([]byte(props))
}

func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	defer func() { _ = rows.Close() }()
	var out []models.Task
	for rows.Next() {
		var props string
		if err := rows.Scan(&props); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := models.UnmarshalSnapshot([]byte(props))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return scanTasks(rows)
}

// Create adds a new task.
func (s *SQLiteStore) Create(ctx context.Context, task models.Task) (models.Task, error) {
	var created models.Task
	err := s.locked(func() error {
		return s.withTx(ctx, func(q querier) error {
			if _, err := getTask(ctx, q, task.Identity()); err == nil {
				return fmt.Errorf("task %s: %w", task.Identity(), ErrAlreadyExists)
			} else if !errors.Is(err, ErrNotFound) {
				return err
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
			return upsertTask(ctx, q, created)
		})
	})
	if err != nil {
		return models.Task{}, wrapErr("create", task.Identity(), err)
	}
	return created, nil
}

// Update replaces a task after an optimistic version check.
func (s *SQLiteStore) Update(ctx context.Context, task models.Task) (models.Task, error) {
	var updated models.Task
	err := s.locked(func() error {
		return s.withTx(ctx, func(q querier) error {
			stored, err := getTask(ctx, q, task.Identity())
			if err != nil {
				return err
			}
			if stored.Version != task.Version {
				return &types.ConcurrencyError{Identity: task.Identity(), Expected: task.Version, Actual: stored.Version}
			}
			updated = task.Clone()
			updated.CreatedAt = stored.CreatedAt
			updated.Touch(s.now())
			return upsertTask(ctx, q, updated)
		})
	})
	if err != nil {
		return models.Task{}, wrapErr("update", task.Identity(), err)
	}
	return updated, nil
}

// Save writes the task as given.
func (s *SQLiteStore) Save(ctx context.Context, task models.Task) error {
	err := s.locked(func() error {
		return upsertTask(ctx, s.q(), task)
	})
	return wrapErr("save", task.Identity(), err)
}

// Get retrieves a task by identity.
func (s *SQLiteStore) Get(ctx context.Context, identity string) (models.Task, error) {
	var t models.Task
	err := s.locked(func() error {
		var err error
		t, err = getTask(ctx, s.q(), identity)
		return err
	})
	return t, wrapErr("get", identity, err)
}

// GetByPattern narrows by the literal prefix in SQL and filters with MatchPattern.
func (s *SQLiteStore) GetByPattern(ctx context.Context, pattern string) ([]models.Task, error) {
	var out []models.Task
	err := s.locked(func() error {
		like := escapeLike(literalPrefix(pattern)) + "%"
		candidates, err := s.queryTasks(ctx,
			`SELECT properties FROM entities WHERE label = ? AND identity LIKE ? ESCAPE '\' ORDER BY identity`,
			models.LabelTask, like)
		if err != nil {
			return err
		}
		for _, t := range candidates {
			if MatchPattern(pattern, t.Identity()) {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, wrapErr("get by pattern", pattern, err)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// GetByStatus returns tasks in status.
func (s *SQLiteStore) GetByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	var out []models.Task
	err := s.locked(func() error {
		var err error
		out, err = s.queryTasks(ctx,
			`SELECT properties FROM entities WHERE label = ? AND status = ? ORDER BY identity`,
			models.LabelTask, string(status))
		return err
	})
	return out, wrapErr("get by status", string(status), err)
}

// GetChildren returns direct children of parent.
func (s *SQLiteStore) GetChildren(ctx context.Context, parent string) ([]models.Task, error) {
	var out []models.Task
	err := s.locked(func() error {
		var err error
		out, err = s.queryTasks(ctx,
			`SELECT properties FROM entities WHERE label = ? AND parent = ? ORDER BY identity`,
			models.LabelTask, parent)
		return err
	})
	return out, wrapErr("get children", parent, err)
}

// List returns one page of tasks. A non-positive limit returns everything
// from offset.
func (s *SQLiteStore) List(ctx context.Context, offset, limit int) (models.TaskPage, error) {
	if offset < 0 {
		offset = 0
	}
	page := models.TaskPage{Offset: offset, Limit: limit, Tasks: []models.Task{}}
	err := s.locked(func() error {
		if err := s.q().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entities WHERE label = ?`, models.LabelTask).Scan(&page.TotalCount); err != nil {
			return fmt.Errorf("count tasks: %w", err)
		}
		sqlLimit := limit
		if sqlLimit <= 0 {
			sqlLimit = -1
		}
		tasks, err := s.queryTasks(ctx,
			`SELECT properties FROM entities WHERE label = ? ORDER BY identity LIMIT ? OFFSET ?`,
			models.LabelTask, sqlLimit, offset)
		if err != nil {
			return err
		}
		if tasks != nil {
			page.Tasks = tasks
		}
		return nil
	})
	if err != nil {
		return models.TaskPage{}, wrapErr("list", "", err)
	}
	return page, nil
}

// Delete removes a task; its relationships cascade.
func (s *SQLiteStore) Delete(ctx context.Context, identity string) error {
	err := s.locked(func() error {
		res, err := s.q().ExecContext(ctx,
			`DELETE FROM entities WHERE label = ? AND identity = ?`, models.LabelTask, identity)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", identity, ErrNotFound)
		}
		return nil
	})
	return wrapErr("delete", identity, err)
}

// DeleteMany removes the given tasks in one transaction.
func (s *SQLiteStore) DeleteMany(ctx context.Context, identities []string) (int, error) {
	deleted := 0
	err := s.locked(func() error {
		return s.withTx(ctx, func(q querier) error {
			for _, id := range identities {
				res, err := q.ExecContext(ctx,
					`DELETE FROM entities WHERE label = ? AND identity = ?`, models.LabelTask, id)
				if err != nil {
					return fmt.Errorf("delete task %s: %w", id, err)
				}
				n, _ := res.RowsAffected()
				deleted += int(n)
			}
			return nil
		})
	})
	if err != nil {
		return 0, wrapErr("delete many", "", err)
	}
	return deleted, nil
}

// BeginTransaction opens the handle-wide storage transaction.
func (s *SQLiteStore) BeginTransaction(ctx context.Context) error {
	return s.locked(func() error {
		if s.tx != nil {
			return ErrTransactionActive
		}
		tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return wrapErr("begin", "", err)
		}
		s.tx = tx
		return nil
	})
}

// Commit commits the open storage transaction.
func (s *SQLiteStore) Commit(_ context.Context) error {
	return s.locked(func() error {
		if s.tx == nil {
			return ErrNoTransaction
		}
		tx := s.tx
		s.tx = nil
		if err := tx.Commit(); err != nil {
			return wrapErr("commit", "", err)
		}
		return nil
	})
}

// Rollback abandons the open storage transaction.
func (s *SQLiteStore) Rollback(_ context.Context) error {
	return s.locked(func() error {
		if s.tx == nil {
			return ErrNoTransaction
		}
		tx := s.tx
		s.tx = nil
		if err := tx.Rollback(); err != nil {
			return wrapErr("rollback", "", err)
		}
		return nil
	})
}

// Vacuum rebuilds the database file.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	return s.locked(func() error {
		if s.tx != nil {
			return ErrTransactionActive
		}
		_, err := s.db.ExecContext(ctx, "VACUUM")
		return wrapErr("vacuum", "", err)
	})
}

// Checkpoint truncates the write-ahead log.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	return s.locked(func() error {
		if s.tx != nil {
			return ErrTransactionActive
		}
		_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
		return wrapErr("checkpoint", "", err)
	})
}

// Labels lists distinct entity labels.
func (s *SQLiteStore) Labels(ctx context.Context) ([]string, error) {
	var labels []string
	err := s.locked(func() error {
		rows, err := s.q().QueryContext(ctx, `SELECT DISTINCT label FROM entities ORDER BY label`)
		if err != nil {
			return fmt.Errorf("query labels: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var l string
			if err := rows.Scan(&l); err != nil {
				return fmt.Errorf("scan label: %w", err)
			}
			labels = append(labels, l)
		}
		return checkRowsErr(rows)
	})
	return labels, wrapErr("labels", "", err)
}

// Entities lists all entities with label.
func (s *SQLiteStore) Entities(ctx context.Context, label string) ([]models.Entity, error) {
	label = models.NormalizeLabel(label)
	var out []models.Entity
	err := s.locked(func() error {
		rows, err := s.q().QueryContext(ctx,
			`SELECT identity, properties FROM entities WHERE label = ? ORDER BY identity`, label)
		if err != nil {
			return fmt.Errorf("query entities: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var identity, raw string
			if err := rows.Scan(&identity, &raw); err != nil {
				return fmt.Errorf("scan entity: %w", err)
			}
			props, err := decodeProps(raw)
			if err != nil {
				return fmt.Errorf("decode %s %s: %w", label, identity, err)
			}
			out = append(out, models.Entity{Label: label, Identity: identity, Properties: props})
		}
		return checkRowsErr(rows)
	})
	return out, wrapErr("entities", label, err)
}

// Relationships lists every relationship with endpoint identities.
func (s *SQLiteStore) Relationships(ctx context.Context) ([]models.Relationship, error) {
	var out []models.Relationship
	err := s.locked(func() error {
		rows, err := s.q().QueryContext(ctx, `
			SELECT a.identity, a.label, b.identity, b.label, r.type, r.properties
			FROM relationships r
			JOIN entities a ON a.id = r.start_id
			JOIN entities b ON b.id = r.end_id
			ORDER BY r.id`)
		if err != nil {
			return fmt.Errorf("query relationships: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var rel models.Relationship
			var raw string
			if err := rows.Scan(&rel.StartIdentity, &rel.StartLabel, &rel.EndIdentity, &rel.EndLabel, &rel.Type, &raw); err != nil {
				return fmt.Errorf("scan relationship: %w", err)
			}
			props, err := decodeProps(raw)
			if err != nil {
				return fmt.Errorf("decode relationship properties: %w", err)
			}
			if len(props) > 0 {
				rel.Properties = props
			}
			out = append(out, rel)
		}
		return checkRowsErr(rows)
	})
	return out, wrapErr("relationships", "", err)
}

// PutEntity creates or replaces an entity. Task entities also fill the
// indexed status, parent and version columns.
func (s *SQLiteStore) PutEntity(ctx context.Context, e models.Entity) error {
	label := models.NormalizeLabel(e.Label)
	err := s.locked(func() error {
		if label == "" || e.Identity == "" {
			return fmt.Errorf("entity requires label and identity")
		}
		raw, err := encodeProps(e.Properties)
		if err != nil {
			return fmt.Errorf("encode properties: %w", err)
		}
		var status, parent sql.NullString
		var version int64
		now := formatTime(s.now())
		created, updated := now, now
		if label == models.LabelTask {
			e.Label = label
			t, err := models.TaskFromEntity(e)
			if err != nil {
				return err
			}
			status = nullable(string(t.Status))
			parent = nullable(t.ParentPath)
			version = t.Version
			if !t.CreatedAt.IsZero() {
				created = formatTime(t.CreatedAt)
			}
			if !t.UpdatedAt.IsZero() {
				updated = formatTime(t.UpdatedAt)
			}
		}
		_, err = s.q().ExecContext(ctx, `
			INSERT INTO entities (label, identity, properties, status, parent, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(label, identity) DO UPDATE SET
				properties = excluded.properties,
				status = excluded.status,
				parent = excluded.parent,
				version = excluded.version,
				updated_at = excluded.updated_at`,
			label, e.Identity, raw, status, parent, version, created, updated)
		if err != nil {
			return fmt.Errorf("upsert entity: %w", err)
		}
		return nil
	})
	return wrapErr("put entity", e.Identity, err)
}

func resolveEndpoint(ctx context.Context, q querier, label, identity string) (int64, error) {
	if label != "" {
		var id int64
		err := q.QueryRowContext(ctx,
			`SELECT id FROM entities WHERE label = ? AND identity = ?`,
			models.NormalizeLabel(label), identity).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%s %s: %w", label, identity, ErrEndpointNotFound)
		}
		return id, err
	}

	rows, err := q.QueryContext(ctx, `SELECT id FROM entities WHERE identity = ? LIMIT 2`, identity)
	if err != nil {
		return 0, fmt.Errorf("resolve endpoint: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan endpoint: %w", err)
		}
		ids = append(ids, id)
	}
	if err := checkRowsErr(rows); err != nil {
		return 0, err
	}
	switch len(ids) {
	case 0:
		return 0, fmt.Errorf("%s: %w", identity, ErrEndpointNotFound)
	case 1:
		return ids[0], nil
	default:
		return 0, fmt.Errorf("identity %s is ambiguous across labels", identity)
	}
}

// Relate creates a relationship by identity matching.
func (s *SQLiteStore) Relate(ctx context.Context, rel models.Relationship) error {
	err := s.locked(func() error {
		if rel.Type == "" {
			return fmt.Errorf("relationship type required")
		}
		q := s.q()
		startID, err := resolveEndpoint(ctx, q, rel.StartLabel, rel.StartIdentity)
		if err != nil {
			return err
		}
		endID, err := resolveEndpoint(ctx, q, rel.EndLabel, rel.EndIdentity)
		if err != nil {
			return err
		}
		raw, err := encodeProps(rel.Properties)
		if err != nil {
			return fmt.Errorf("encode properties: %w", err)
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO relationships (start_id, end_id, type, properties) VALUES (?, ?, ?, ?)
			ON CONFLICT(start_id, end_id, type) DO UPDATE SET properties = excluded.properties`,
			startID, endID, rel.Type, raw)
		if err != nil {
			return fmt.Errorf("insert relationship: %w", err)
		}
		return nil
	})
	return wrapErr("relate", rel.StartIdentity, err)
}

// Clear deletes every relationship and entity in one transaction.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	err := s.locked(func() error {
		return s.withTx(ctx, func(q querier) error {
			for _, table := range []string{"relationships", "entities"} {
				if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
					return fmt.Errorf("clear %s: %w", table, err)
				}
			}
			return nil
		})
	})
	return wrapErr("clear", "", err)
}

// Close rolls back any open transaction and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var _ Store = (*SQLiteStore)(nil)
