package store

import (
	"context"

	"github.com/josephgoksu/taskgraph/models"
)

// TaskStore defines the task-level contract of the Storage Port.
// Identities are application-level (models.Task.Identity).
type TaskStore interface {
	// Create adds a new task. It fails with ErrAlreadyExists when the identity is taken.
	Create(ctx context.Context, task models.Task) (models.Task, error)

	// Update replaces a stored task when task.Version equals the stored version,
	// returning the stored copy with its version incremented. A mismatch yields
	// a *types.ConcurrencyError.
	Update(ctx context.Context, task models.Task) (models.Task, error)

	// Save writes the task as given, creating or replacing it without a version
	// check. It is used to flush transaction logs and to restore pre-images.
	Save(ctx context.Context, task models.Task) error

	// Get retrieves a task by identity or returns ErrNotFound.
	Get(ctx context.Context, identity string) (models.Task, error)

	// GetByPattern returns tasks whose identity matches a glob pattern
	// ("project/*", "project/**/deploy"), ordered by identity.
	GetByPattern(ctx context.Context, pattern string) ([]models.Task, error)

	// GetByStatus returns tasks in the given status, ordered by identity.
	GetByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error)

	// GetChildren returns the direct children of parent, ordered by identity.
	GetChildren(ctx context.Context, parent string) ([]models.Task, error)

	// List returns one page of tasks ordered by identity.
	List(ctx context.Context, offset, limit int) (models.TaskPage, error)

	// Delete removes a task or returns ErrNotFound.
	Delete(ctx context.Context, identity string) error

	// DeleteMany removes the given tasks, skipping unknown identities, and
	// returns how many were deleted.
	DeleteMany(ctx context.Context, identities []string) (int, error)
}

// Transactor exposes storage-level transactions. At most one transaction is
// open per handle; operations issued while it is open join it.
type Transactor interface {
	BeginTransaction(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Maintainer exposes opportunistic maintenance hooks. Callers log their
// errors and never fail on them.
type Maintainer interface {
	Vacuum(ctx context.Context) error
	Checkpoint(ctx context.Context) error
}

// GraphStore is the entity/relationship view used by backup and restore.
type GraphStore interface {
	// Labels lists every distinct entity label, sorted.
	Labels(ctx context.Context) ([]string, error)

	// Entities lists all entities with the label, ordered by identity.
	Entities(ctx context.Context, label string) ([]models.Entity, error)

	// Relationships lists every relationship with application-level endpoints.
	Relationships(ctx context.Context) ([]models.Relationship, error)

	// PutEntity creates or replaces an entity, keeping its identity.
	PutEntity(ctx context.Context, e models.Entity) error

	// Relate creates a relationship by matching both endpoints on identity.
	// It returns ErrEndpointNotFound when either endpoint is missing.
	Relate(ctx context.Context, rel models.Relationship) error

	// Clear deletes every entity and relationship in one durable operation.
	Clear(ctx context.Context) error
}

// Store is the full Storage Port.
type Store interface {
	TaskStore
	Transactor
	Maintainer
	GraphStore

	// Close releases any resources held by the store.
	Close() error
}
