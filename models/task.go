package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// TaskStatus represents the possible statuses of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusCancelled  TaskStatus = "CANCELLED"
	StatusBlocked    TaskStatus = "BLOCKED"
)

// IsTerminalFailure reports FAILED or CANCELLED.
func (s TaskStatus) IsTerminalFailure() bool {
	return s == StatusFailed || s == StatusCancelled
}

// IsTerminal reports whether no further work happens on a task in this status.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s.IsTerminalFailure()
}

// TaskType distinguishes plain tasks from grouping nodes.
type TaskType string

const (
	TypeTask      TaskType = "TASK"
	TypeGroup     TaskType = "GROUP"
	TypeMilestone TaskType = "MILESTONE"
)

// Task represents a unit of work in the hierarchy.
type Task struct {
	ID           string         `json:"id" validate:"required"`
	Path         string         `json:"path,omitempty" validate:"omitempty,max=1024,taskpath"`
	Name         string         `json:"name" validate:"required,min=1,max=255"`
	Description  string         `json:"description,omitempty"`
	Type         TaskType       `json:"type" validate:"required,oneof=TASK GROUP MILESTONE"`
	Status       TaskStatus     `json:"status" validate:"required,oneof=PENDING IN_PROGRESS COMPLETED FAILED CANCELLED BLOCKED"`
	ParentPath   string         `json:"parentPath,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" validate:"dive,required"`
	Subtasks     []string       `json:"subtasks,omitempty" validate:"dive,required"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Version      int64          `json:"version" validate:"min=0"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Identity returns the application-level key: the path when set, the id otherwise.
func (t Task) Identity() string {
	if t.Path != "" {
		return t.Path
	}
	return t.ID
}

// DependencyIDs satisfies the batch processor's item contract.
func (t Task) DependencyIDs() []string {
	return t.Dependencies
}

// HasParent reports whether the task sits under another task.
func (t Task) HasParent() bool {
	return t.ParentPath != ""
}

// Clone returns a deep copy so callers never share slices or maps.
func (t Task) Clone() Task {
	c := t
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Subtasks = slices.Clone(t.Subtasks)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Normalize trims and deduplicates relationship lists and fills defaults.
func (t *Task) Normalize() {
	t.Path = strings.Trim(strings.TrimSpace(t.Path), "/")
	t.ParentPath = strings.Trim(strings.TrimSpace(t.ParentPath), "/")
	t.Name = strings.TrimSpace(t.Name)
	if t.Type == "" {
		t.Type = TypeTask
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	t.Dependencies = dedupe(t.Dependencies)
	t.Subtasks = dedupe(t.Subtasks)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// AddSubtask appends identity if missing.
func (t *Task) AddSubtask(identity string) {
	if !slices.Contains(t.Subtasks, identity) {
		t.Subtasks = append(t.Subtasks, identity)
	}
}

// RemoveSubtask removes identity, keeping order.
func (t *Task) RemoveSubtask(identity string) {
	t.Subtasks = slices.DeleteFunc(t.Subtasks, func(s string) bool { return s == identity })
}

// Touch bumps the version and update timestamp after a successful mutation.
func (t *Task) Touch(now time.Time) {
	t.Version++
	t.UpdatedAt = now
}

// TaskPage is one page of a paginated listing.
type TaskPage struct {
	Tasks      []Task `json:"tasks" validate:"dive"`
	TotalCount int    `json:"totalCount"`
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
}

// HasMore reports whether another page follows.
func (p TaskPage) HasMore() bool {
	return p.Offset+len(p.Tasks) < p.TotalCount
}

// global validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("taskpath", validateTaskPath)
}

// validateTaskPath rejects empty segments and relative segments.
func validateTaskPath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" {
		return true
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// ValidateStruct performs validation on any struct that has validation tags.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var errorMessages []string
	for _, e := range validationErrors {
		errorMessages = append(errorMessages, fmt.Sprintf("field '%s': rule '%s' (value: '%v')", e.StructNamespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("%s", strings.Join(errorMessages, "; "))
}

// NewTask creates a pending task with timestamps set.
func NewTask(id, path, name string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		Path:      path,
		Name:      name,
		Type:      TypeTask,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarshalSnapshot encodes the task in its canonical JSON form.
func MarshalSnapshot(t Task) ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalSnapshot decodes a canonical JSON snapshot.
func UnmarshalSnapshot(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode task snapshot: %w", err)
	}
	return t, nil
}
