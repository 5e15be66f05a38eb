package models

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTask_ValidateStruct(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{
			name: "valid task",
			task: Task{
				ID:        uuid.New().String(),
				Path:      "project/setup",
				Name:      "Setup",
				Type:      TypeTask,
				Status:    StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			},
			wantErr: false,
		},
		{
			name: "empty name",
			task: Task{
				ID:     uuid.New().String(),
				Type:   TypeTask,
				Status: StatusPending,
			},
			wantErr: true,
		},
		{
			name: "invalid status",
			task: Task{
				ID:     uuid.New().String(),
				Name:   "Valid",
				Type:   TypeTask,
				Status: "DONE",
			},
			wantErr: true,
		},
		{
			name: "invalid type",
			task: Task{
				ID:     uuid.New().String(),
				Name:   "Valid",
				Type:   "EPIC",
				Status: StatusPending,
			},
			wantErr: true,
		},
		{
			name: "path with empty segment",
			task: Task{
				ID:     uuid.New().String(),
				Path:   "project//setup",
				Name:   "Setup",
				Type:   TypeTask,
				Status: StatusPending,
			},
			wantErr: true,
		},
		{
			name: "path with parent segment",
			task: Task{
				ID:     uuid.New().String(),
				Path:   "project/../etc",
				Name:   "Setup",
				Type:   TypeTask,
				Status: StatusPending,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.task)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStruct() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTask_IdentityPrefersPath(t *testing.T) {
	task := Task{ID: "abc", Path: "a/b"}
	if got := task.Identity(); got != "a/b" {
		t.Errorf("Identity() = %q, want a/b", got)
	}
	task.Path = ""
	if got := task.Identity(); got != "abc" {
		t.Errorf("Identity() = %q, want abc", got)
	}
}

func TestTask_NormalizeDedupesAndDefaults(t *testing.T) {
	task := Task{
		Path:         "/a/b/",
		ParentPath:   " a/ ",
		Dependencies: []string{"x", "y", "x", " ", "y"},
	}
	task.Normalize()

	if task.Path != "a/b" || task.ParentPath != "a" {
		t.Errorf("paths not trimmed: %q %q", task.Path, task.ParentPath)
	}
	if len(task.Dependencies) != 2 {
		t.Errorf("expected 2 dependencies, got %v", task.Dependencies)
	}
	if task.Status != StatusPending || task.Type != TypeTask {
		t.Errorf("defaults not applied: %s %s", task.Status, task.Type)
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	orig := Task{Dependencies: []string{"a"}, Metadata: map[string]any{"k": "v"}}
	c := orig.Clone()
	c.Dependencies[0] = "b"
	c.Metadata["k"] = "changed"

	if orig.Dependencies[0] != "a" || orig.Metadata["k"] != "v" {
		t.Error("Clone shares state with the original")
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	if !StatusFailed.IsTerminalFailure() || !StatusCancelled.IsTerminalFailure() {
		t.Error("FAILED and CANCELLED are terminal failures")
	}
	if StatusCompleted.IsTerminalFailure() {
		t.Error("COMPLETED is not a terminal failure")
	}
	if !StatusCompleted.IsTerminal() || StatusBlocked.IsTerminal() {
		t.Error("IsTerminal mismatch")
	}
}

func TestSnapshotRoundTripIsStable(t *testing.T) {
	task := *NewTask("id-1", "p/t", "Task")
	task.Dependencies = []string{"p/other"}

	first, err := MarshalSnapshot(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalSnapshot(first)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	second, err := MarshalSnapshot(decoded)
	if err != nil {
		t.Fatalf("marshal again: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("snapshot not stable:\n%s\n%s", first, second)
	}
}

func TestTaskEntityConversion(t *testing.T) {
	task := *NewTask("id-1", "p/t", "Task")
	task.Version = 3

	e, err := TaskEntity(task)
	if err != nil {
		t.Fatalf("TaskEntity: %v", err)
	}
	if e.Label != LabelTask || e.Identity != "p/t" {
		t.Fatalf("unexpected entity header: %s %s", e.Label, e.Identity)
	}

	back, err := TaskFromEntity(e)
	if err != nil {
		t.Fatalf("TaskFromEntity: %v", err)
	}
	if back.Version != 3 || back.Path != "p/t" || !back.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestNormalizeLabel(t *testing.T) {
	cases := map[string]string{"project": "Project", " Task ": "Task", "": ""}
	for in, want := range cases {
		if got := NormalizeLabel(in); got != want {
			t.Errorf("NormalizeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
