package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Well-known entity labels.
const (
	LabelTask    = "Task"
	LabelProject = "Project"
)

// RelBelongsTo links a task to a grouping entity such as a project.
// Dependency and parent edges are not relationships: they travel inside the
// task's own properties and are restored with it.
const RelBelongsTo = "BELONGS_TO"

// IdentityKey is the property holding an entity's application-level identity
// inside backups.
const IdentityKey = "identity"

var labelCaser = cases.Title(language.Und, cases.NoLower)

// NormalizeLabel maps "project", " project " and "Project" to "Project".
func NormalizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}
	return labelCaser.String(label)
}

// Entity is a labelled node of the stored graph.
type Entity struct {
	Label      string         `json:"label"`
	Identity   string         `json:"identity"`
	Properties map[string]any `json:"properties"`
}

// Relationship is a directed, typed edge between two entities, addressed by
// application-level identity on both ends.
type Relationship struct {
	StartIdentity string         `json:"startIdentity"`
	EndIdentity   string         `json:"endIdentity"`
	StartLabel    string         `json:"startLabel,omitempty"`
	EndLabel      string         `json:"endLabel,omitempty"`
	Type          string         `json:"type"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// Key identifies a relationship by its endpoints and type.
func (r Relationship) Key() string {
	return r.StartLabel + ":" + r.StartIdentity + "|" + r.Type + "|" + r.EndLabel + ":" + r.EndIdentity
}

// TaskEntity converts a task into its graph form.
func TaskEntity(t Task) (Entity, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return Entity{}, fmt.Errorf("encode task %s: %w", t.Identity(), err)
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return Entity{}, fmt.Errorf("decode task properties %s: %w", t.Identity(), err)
	}
	return Entity{Label: LabelTask, Identity: t.Identity(), Properties: props}, nil
}

// TaskFromEntity decodes a Task-labelled entity.
func TaskFromEntity(e Entity) (Task, error) {
	if e.Label != LabelTask {
		return Task{}, fmt.Errorf("entity %s has label %q, not %q", e.Identity, e.Label, LabelTask)
	}
	data, err := json.Marshal(e.Properties)
	if err != nil {
		return Task{}, fmt.Errorf("encode entity %s: %w", e.Identity, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode entity %s: %w", e.Identity, err)
	}
	return t, nil
}

// SnapshotFormatVersion is bumped when the backup layout changes.
const SnapshotFormatVersion = "1"

// Snapshot is the consolidated document of a Backup Set.
type Snapshot struct {
	Version       string                      `json:"version"`
	CreatedAt     time.Time                   `json:"createdAt"`
	Entities      map[string][]map[string]any `json:"entities"`
	Relationships []Relationship              `json:"relationships"`
}

// EntityCount returns the number of entities across all labels.
func (s Snapshot) EntityCount() int {
	n := 0
	for _, list := range s.Entities {
		n += len(list)
	}
	return n
}

// SnapshotInfo describes one Backup Set on disk.
type SnapshotInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"modTime"`
	Size    int64     `json:"size"`
}
