package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/josephgoksu/taskgraph/internal/util"
	"github.com/josephgoksu/taskgraph/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const releaseManifest = `
tasks:
  - path: release/publish
    name: Publish
    parent: release
    dependencies: [release/build]
  - path: release/build
    name: Build artifacts
    parent: release
  - path: release
    name: Release 1.0
    type: GROUP
`

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseManifest(t *testing.T) {
	tasks, err := parseManifest(strings.NewReader(releaseManifest))
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "release", tasks[0].ParentPath)
	assert.Equal(t, []string{"release/build"}, tasks[0].Dependencies)
	assert.Equal(t, "GROUP", string(tasks[2].Type))

	_, err = parseManifest(strings.NewReader("tasks:\n  - path: a\n    owner: me\n"))
	assert.ErrorContains(t, err, "owner")

	_, err = parseManifest(strings.NewReader(""))
	assert.ErrorContains(t, err, "empty")

	_, err = parseManifest(strings.NewReader("tasks:\n  - name: nameless\n"))
	assert.ErrorContains(t, err, "path or id is required")
}

func TestApplyValidateAndList(t *testing.T) {
	dir := t.TempDir()
	manifest := writeManifest(t, dir, releaseManifest)

	out, err := runCLI(t, dir, "", "apply", manifest, "--chunk-size", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "chunk 3/3")
	assert.Contains(t, out, "Applied 3 tasks.")

	out, err = runCLI(t, dir, "", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "No issues found.")

	out, err = runCLI(t, dir, "", "task", "list", "--match", "release/*", "--json")
	require.NoError(t, err)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, "release/build", listed[0]["path"])

	out, err = runCLI(t, dir, "", "task", "show", "release")
	require.NoError(t, err)
	assert.Contains(t, out, "children: release/build, release/publish")

	out, err = runCLI(t, dir, "", "task", "show", "release/pu")
	require.NoError(t, err)
	assert.Contains(t, out, "release/publish  (")

	_, err = runCLI(t, dir, "", "task", "show", "release/")
	assert.ErrorIs(t, err, util.ErrAmbiguousID)
}

func TestApply_RejectsCycle(t *testing.T) {
	dir := t.TempDir()
	manifest := writeManifest(t, dir, `
tasks:
  - path: x
    name: X
    dependencies: [y]
  - path: y
    name: Y
    dependencies: [x]
`)
	_, err := runCLI(t, dir, "", "apply", manifest)
	require.Error(t, err)
	assert.Equal(t, exitValidation, ExitCode(err))
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	out, err := runCLI(t, dir, "", "task", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks found.")
}

func TestTaskCommands(t *testing.T) {
	dir := t.TempDir()

	_, err := runCLI(t, dir, "", "task", "add", "a", "--name", "A")
	require.NoError(t, err)
	out, err := runCLI(t, dir, "", "task", "add", "b", "--dep", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "depends: a")

	_, err = runCLI(t, dir, "", "task", "add", "c", "--dep", "ghost")
	assert.Equal(t, exitValidation, ExitCode(err))

	out, err = runCLI(t, dir, "", "task", "status", "a", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED, v2")

	_, err = runCLI(t, dir, "", "task", "delete", "a")
	assert.Equal(t, exitValidation, ExitCode(err), "b depends on a")

	out, err = runCLI(t, dir, "", "task", "delete", "a", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 tasks: a")
}

func TestBackupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	manifest := writeManifest(t, dir, releaseManifest)
	_, err := runCLI(t, dir, "", "apply", manifest)
	require.NoError(t, err)

	out, err := runCLI(t, dir, "", "backup", "export", "--json")
	require.NoError(t, err)
	var exported map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &exported))
	snapshot := exported["snapshot"]
	assert.FileExists(t, filepath.Join(snapshot, "full_export.json"))
	assert.Equal(t, filepath.Join(dir, "backups"), filepath.Dir(snapshot))

	_, err = runCLI(t, dir, "", "task", "delete", "release", "--recursive")
	require.NoError(t, err)

	out, err = runCLI(t, dir, "", "backup", "import", filepath.Base(snapshot), "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Restored 3 entities")

	out, err = runCLI(t, dir, "", "task", "show", "release/publish")
	require.NoError(t, err)
	assert.Contains(t, out, "depends: release/build")

	out, err = runCLI(t, dir, "", "backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Base(snapshot))

	out, err = runCLI(t, dir, "", "backup", "rotate", "--keep", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 snapshots")
}

func TestBackupImport_RequiresConfirmation(t *testing.T) {
	orig := isInteractive
	defer func() { isInteractive = orig }()
	dir := t.TempDir()

	out, err := runCLI(t, dir, "", "backup", "export", "--json")
	require.NoError(t, err)
	var exported map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &exported))
	name := filepath.Base(exported["snapshot"])

	isInteractive = func() bool { return false }
	_, err = runCLI(t, dir, "", "backup", "import", name)
	assert.ErrorIs(t, err, errNotInteractive)

	isInteractive = func() bool { return true }
	out, err = runCLI(t, dir, "n\n", "backup", "import", name)
	require.NoError(t, err)
	assert.Contains(t, out, "Import cancelled.")

	_, err = runCLI(t, dir, "", "backup", "import", "../../etc", "--yes")
	assert.Error(t, err)
}

func TestMaintainOnce(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "", "maintain")
	require.NoError(t, err)
	assert.Contains(t, out, "Maintenance complete.")
}
