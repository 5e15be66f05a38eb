/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/josephgoksu/taskgraph/internal/batch"
	"github.com/josephgoksu/taskgraph/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// manifestTask is one entry of an apply manifest.
type manifestTask struct {
	ID           string         `yaml:"id"`
	Path         string         `yaml:"path"`
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Type         string         `yaml:"type"`
	Status       string         `yaml:"status"`
	Parent       string         `yaml:"parent"`
	Dependencies []string       `yaml:"dependencies"`
	Metadata     map[string]any `yaml:"metadata"`
}

type manifest struct {
	Tasks []manifestTask `yaml:"tasks"`
}

// parseManifest decodes a manifest, rejecting unknown keys.
func parseManifest(r io.Reader) ([]models.Task, error) {
	var m manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	tasks := make([]models.Task, 0, len(m.Tasks))
	for i, mt := range m.Tasks {
		if mt.Path == "" && mt.ID == "" {
			return nil, fmt.Errorf("manifest task %d: path or id is required", i)
		}
		tasks = append(tasks, models.Task{
			ID:           mt.ID,
			Path:         mt.Path,
			Name:         mt.Name,
			Description:  mt.Description,
			Type:         models.TaskType(mt.Type),
			Status:       models.TaskStatus(mt.Status),
			ParentPath:   mt.Parent,
			Dependencies: mt.Dependencies,
			Metadata:     mt.Metadata,
		})
	}
	return tasks, nil
}

var applyChunkSize int

var applyCmd = &cobra.Command{
	Use:   "apply <manifest.yaml>",
	Short: "Create the tasks of a manifest in dependency order",
	Long: `Apply validates every task of a YAML manifest as one set, then creates the
tasks in dependency order. Parents are created before their children. A
cycle or invalid reference rejects the whole manifest before anything is
written. Use "-" to read the manifest from stdin.

Example manifest:
  tasks:
    - path: release
      name: Release 1.0
      type: GROUP
    - path: release/build
      name: Build artifacts
      parent: release
    - path: release/publish
      name: Publish
      parent: release
      dependencies: [release/build]`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		tasks, err := parseManifest(bytes.NewReader(data))
		if err != nil {
			return err
		}

		return withApp(func(a *app) error {
			out := cmd.OutOrStdout()
			progress := func(p batch.Progress) {
				if isJSON() || p.Phase != batch.PhaseChunkComplete {
					return
				}
				fmt.Fprintf(out, "chunk %d/%d: %d created, %d failed\n", p.Chunk+1, p.Chunks, p.Processed, p.Failed)
			}
			res, err := a.manager.BulkCreate(cmd.Context(), tasks, applyChunkSize, progress)
			if isJSON() && res.Outcomes != nil {
				if perr := printJSON(out, map[string]any{
					"order":     res.Order,
					"outcomes":  res.Outcomes,
					"processed": res.Processed,
					"failed":    res.Failed,
					"blocked":   res.Blocked,
					"skipped":   res.Skipped,
				}); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if !isJSON() {
				fmt.Fprintf(out, "Applied %d tasks.\n", res.Processed)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().IntVar(&applyChunkSize, "chunk-size", 0, "tasks per chunk (default batch.chunkSize)")
}
