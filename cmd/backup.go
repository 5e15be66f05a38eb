/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	importYes  bool
	rotateKeep int
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export, import and rotate store snapshots",
	Long: `Snapshots are written to timestamped directories under backup.dir, one
JSON file per entity label plus relationships.json and full_export.json.`,
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a new snapshot of the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			dir, err := a.backups.Export(cmd.Context())
			if err != nil {
				return fmt.Errorf("export snapshot: %w", err)
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), map[string]string{"snapshot": dir})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s\n", dir)
			return nil
		})
	},
}

var backupImportCmd = &cobra.Command{
	Use:   "import <snapshot>",
	Short: "Replace the store with a snapshot",
	Long: `Import deletes every task and relationship in the store and recreates them
from the snapshot. The snapshot may be given by name or by path; it must live
under backup.dir.

Examples:
  taskgraph backup import 20250301T120000.000000000Z
  taskgraph backup import 20250301T120000.000000000Z --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			snap, dir, err := a.backups.Load(args[0])
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}
			if !importYes {
				prompt := fmt.Sprintf("Replace the store with %s (%d entities, %d relationships)",
					dir, snap.EntityCount(), len(snap.Relationships))
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), prompt)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Import cancelled.")
					return nil
				}
			}

			res, err := a.backups.Import(cmd.Context(), dir)
			a.manager.Cache().Clear()
			if err != nil {
				return fmt.Errorf("import snapshot: %w", err)
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Restored %d entities and %d relationships from %s\n",
				res.EntityTotal(), res.Relationships, res.Source)
			for _, f := range res.EntityFailures {
				fmt.Fprintf(out, "  entity %s/%s: %s\n", f.Label, f.Identity, f.Error)
			}
			for _, f := range res.RelationshipFailures {
				fmt.Fprintf(out, "  relationship %s -[%s]-> %s: %s\n",
					f.Relationship.StartIdentity, f.Relationship.Type, f.Relationship.EndIdentity, f.Error)
			}
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			infos, err := a.backups.ListSnapshots()
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			if len(infos) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No snapshots in %s\n", a.backups.Root())
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATED\tSIZE")
			for _, s := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.Name, s.ModTime.Local().Format("2006-01-02 15:04:05"), s.Size)
			}
			return w.Flush()
		})
	},
}

var backupRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Delete all but the newest snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			keep := rotateKeep
			if keep <= 0 {
				keep = a.cfg.Backup.MaxSnapshots
			}
			removed, err := a.backups.Rotate(keep)
			if err != nil {
				return fmt.Errorf("rotate snapshots: %w", err)
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), map[string]any{"removed": removed, "kept": keep})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d snapshots, keeping the newest %d\n", len(removed), keep)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupExportCmd, backupImportCmd, backupListCmd, backupRotateCmd)

	backupImportCmd.Flags().BoolVarP(&importYes, "yes", "y", false, "skip the confirmation prompt")
	backupRotateCmd.Flags().IntVar(&rotateKeep, "keep", 0, "number of snapshots to keep (default backup.maxSnapshots)")
}
