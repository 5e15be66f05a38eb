/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/josephgoksu/taskgraph/internal/task"
	"github.com/josephgoksu/taskgraph/internal/util"
	"github.com/josephgoksu/taskgraph/models"
	"github.com/spf13/cobra"
)

var (
	addName      string
	addDesc      string
	addType      string
	addParent    string
	addDeps      []string
	listStatus   string
	listPattern  string
	listOffset   int
	listLimit    int
	delRecursive bool
	delForce     bool
)

const listNameWidth = 40

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"t"},
	Short:   "Create, inspect and delete tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Create a task",
	Example: `  taskgraph task add release --name "Release 1.0" --type GROUP
  taskgraph task add release/publish --name Publish --parent release --dep release/build`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			name := addName
			if name == "" {
				name = args[0]
			}
			t, err := a.manager.CreateTask(cmd.Context(), models.Task{
				Path:         args[0],
				Name:         name,
				Description:  addDesc,
				Type:         models.TaskType(strings.ToUpper(addType)),
				ParentPath:   addParent,
				Dependencies: addDeps,
			})
			if err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), t)
		})
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <identity>",
	Short: "Show one task",
	Long:  "Shows a task by identity or by a unique identity prefix.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			id, err := util.ResolveIdentity(cmd.Context(), a.manager, args[0])
			if err != nil {
				return err
			}
			t, err := a.manager.GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), t)
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks by page, status or identity pattern",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			var tasks []models.Task
			var err error
			switch {
			case listPattern != "":
				tasks, err = a.manager.FindByPattern(ctx, listPattern)
			case listStatus != "":
				tasks, err = a.manager.FindByStatus(ctx, models.TaskStatus(strings.ToUpper(listStatus)))
			default:
				var page models.TaskPage
				page, err = a.manager.List(ctx, listOffset, listLimit)
				if err == nil && isJSON() {
					return printJSON(cmd.OutOrStdout(), page)
				}
				tasks = page.Tasks
			}
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tSTATUS\tTYPE\tNAME\tDEPENDS ON")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.Identity(), t.Status, t.Type, util.Truncate(t.Name, listNameWidth), strings.Join(t.Dependencies, ","))
			}
			return w.Flush()
		})
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <identity> <status>",
	Short: "Set the status of a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			id, err := util.ResolveIdentity(cmd.Context(), a.manager, args[0])
			if err != nil {
				return err
			}
			t, err := a.manager.UpdateStatus(cmd.Context(), id, models.TaskStatus(strings.ToUpper(args[1])))
			if err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), t)
		})
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <identity>",
	Short: "Delete a task",
	Long: `Deletes a task. Tasks with children need --recursive; tasks other tasks
depend on need --force, which also removes them from those dependency lists.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			id, err := util.ResolveIdentity(cmd.Context(), a.manager, args[0])
			if err != nil {
				return err
			}
			deleted, err := a.manager.DeleteTask(cmd.Context(), id, task.DeleteOptions{
				Recursive: delRecursive,
				Force:     delForce,
			})
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": deleted})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d tasks: %s\n", len(deleted), strings.Join(deleted, ", "))
			return nil
		})
	},
}

func printTask(w io.Writer, t models.Task) error {
	if isJSON() {
		return printJSON(w, t)
	}
	fmt.Fprintf(w, "%s  (%s, %s, v%d)\n", t.Identity(), t.Type, t.Status, t.Version)
	fmt.Fprintf(w, "  name:    %s\n", t.Name)
	if t.Description != "" {
		fmt.Fprintf(w, "  desc:    %s\n", t.Description)
	}
	if t.ParentPath != "" {
		fmt.Fprintf(w, "  parent:  %s\n", t.ParentPath)
	}
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(w, "  depends: %s\n", strings.Join(t.Dependencies, ", "))
	}
	if len(t.Subtasks) > 0 {
		fmt.Fprintf(w, "  children: %s\n", strings.Join(t.Subtasks, ", "))
	}
	return nil
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskShowCmd, taskListCmd, taskStatusCmd, taskDeleteCmd)

	taskAddCmd.Flags().StringVar(&addName, "name", "", "task name (defaults to the path)")
	taskAddCmd.Flags().StringVar(&addDesc, "description", "", "task description")
	taskAddCmd.Flags().StringVar(&addType, "type", "", "TASK, GROUP or MILESTONE")
	taskAddCmd.Flags().StringVar(&addParent, "parent", "", "parent task identity")
	taskAddCmd.Flags().StringSliceVar(&addDeps, "dep", nil, "dependency identity (repeatable)")

	taskListCmd.Flags().StringVar(&listStatus, "status", "", "only tasks in this status")
	taskListCmd.Flags().StringVar(&listPattern, "match", "", "identity glob, e.g. 'release/*'")
	taskListCmd.Flags().IntVar(&listOffset, "offset", 0, "page offset")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 50, "page size (0 for all)")

	taskDeleteCmd.Flags().BoolVarP(&delRecursive, "recursive", "r", false, "delete descendants too")
	taskDeleteCmd.Flags().BoolVarP(&delForce, "force", "f", false, "delete even when other tasks depend on it")
}
