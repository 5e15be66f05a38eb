/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/josephgoksu/taskgraph/internal/config"
	"github.com/josephgoksu/taskgraph/internal/maintenance"
	"github.com/josephgoksu/taskgraph/types"
	"github.com/spf13/cobra"
)

var maintainDaemon bool

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run storage maintenance, once or on a schedule",
	Long: `Without flags, maintain runs vacuum and checkpoint once.

With --daemon it keeps running: maintenance.schedule triggers vacuum and
checkpoint, backup.schedule triggers a snapshot export with rotation. The
config file is watched; schedule changes take effect without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			if !maintainDaemon {
				a.manager.Maintain(cmd.Context())
				fmt.Fprintln(cmd.OutOrStdout(), "Maintenance complete.")
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, a)
		})
	},
}

func newScheduler(a *app, cfg *types.AppConfig) (*maintenance.Scheduler, error) {
	return maintenance.NewScheduler(maintenance.Config{
		MaintenanceSchedule: cfg.Maintenance.Schedule,
		BackupSchedule:      cfg.Backup.Schedule,
		Maintainer:          a.manager,
		Exporter:            a.backups,
		Logger:              a.logger,
	})
}

// runDaemon runs the scheduler until ctx ends, rebuilding it whenever the
// config file changes. An invalid reload keeps the running schedule.
func runDaemon(ctx context.Context, a *app) error {
	sched, err := newScheduler(a, a.cfg)
	if err != nil {
		return err
	}
	sched.Start(ctx)

	reloads := make(chan *types.AppConfig, 1)
	if a.cfg.Config != "" {
		err := config.Watch(ctx, a.cfg.Config, config.LoadOptions{DataDir: a.cfg.Storage.Path}, 0, a.logger,
			func(cfg *types.AppConfig, err error) {
				if err != nil {
					return
				}
				select {
				case reloads <- cfg:
				default:
				}
			})
		if err != nil {
			a.logger.Warn("config watch disabled", "error", err)
		}
	}

	a.logger.Info("maintenance daemon running", "jobs", sched.Jobs(), "config", a.cfg.Config)
	for {
		select {
		case <-ctx.Done():
			sched.Stop()
			return nil
		case cfg := <-reloads:
			next, err := newScheduler(a, cfg)
			if err != nil {
				a.logger.Error("keeping previous schedule", "error", err)
				continue
			}
			sched.Stop()
			sched = next
			sched.Start(ctx)
			a.logger.Info("schedule reloaded", "jobs", sched.Jobs())
		}
	}
}

func init() {
	rootCmd.AddCommand(maintainCmd)
	maintainCmd.Flags().BoolVar(&maintainDaemon, "daemon", false, "keep running and execute scheduled jobs")
}
