package okik

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/deploy"
	"github.com/okikorg/okik/pkg/errdefs"
)

func (a *App) serveCommand() *cobra.Command {
	var cluster string
	cmd := &cobra.Command{
		Use:   "serve [task-file...]",
		Short: "Launch the generated SkyPilot tasks on a cloud cluster",
		Long: "Runs `sky launch` for the given task files, or for every task written by `build` into the " +
			"output directory. A single task is launched on the cluster named by --name; several tasks are " +
			"launched on <name>-<service>.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := a.state.cfg.Build.OutputDir

			var tasks []deploy.TaskFile
			for _, p := range args {
				if _, err := os.Stat(p); err != nil {
					return errdefs.Configuration([]string{p}, "task file: %v", err)
				}
				tasks = append(tasks, deploy.TaskFile{Service: taskService(p), Path: p})
			}
			if len(args) == 0 {
				found, err := deploy.SkyTasks(dir)
				if err != nil {
					return err
				}
				if len(found) == 0 {
					return errdefs.Configuration([]string{dir}, "no task files in %s; run `build` first", dir)
				}
				tasks = found
			}

			log := ctrl.LoggerFrom(ctx)
			for _, task := range tasks {
				name := cluster
				if len(tasks) > 1 {
					name = cluster + "-" + task.Service
				}
				log.Info("Launching task", "cluster", name, "task", task.Path)
				if err := a.Launcher.Launch(ctx, name, task.Path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "launched %s on cluster %s\n", task.Service, name)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&cluster, "name", "n", "", "cluster name")
	flags.String("output-dir", ".okik/build", "directory holding the task files written by build")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskService(path string) string {
	base := filepath.Base(path)
	if name, ok := strings.CutSuffix(base, deploy.SkyTaskSuffix); ok {
		return name
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
