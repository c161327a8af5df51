package okik

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/deploy"
	"github.com/okikorg/okik/pkg/errdefs"
)

func (a *App) buildCommand() *cobra.Command {
	var skipImage, apply bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Write the deployment descriptor and build spec, then build the image",
		Long: "Discovers the declared services and writes a Kubernetes descriptor, a Dockerfile and one " +
			"SkyPilot task per service into the output directory. The image is built with docker unless " +
			"--skip-image is given; the descriptor is applied to the cluster only with --deploy.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := ctrl.LoggerFrom(ctx).WithName("build")
			cfg := a.state.cfg

			if cfg.Build.AppName == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				cfg.Build.AppName = filepath.Base(wd)
			}

			reg, err := a.state.discoverer.Discover(ctx)
			if err != nil {
				return err
			}
			if len(reg.Services()) == 0 {
				return errdefs.Configuration(nil, "no services are declared")
			}
			// route problems are deployment problems too
			if _, err := a.state.discoverer.Compile(ctx); err != nil {
				return err
			}

			image := cfg.Build.Image()
			desc, err := deploy.NewBuilder(cfg.Build, cfg.Deploy).Build(ctx, reg, image)
			if err != nil {
				return err
			}
			descPath, err := desc.WriteFile(cfg.Build.OutputDir)
			if err != nil {
				return err
			}
			specPaths, err := deploy.WriteBuildSpec(cfg.Build.OutputDir, cfg.Build, reg.Services())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range append([]string{descPath}, specPaths...) {
				fmt.Fprintln(out, "wrote", p)
			}

			if skipImage {
				log.Info("Skipping image build", "image", image)
			} else if err := a.ImageBuilder.Build(ctx, ".", specPaths[0], image); err != nil {
				return err
			}

			if !apply {
				return nil
			}
			applier, err := a.NewApplier(cfg.Deploy.ApplyRetries)
			if err != nil {
				return err
			}
			if err := applier.Apply(ctx, desc); err != nil {
				return err
			}
			fmt.Fprintf(out, "deployed %d services to namespace %s\n", len(desc.Workloads), desc.Namespace)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("app-name", "", "application name (default: current directory name)")
	flags.StringP("tag", "t", "latest", "image tag")
	flags.String("registry", "", "image registry prefix")
	flags.String("output-dir", ".okik/build", "directory for generated files")
	flags.String("package", ".", "main package compiled into the image")
	flags.String("namespace", "default", "target namespace")
	flags.Bool("service-monitor", false, "emit a prometheus-operator ServiceMonitor per service")
	flags.BoolVar(&skipImage, "skip-image", false, "do not build the image")
	flags.BoolVar(&apply, "deploy", false, "apply the descriptor to the current cluster")
	return cmd
}
