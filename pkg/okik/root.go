package okik

import (
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/internal/deploy"
	"github.com/okikorg/okik/internal/discovery"
	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/pkg/errdefs"
)

// state is resolved once flags are parsed.
type state struct {
	cfg        *config.Config
	discoverer *discovery.Discoverer
}

// Command builds the root command.
func (a *App) Command() *cobra.Command {
	if a.Out == nil {
		a.Out = os.Stdout
	}
	if a.Err == nil {
		a.Err = os.Stderr
	}
	if a.ImageBuilder == nil {
		a.ImageBuilder = &deploy.DockerBuilder{}
	}
	if a.Launcher == nil {
		a.Launcher = &deploy.SkyLauncher{Out: a.Out}
	}
	if a.NewApplier == nil {
		a.NewApplier = func(retries uint) (Applier, error) { return deploy.NewClusterDeployer(retries) }
	}

	var configFile string
	root := &cobra.Command{
		Use:           "okik",
		Short:         "Serve, inspect and package declared services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd, configFile)
		},
	}
	root.SetOut(a.Out)
	root.SetErr(a.Err)

	flags := root.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "configuration file (default ./okik.yaml when present)")
	flags.String("overrides", config.DefaultOverridesFile, "service overrides file")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.Bool("log-development", false, "human readable log output")

	root.AddCommand(
		a.routesCommand(),
		a.serverCommand(),
		a.serveCommand(),
		a.buildCommand(),
		a.createCommand(),
		a.showConfigCommand(),
		versionCommand(),
	)
	return root
}

func (a *App) setup(cmd *cobra.Command, configFile string) error {
	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		return err
	}
	if dev, _ := cmd.Flags().GetBool("dev"); dev {
		cfg.Server.Mode = config.ModeDev
	}
	opts := cfg.Log.Logging()
	opts.Development = opts.Development || cfg.Server.Dev()
	opts.Output = a.Err
	log, err := logging.Setup(opts)
	if err != nil {
		return errdefs.Configuration([]string{"log.level"}, "%v", err)
	}
	cmd.SetContext(ctrl.LoggerInto(cmd.Context(), log.WithName(cmd.Name())))
	a.state = &state{
		cfg:        cfg,
		discoverer: discovery.New(a.Registry, cfg.Server.OverridesFile),
	}
	log.V(logging.DEBUG).Info("Configuration loaded", "command", cmd.Name())
	return nil
}
