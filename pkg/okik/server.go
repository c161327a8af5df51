package okik

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/internal/server"
)

func (a *App) serverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the compiled route table",
		Long: "Serves every local service. With --dev the table is reloaded when watched files or the " +
			"overrides file change, and on SIGHUP. In production mode one process is started per replica.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.Bool("dev", false, "development mode with hot reload")
	flags.Bool("reload", false, "alias for --dev")
	flags.String("host", "0.0.0.0", "listen host")
	flags.Int("port", 3000, "listen port")
	flags.Duration("request-timeout", 0, "per request handler timeout")
	flags.Duration("shutdown-timeout", 0, "drain timeout on shutdown")
	flags.String("process-policy", config.PolicyShared, "production process policy: shared or per-service")
	flags.StringSlice("local-services", nil, "services served by this host (default all)")
	flags.StringSlice("watch", nil, "paths watched in dev mode")
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		if reload, _ := cmd.Flags().GetBool("reload"); reload {
			a.state.cfg.Server.Mode = config.ModeDev
		}
		return nil
	}
	return cmd
}

func (a *App) serve(ctx context.Context) error {
	cfg := a.state.cfg.Server
	log := ctrl.LoggerFrom(ctx)

	if cfg.Dev() || server.IsWorker() {
		return a.serveInProcess(ctx, cfg)
	}

	// fail fast on configuration errors before starting workers
	table, err := a.state.discoverer.Compile(ctx)
	if err != nil {
		return err
	}
	workers := server.Plan(cfg, table.Services())
	if len(workers) == 1 {
		return a.serveInProcess(ctx, cfg)
	}
	log.Info("Starting workers", "count", len(workers), "policy", cfg.ProcessPolicy)
	sup := &server.Supervisor{Config: cfg}
	return sup.Run(ctx, workers)
}

func (a *App) serveInProcess(ctx context.Context, cfg config.ServerConfig) error {
	srv := server.New(cfg, a.state.discoverer, nil)
	if err := srv.Load(ctx); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				_ = srv.Reload(ctx)
			}
		}
	}()

	return srv.ListenAndServe(ctx)
}
