package okik

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okikorg/okik/internal/deploy"
)

func (a *App) createCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a manifest for every declared service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.state.discoverer.Discover(cmd.Context())
			if err != nil {
				return err
			}
			paths, err := deploy.WriteManifests(dir, deploy.Manifests(reg))
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), "wrote", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", deploy.DefaultManifestDir, "manifest directory")
	return cmd
}
