package okik

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/okikorg/okik/internal/deploy"
)

func (a *App) showConfigCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "show-config",
		Short: "List the service manifests written by create",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			manifests, err := deploy.ReadManifests(dir)
			if err != nil {
				return err
			}
			if len(manifests) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no service manifests in %s; run `create` first\n", dir)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tREPLICAS\tACCELERATOR\tENDPOINTS")
			for _, m := range manifests {
				var endpoints []string
				for _, ep := range m.Spec.Endpoints {
					endpoints = append(endpoints, ep.HTTPMethod+" "+ep.Path)
				}
				acc := m.Spec.AcceleratorSummary()
				if acc == "" {
					acc = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", m.Name, m.Spec.Kind, m.Spec.Replicas, acc, strings.Join(endpoints, ", "))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", deploy.DefaultManifestDir, "manifest directory")
	return cmd
}
