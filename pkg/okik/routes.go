package okik

import (
	"encoding/json"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
)

func (a *App) routesCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "routes",
		Aliases: []string{"gen"},
		Short:   "Compile and list the route table",
		Long: "Discovers the declared services, compiles the route table and prints it. " +
			"Fails with exit code 2 on configuration errors such as route collisions or orphan endpoints.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := a.state.discoverer.Compile(cmd.Context())
			if err != nil {
				return err
			}
			log := ctrl.LoggerFrom(cmd.Context())
			for _, w := range table.Warnings {
				log.Info("Warning", "message", w)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(table)
			}
			return table.Render(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the table as JSON")
	return cmd
}
