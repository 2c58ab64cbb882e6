package cli

import (
	"callgate/ops"
	"callgate/security"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(opsCmd)
}

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List the built-in callables and the directions they are declared safe for",
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CALLABLE\tDIRECTION\tPUSHED BY A WORKER")
		for _, d := range ops.DefaultCatalog().Descriptors() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Direction, security.Decide(d.Direction))
		}
		return tw.Flush()
	},
}
