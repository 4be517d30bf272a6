package cmd

import (
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <scenario.yaml>",
	Short: "Run a simulation with a live status view",
	Long: `Run a scheduler simulation with a full-screen live status view and
the scenario file reloaded on change. Equivalent to
'capmesh sim --tui --watch'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		simTUI = true
		simWatch = true
		return runSim(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
