package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/capmesh/capmesh/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "capmesh",
	Short: "Capability-based mesh scheduler",
	Long: `Capmesh is a capability-based scheduler for a mesh of worker agents.
Workers register what they can do, compete for work through bidding
rounds, and hold claims with deadlines; the scheduler detects failed
workers, reassigns their work, and keeps any single workflow from
starving the rest.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/capmesh/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/capmesh")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CAPMESH")
	// Replace dots with underscores for nested keys in env vars
	// e.g., CAPMESH_FLOW_LOAD_THRESHOLD for flow.load_threshold
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
