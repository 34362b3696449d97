package main

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/config"
)

// loadConfig is a variable so tests can skip the filesystem.
var loadConfig = config.Load

// newRootCmd creates the command tree.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "dnocrawler",
		Short: "Adaptive crawl orchestrator for DNO grid tariff data.",
		Long: `dnocrawler crawls distribution network operator websites for
Netzentgelte and HLZF data, learns which navigation strategies work for
each operator and reuses them on later crawls.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd(&cfgFile))
	cmd.AddCommand(newMigrateCmd(&cfgFile))
	cmd.AddCommand(newSubmitCmd())
	return cmd
}
