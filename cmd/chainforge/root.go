package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

// envOverrides are read once at startup; flags win over them.
type envOverrides struct {
	Config   string `env:"CHAINFORGE_CONFIG" envDefault:"config.yaml"`
	Network  string `env:"CHAINFORGE_NETWORK"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

var (
	cfgPath     string
	networkFlag string
	jsonOut     bool
	overrides   envOverrides

	rootCmd = &cobra.Command{
		Use:   "chainforge",
		Short: "Build-to-earn game transaction orchestration and ledger event sync",
	}
)

func init() {
	cobra.EnableCommandSorting = false

	if err := env.Parse(&overrides); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("parse env: %w", err))
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", overrides.Config, "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&networkFlag, "network", "n", overrides.Network, "Network id override (default: global.network)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		versionCmd,
		initCmd,
		validateCmd,
		runCmd,
		stateCmd,
		exportCmd,
		mintCmd,
		listCmd,
		buyCmd,
		transferCmd,
		claimCmd,
		voteCmd,
		worldCmd,
		batchCmd,
		eventsCmd,
		walletCmd,
	)
}

// Execute runs the root command tree.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
