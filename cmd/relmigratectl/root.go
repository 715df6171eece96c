package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var verbose bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relmigratectl",
		Short:         "Operator and test tooling for the live migration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	root.AddCommand(newInspectCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newCacheSizeCmd())

	return root
}

// newLogger builds the SugaredLogger every engine.Config-consuming
// subcommand logs through, matching the engine package's own
// go.uber.org/zap usage.
func newLogger() (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return log.Sugar(), nil
}
