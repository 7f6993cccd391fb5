package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/getsentry/functree/internal/logutil"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "functree",
		Short: "Inspect function call timing trees",
		Long: `functree works with the call trees appended by instrumented programs.

Examples:
  functree demo --workers 4             # write a few trees with a sample workload
  functree tail -n 3 function_times.log # print the last three trees of a log`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logutil.ConfigureLogger(verbose)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.AddCommand(newDemoCommand(), newTailCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("functree failed")
		os.Exit(1)
	}
}
