// Command rebacd runs the ReBAC authorization engine: a tuple store, model
// repository, check engine and gRPC service surface in one process.
package main

import (
	"os"

	"github.com/jzelinskie/cobrautil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/authzed/rebacd/pkg/cmd/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "rebacd",
		Short:   "a relationship-based access control authorization engine",
		Version: cobrautil.Version,
	}

	var logLevel string
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "verbosity of logging (trace, debug, info, warn, error)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	}

	rootCmd.AddCommand(server.NewCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("rebacd exited with an error")
		os.Exit(1)
	}
}
