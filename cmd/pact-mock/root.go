package main

import (
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pact-mock",
		Short: "Pact mock provider for consumer contract tests",
		Long: `pact-mock replays pact v2 contracts as HTTP mock providers and verifies that
every interaction was exercised by the consumer under test.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env is optional
			_ = godotenv.Load()
			configureLogging(os.Getenv("LOG_LEVEL"))
		},
	}

	root.AddCommand(
		newAdminCommand(),
		newServeCommand(),
		newValidateCommand(),
	)
	return root
}

func configureLogging(level string) {
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("invalid LOG_LEVEL %q, defaulting to info", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}
