// Command backtestctl is the thin automation entrypoint for the replay-first
// backtesting engine. CLI parsing, config file loading mechanics, and report
// rendering are explicitly out of scope for the core (spec.md §1); this
// binary exists only to wire the core's components together the way an
// operator or CI job would invoke them, following the teacher's cobra
// root-command-plus-subcommand convention (cmd/cryptorun/main.go).
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const appName = "backtestctl"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Replay-first backtesting engine for LLM-assisted trading strategies",
	}

	rootCmd.AddCommand(newRunCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("backtestctl: command failed")
		os.Exit(1)
	}
}
