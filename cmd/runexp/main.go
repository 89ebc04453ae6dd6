package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/flow-pin3d/runexp/internal/core"
)

var (
	version   = "0.3.0"
	commit    = ""
	buildDate = ""
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runexp",
		Short: "runexp: parallel ORD/CDS experiment runner",
		Long:  "runexp runs the run and eval stages of every (flow, technology, case) combination in parallel, locally or with the ORD eval stage on a remote host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/runexp/config.yaml)")

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", core.ErrInvalidConfig, err)
	})

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "runexp %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// exitCode maps a command error to the process exit status. Task failures
// never reach here; they are reported and the run still exits 0.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, core.ErrInterrupted):
		return 130
	case errors.Is(err, core.ErrInvalidConfig):
		return 2
	default:
		return 1
	}
}

func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	err := root.Execute()
	if err != nil && !errors.Is(err, core.ErrInterrupted) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}
