package main

import (
	"context"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

var flagDebug bool

var rootCmd = &cobra.Command{
	Use:   "noetl",
	Short: "Event-sourced workflow orchestration engine",
	Long: `NoETL executes YAML playbooks as token-routed workflows: a control
plane appends every state change to a durable event log and schedules steps
over a command bus, and workers run the step pipelines and report back
through events.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logs")
	rootCmd.AddCommand(serveCmd, workerCmd)
}

// logContext builds the logging context shared by the subcommands.
func logContext() context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if flagDebug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}
