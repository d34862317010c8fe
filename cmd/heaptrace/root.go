package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

type globalOptions struct {
	verbose bool
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	globals := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "heaptrace",
		Short: "Replay allocation traces against the segregated free-list heap",
		Long: `heaptrace drives the heap allocator with malloc-lab style trace files. It checks
that every payload is aligned, never overlaps another live payload and keeps its
contents until it is released, and reports how well the heap used its memory.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&globals.verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&globals.jsonOut, "json", false, "Output in JSON format")

	rootCmd.AddCommand(newReplayCmd(globals))
	rootCmd.AddCommand(newGenCmd(globals))

	return rootCmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// logger returns the logger handed to heaps: silent unless verbose output was requested
func (g *globalOptions) logger(cmd *cobra.Command) *slog.Logger {
	if !g.verbose {
		return slog.New(slog.NewTextHandler(io.Discard))
	}

	return slog.New(slog.HandlerOptions{Level: slog.LevelDebug}.NewTextHandler(cmd.ErrOrStderr()))
}

// printVerbose prints a verbose message if verbose mode is enabled
func (g *globalOptions) printVerbose(cmd *cobra.Command, format string, args ...interface{}) {
	if g.verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), format, args...)
	}
}
