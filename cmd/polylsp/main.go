// Command polylsp is a command-line front end for the LSP multiplexer:
// point it at a file and it spawns the right language server, runs one
// request, and prints the result.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig      string
	flagWatchConfig bool
	flagLogLevel    string
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "polylsp",
		Short:         "query language servers from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(flagLogLevel)
		},
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a TOML server overlay file")
	root.PersistentFlags().BoolVar(&flagWatchConfig, "watch-config", false, "reload the overlay file when it changes")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServersCmd(),
		newCompletionCmd(),
		newHoverCmd(),
		newDefinitionCmd(),
		newSymbolsCmd(),
		newDiagnosticsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "polylsp:", err)
		return 1
	}
	return 0
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})))
	return nil
}
