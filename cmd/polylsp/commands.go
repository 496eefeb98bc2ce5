package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/polylsp/polylsp/internal/lsp"
)

// newClient builds a client with the overlay applied when --config is
// set, optionally reloading it on change.
func newClient() (*lsp.Client, error) {
	registry := lsp.NewRegistry()
	if flagConfig != "" {
		if err := registry.LoadOverlay(flagConfig); err != nil {
			return nil, err
		}
		if flagWatchConfig {
			if err := registry.WatchOverlay(context.Background(), flagConfig); err != nil {
				return nil, err
			}
		}
	}
	store := lsp.NewDiagnosticsStore()
	manager := lsp.NewManager(registry, store, nil)
	return lsp.NewClient(lsp.WithManager(manager), lsp.WithStore(store)), nil
}

// readTarget loads the file named by args[0] and parses the optional
// one-based line and column arguments.
func readTarget(args []string) (path, text string, line, col int, err error) {
	path, err = filepath.Abs(args[0])
	if err != nil {
		return "", "", 0, 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", 0, 0, err
	}
	line, col = 1, 1
	if len(args) > 1 {
		if line, err = strconv.Atoi(args[1]); err != nil {
			return "", "", 0, 0, fmt.Errorf("line: %w", err)
		}
	}
	if len(args) > 2 {
		if col, err = strconv.Atoi(args[2]); err != nil {
			return "", "", 0, 0, fmt.Errorf("column: %w", err)
		}
	}
	return path, string(data), line, col, nil
}

func newServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "list configured language servers and their availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			for _, info := range client.Languages() {
				state := "missing"
				switch {
				case info.Unavailable:
					state = "disabled"
				case info.Available:
					state = "available"
				}
				fmt.Printf("%-12s %-28s %s\n", info.LanguageID, info.Command, state)
				if !info.Available && info.InstallHint != "" {
					fmt.Printf("%-12s   install: %s\n", "", info.InstallHint)
				}
			}
			return nil
		},
	}
}

// withClient runs one request against a fresh client and shuts the
// spawned servers down afterwards.
func withClient(fn func(ctx context.Context, client *lsp.Client) error) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = client.Shutdown(shutCtx)
	}()
	return fn(ctx, client)
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <file> <line> <column>",
		Short: "request completions at a one-based position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, text, line, col, err := readTarget(args)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, client *lsp.Client) error {
				for _, item := range client.Completion(ctx, path, text, line, col, "") {
					if item.Detail != "" {
						fmt.Printf("%s\t%s\n", item.Label, item.Detail)
					} else {
						fmt.Println(item.Label)
					}
				}
				return nil
			})
		},
	}
}

func newHoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hover <file> <line> <column>",
		Short: "show hover content at a one-based position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, text, line, col, err := readTarget(args)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, client *lsp.Client) error {
				hover := client.Hover(ctx, path, text, line, col)
				if hover == nil {
					return nil
				}
				switch contents := hover.Contents.(type) {
				case string:
					fmt.Println(contents)
				case map[string]any:
					if value, ok := contents["value"].(string); ok {
						fmt.Println(value)
					}
				default:
					out, _ := json.Marshal(hover.Contents)
					fmt.Println(string(out))
				}
				return nil
			})
		},
	}
}

func newDefinitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "definition <file> <line> <column>",
		Short: "find the definition of the symbol at a one-based position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, text, line, col, err := readTarget(args)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, client *lsp.Client) error {
				for _, loc := range client.Definition(ctx, path, text, line, col) {
					fmt.Printf("%s:%d:%d\n",
						lsp.URIToFilePath(loc.URI),
						loc.Range.Start.Line+1,
						loc.Range.Start.Character+1)
				}
				return nil
			})
		},
	}
}

func newSymbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols <file>",
		Short: "print the symbol outline of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, text, _, _, err := readTarget(args)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, client *lsp.Client) error {
				printSymbols(client.DocumentSymbols(ctx, path, text), 0)
				return nil
			})
		},
	}
}

func printSymbols(symbols []lsp.DocumentSymbol, depth int) {
	for _, sym := range symbols {
		fmt.Printf("%*s%s (line %d)\n", depth*2, "", sym.Name, sym.SelectionRange.Start.Line+1)
		printSymbols(sym.Children, depth+1)
	}
}

func newDiagnosticsCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "diagnostics <file>",
		Short: "print published diagnostics for a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, text, _, _, err := readTarget(args)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, client *lsp.Client) error {
				// Diagnostics arrive asynchronously after the open.
				client.Diagnostics(ctx, path, text)
				time.Sleep(wait)
				for _, d := range client.Diagnostics(ctx, path, text) {
					fmt.Printf("%d:%d %s %s\n",
						d.Range.Start.Line+1,
						d.Range.Start.Character+1,
						severityLabel(d.Severity),
						d.Message)
				}
				return nil
			})
		},
	}
	cmd.Args = cobra.ExactArgs(1)
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to wait for the server to publish")
	return cmd
}

func severityLabel(s lsp.DiagnosticSeverity) string {
	switch s {
	case lsp.DiagnosticSeverityError:
		return "error"
	case lsp.DiagnosticSeverityWarning:
		return "warning"
	case lsp.DiagnosticSeverityInformation:
		return "info"
	case lsp.DiagnosticSeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}
