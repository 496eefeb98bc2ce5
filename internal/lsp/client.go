package lsp

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Client is the public face of the multiplexer. Callers hand it file
// paths, full document text, and one-based positions; it routes to the
// right language server and converts coordinates. Every operation
// degrades to an empty result on failure: a missing server, a dead
// process, or a timeout reads the same as "nothing to show".
type Client struct {
	manager *Manager
	store   *DiagnosticsStore
	logger  *slog.Logger
}

// NewClient creates a client over a fresh manager and diagnostics
// store using the built-in language table.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewDiagnosticsStore()
	}
	if c.manager == nil {
		c.manager = NewManager(NewRegistry(), c.store, c.logger)
	}
	return c
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithLogger sets the structured logger used throughout.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithManager supplies a preconfigured manager (custom registry,
// overlay, test doubles).
func WithManager(m *Manager) ClientOption {
	return func(c *Client) {
		c.manager = m
	}
}

// WithStore supplies a shared diagnostics store.
func WithStore(store *DiagnosticsStore) ClientOption {
	return func(c *Client) {
		c.store = store
	}
}

// Manager exposes the underlying manager for status reporting.
func (c *Client) Manager() *Manager {
	return c.manager
}

// connectionFor resolves the language and server for a file and syncs
// the document. Any failure returns (nil, "") and is logged at debug;
// callers translate that into an empty result.
func (c *Client) connectionFor(ctx context.Context, path, text string) (*Server, DocumentURI) {
	languageID := c.manager.Registry().ResolveLanguage(path)
	if languageID == "" {
		return nil, ""
	}

	srv, err := c.manager.Connection(ctx, languageID, path)
	if err != nil {
		c.logger.Debug("no connection for file", "path", path, "language", languageID, "error", err)
		return nil, ""
	}

	uri := FilePathToURI(path)
	if _, err := srv.SyncDocument(ctx, uri, languageID, text); err != nil {
		c.logger.Debug("document sync failed", "path", path, "error", err)
		return nil, ""
	}
	return srv, uri
}

// Completion returns ranked completions for a one-based position in the
// given document text. trigger, when non-empty, is the character that
// fired completion.
func (c *Client) Completion(ctx context.Context, path, text string, line, column int, trigger string) []CompletionItem {
	srv, uri := c.connectionFor(ctx, path, text)
	if srv == nil {
		return nil
	}

	params := CompletionParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     ProtocolPosition(text, line, column),
		},
	}
	if trigger != "" {
		params.Context = &CompletionContext{
			TriggerKind:      CompletionTriggerCharacter,
			TriggerCharacter: trigger,
		}
	} else {
		params.Context = &CompletionContext{TriggerKind: CompletionTriggerInvoked}
	}

	items, err := srv.Completion(ctx, params)
	if err != nil {
		c.logger.Debug("completion failed", "path", path, "error", err)
		return nil
	}

	cfg, _ := c.manager.Registry().ConfigFor(srv.LanguageID)
	return RankCompletions(items, WordPrefix(text, line, column), RankOptions{
		DemotedSortPrefix: cfg.Profile.DemotedSortPrefix,
	})
}

// ResolveCompletion fills in lazily-computed fields of a selected item.
// On failure the item comes back unchanged.
func (c *Client) ResolveCompletion(ctx context.Context, path string, item CompletionItem) CompletionItem {
	languageID := c.manager.Registry().ResolveLanguage(path)
	if languageID == "" {
		return item
	}
	srv, err := c.manager.Connection(ctx, languageID, path)
	if err != nil {
		return item
	}
	resolved, err := srv.ResolveCompletion(ctx, item)
	if err != nil {
		return item
	}
	return resolved
}

// Hover returns hover content at a one-based position, or nil.
func (c *Client) Hover(ctx context.Context, path, text string, line, column int) *Hover {
	srv, uri := c.connectionFor(ctx, path, text)
	if srv == nil {
		return nil
	}

	hover, err := srv.Hover(ctx, HoverParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     ProtocolPosition(text, line, column),
		},
	})
	if err != nil {
		c.logger.Debug("hover failed", "path", path, "error", err)
		return nil
	}
	return hover
}

// Definition returns the definition locations for a one-based position.
func (c *Client) Definition(ctx context.Context, path, text string, line, column int) []Location {
	srv, uri := c.connectionFor(ctx, path, text)
	if srv == nil {
		return nil
	}

	locs, err := srv.Definition(ctx, TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     ProtocolPosition(text, line, column),
	})
	if err != nil {
		c.logger.Debug("definition failed", "path", path, "error", err)
		return nil
	}
	return locs
}

// DocumentSymbols returns the symbol outline for a document.
func (c *Client) DocumentSymbols(ctx context.Context, path, text string) []DocumentSymbol {
	srv, uri := c.connectionFor(ctx, path, text)
	if srv == nil {
		return nil
	}

	symbols, err := srv.DocumentSymbols(ctx, DocumentSymbolParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
	if err != nil {
		c.logger.Debug("document symbols failed", "path", path, "error", err)
		return nil
	}
	return symbols
}

// Diagnostics syncs the document so the server analyzes the latest text
// and returns the most recently published diagnostics for it. Servers
// publish asynchronously, so the result may lag the text just sent;
// whatever was published before a server died is still served.
func (c *Client) Diagnostics(ctx context.Context, path, text string) []Diagnostic {
	c.connectionFor(ctx, path, text)
	return c.store.Get(FilePathToURI(path))
}

// ExecuteCommand forwards a server-defined command for the language
// owning the given file.
func (c *Client) ExecuteCommand(ctx context.Context, path string, command string, args []any) json.RawMessage {
	languageID := c.manager.Registry().ResolveLanguage(path)
	if languageID == "" {
		return nil
	}
	srv, err := c.manager.Connection(ctx, languageID, path)
	if err != nil {
		return nil
	}

	raw, err := srv.ExecuteCommand(ctx, ExecuteCommandParams{Command: command, Arguments: args})
	if err != nil {
		c.logger.Debug("execute command failed", "path", path, "command", command, "error", err)
		return nil
	}
	return raw
}

// CloseDocument closes a document on its server and drops its cached
// diagnostics. A document that was never opened is a no-op.
func (c *Client) CloseDocument(ctx context.Context, path string) {
	uri := FilePathToURI(path)
	defer c.store.Clear(uri)

	languageID := c.manager.Registry().ResolveLanguage(path)
	if languageID == "" {
		return
	}
	srv, ok := c.manager.Existing(languageID)
	if !ok {
		return
	}
	if err := srv.CloseDocument(ctx, uri); err != nil {
		c.logger.Debug("close document failed", "path", path, "error", err)
	}
}

// Languages reports registered languages and their availability.
func (c *Client) Languages() []LanguageInfo {
	return c.manager.Languages()
}

// Instances reports the live server instances.
func (c *Client) Instances() []InstanceInfo {
	return c.manager.InstanceInfos()
}

// Shutdown stops every running server.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.manager.ShutdownAll(ctx)
}
