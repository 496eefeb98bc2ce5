package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ServerStatus represents the lifecycle state of a server connection.
type ServerStatus int32

const (
	// StatusStarting means the process is spawning or initializing.
	StatusStarting ServerStatus = iota
	// StatusReady means the handshake completed and requests flow.
	StatusReady
	// StatusUnavailable means the binary could not be found. Terminal.
	StatusUnavailable
	// StatusExited means the process has terminated.
	StatusExited
)

// String returns a human-readable status name.
func (s ServerStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusUnavailable:
		return "unavailable"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// stderrRingSize bounds the retained stderr tail per server.
const stderrRingSize = 50

// Server is one live language server connection: the child process, its
// transport, and the document state opened on it.
type Server struct {
	// ID uniquely identifies this instance across restarts of the same
	// language.
	ID         string
	LanguageID string

	config  ServerConfig
	rootURI DocumentURI

	cmd       *exec.Cmd
	transport *Transport
	status    atomic.Int32

	capabilities InitializeResult

	docs   *DocumentSync
	router *InboundRouter
	logger *slog.Logger

	stderrMu   sync.Mutex
	stderrTail []string

	exitOnce sync.Once
	exitCh   chan error
}

// NewServer prepares a connection for one language rooted at rootPath.
// Start must be called before use.
func NewServer(cfg ServerConfig, rootPath string, store *DiagnosticsStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ID:         uuid.NewString(),
		LanguageID: cfg.LanguageID,
		config:     cfg,
		rootURI:    FilePathToURI(rootPath),
		docs:       NewDocumentSync(),
		exitCh:     make(chan error, 1),
	}
	s.logger = logger.With("language", cfg.LanguageID, "instance", s.ID)
	s.router = NewInboundRouter(cfg.LanguageID, cfg.Profile.Settings, store, s.logger)
	return s
}

// Status returns the current lifecycle state.
func (s *Server) Status() ServerStatus {
	return ServerStatus(s.status.Load())
}

// Ready reports whether the server accepts requests.
func (s *Server) Ready() bool {
	return s.Status() == StatusReady
}

// RootURI returns the workspace root the server was initialized with.
func (s *Server) RootURI() DocumentURI {
	return s.rootURI
}

// Capabilities returns the server's initialize result.
func (s *Server) Capabilities() InitializeResult {
	return s.capabilities
}

// Start spawns the process and runs the initialize handshake. A missing
// binary returns an error satisfying errors.Is(err, exec.ErrNotFound);
// the caller decides whether that is sticky.
func (s *Server) Start(ctx context.Context) error {
	cmd := exec.Command(s.config.Command, s.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			s.status.Store(int32(StatusUnavailable))
		} else {
			s.status.Store(int32(StatusExited))
		}
		return fmt.Errorf("start %s: %w", s.config.Command, err)
	}
	s.cmd = cmd
	s.logger.Info("language server started", "command", s.config.Command, "pid", cmd.Process.Pid)

	go s.drainStderr(stderr)

	s.transport = NewTransport(stdout, stdin, stdin)
	s.transport.OnRequest(s.router.HandleRequest)
	s.transport.OnNotification("*", s.router.HandleNotification)
	s.transport.Start(ctx)

	go func() {
		err := cmd.Wait()
		s.status.Store(int32(StatusExited))
		s.transport.Close()
		s.exitOnce.Do(func() {
			s.exitCh <- err
			close(s.exitCh)
		})
	}()

	if err := s.initialize(ctx); err != nil {
		s.Kill()
		return &ServerError{LanguageID: s.LanguageID, Err: err}
	}

	s.status.Store(int32(StatusReady))
	return nil
}

// initialize runs the handshake, retrying per the language profile.
func (s *Server) initialize(ctx context.Context) error {
	params := InitializeParams{
		ProcessID: os.Getpid(),
		ClientInfo: &ClientInfo{
			Name:    "polylsp",
			Version: Version,
		},
		RootURI:               s.rootURI,
		InitializationOptions: s.config.Profile.InitializationOptions,
		WorkspaceFolders: []WorkspaceFolder{
			{URI: s.rootURI, Name: "workspace"},
		},
		Capabilities: clientCapabilities(),
	}

	retry := s.config.Profile.InitRetry
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retry.Backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, coldStartTimeout)
		var result InitializeResult
		err := s.transport.Call(callCtx, "initialize", params, &result)
		cancel()
		if err != nil {
			lastErr = err
			s.logger.Warn("initialize attempt failed", "attempt", attempt, "error", err)
			continue
		}

		s.capabilities = result
		if err := s.transport.Notify(ctx, "initialized", InitializedParams{}); err != nil {
			return fmt.Errorf("initialized notification: %w", err)
		}

		if s.config.Profile.Settings != nil {
			_ = s.transport.Notify(ctx, "workspace/didChangeConfiguration", DidChangeConfigurationParams{
				Settings: s.config.Profile.Settings,
			})
		}
		for _, n := range s.config.Profile.PostInitNotifications {
			_ = s.transport.Notify(ctx, n.Method, n.Params)
		}
		return nil
	}
	return fmt.Errorf("initialize failed after %d attempts: %w", retry.MaxAttempts, lastErr)
}

// clientCapabilities is the static capability set announced to every
// server.
func clientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		Workspace: &WorkspaceClientCapabilities{
			ApplyEdit:              true,
			Configuration:          true,
			WorkspaceFolders:       true,
			DidChangeConfiguration: &DynamicRegistration{},
			ExecuteCommand:         &DynamicRegistration{},
		},
		TextDocument: &TextDocumentClientCapabilities{
			Synchronization: &TextDocumentSyncClientCapabilities{},
			Completion: &CompletionClientCapabilities{
				ContextSupport: true,
				CompletionItem: &CompletionItemCapabilities{
					DocumentationFormat: []string{"markdown", "plaintext"},
					ResolveSupport: &ResolveSupportCapabilities{
						Properties: []string{"documentation", "detail", "additionalTextEdits"},
					},
				},
			},
			Hover: &HoverClientCapabilities{
				ContentFormat: []string{"markdown", "plaintext"},
			},
			Definition: &DynamicRegistration{},
			DocumentSymbol: &DocumentSymbolClientCapabilities{
				HierarchicalDocumentSymbolSupport: true,
			},
			PublishDiagnostics: &PublishDiagnosticsCapabilities{
				VersionSupport: true,
			},
		},
		Window: &WindowClientCapabilities{},
	}
}

// drainStderr keeps a bounded tail of the server's stderr for failure
// reports and forwards lines to the debug log.
func (s *Server) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.stderrMu.Lock()
		s.stderrTail = append(s.stderrTail, line)
		if len(s.stderrTail) > stderrRingSize {
			s.stderrTail = s.stderrTail[len(s.stderrTail)-stderrRingSize:]
		}
		s.stderrMu.Unlock()
		s.logger.Debug("server stderr", "line", line)
	}
}

// OpenDocuments returns how many documents are open on this instance.
func (s *Server) OpenDocuments() int {
	return s.docs.Count()
}

// StderrTail returns the most recent stderr lines from the process.
func (s *Server) StderrTail() []string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	out := make([]string, len(s.stderrTail))
	copy(out, s.stderrTail)
	return out
}

// ExitChannel delivers the process exit error once and is then closed.
func (s *Server) ExitChannel() <-chan error {
	return s.exitCh
}

// call issues a request with the profile's request timeout unless the
// caller's context expires first.
func (s *Server) call(ctx context.Context, method string, params, result any) error {
	if !s.Ready() {
		return &ServerError{LanguageID: s.LanguageID, Err: ErrServerNotReady}
	}
	callCtx, cancel := context.WithTimeout(ctx, s.config.Profile.RequestTimeout)
	defer cancel()
	if err := s.transport.Call(callCtx, method, params, result); err != nil {
		return &ServerError{LanguageID: s.LanguageID, Err: err}
	}
	return nil
}

// Notify forwards a notification to the server.
func (s *Server) Notify(ctx context.Context, method string, params any) error {
	if s.transport == nil || s.transport.IsClosed() {
		return &ServerError{LanguageID: s.LanguageID, Err: ErrShutdown}
	}
	return s.transport.Notify(ctx, method, params)
}

// SyncDocument brings the server's copy of a document up to date and
// returns the version now in effect.
func (s *Server) SyncDocument(ctx context.Context, uri DocumentURI, languageID, text string) (int, error) {
	return s.docs.Ensure(ctx, s, uri, languageID, text)
}

// CloseDocument closes a document on the server.
func (s *Server) CloseDocument(ctx context.Context, uri DocumentURI) error {
	return s.docs.Close(ctx, s, uri)
}

// Completion requests completions at a position. The completion timeout
// class is applied instead of the general request timeout.
func (s *Server) Completion(ctx context.Context, params CompletionParams) ([]CompletionItem, error) {
	if !s.Ready() {
		return nil, &ServerError{LanguageID: s.LanguageID, Err: ErrServerNotReady}
	}
	callCtx, cancel := context.WithTimeout(ctx, s.config.Profile.CompletionTimeout)
	defer cancel()

	var raw json.RawMessage
	if err := s.transport.Call(callCtx, "textDocument/completion", params, &raw); err != nil {
		return nil, &ServerError{LanguageID: s.LanguageID, Err: err}
	}
	return NormalizeCompletionResult(raw), nil
}

// ResolveCompletion fills in lazily-computed item fields. Servers that
// do not advertise resolve get the item back unchanged.
func (s *Server) ResolveCompletion(ctx context.Context, item CompletionItem) (CompletionItem, error) {
	cp := s.capabilities.Capabilities.CompletionProvider
	if cp == nil || !cp.ResolveProvider {
		return item, nil
	}
	var resolved CompletionItem
	if err := s.call(ctx, "completionItem/resolve", item, &resolved); err != nil {
		return item, err
	}
	return resolved, nil
}

// Hover requests hover content at a position. A null result returns
// (nil, nil).
func (s *Server) Hover(ctx context.Context, params HoverParams) (*Hover, error) {
	var hover *Hover
	if err := s.call(ctx, "textDocument/hover", params, &hover); err != nil {
		return nil, err
	}
	return hover, nil
}

// Definition requests the definition locations for a position. Servers
// return a single Location, a Location array, or LocationLink objects;
// all three shapes normalize to a flat Location slice.
func (s *Server) Definition(ctx context.Context, params TextDocumentPositionParams) ([]Location, error) {
	var raw json.RawMessage
	if err := s.call(ctx, "textDocument/definition", params, &raw); err != nil {
		return nil, err
	}
	return normalizeLocations(raw), nil
}

// normalizeLocations flattens the definition result shapes.
func normalizeLocations(raw json.RawMessage) []Location {
	if len(raw) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(raw)

	var elements []gjson.Result
	if parsed.IsArray() {
		elements = parsed.Array()
	} else if parsed.IsObject() {
		elements = []gjson.Result{parsed}
	}

	var locs []Location
	for _, el := range elements {
		var loc Location
		if target := el.Get("targetUri"); target.Exists() {
			// LocationLink: prefer the selection range.
			loc.URI = DocumentURI(target.String())
			rangeJSON := el.Get("targetSelectionRange").Raw
			if rangeJSON == "" {
				rangeJSON = el.Get("targetRange").Raw
			}
			if err := json.Unmarshal([]byte(rangeJSON), &loc.Range); err != nil {
				continue
			}
		} else {
			if err := json.Unmarshal([]byte(el.Raw), &loc); err != nil || loc.URI == "" {
				continue
			}
		}
		locs = append(locs, loc)
	}
	return locs
}

// DocumentSymbols requests the symbols for a document. Both the
// hierarchical and the flat legacy shape normalize to DocumentSymbol.
func (s *Server) DocumentSymbols(ctx context.Context, params DocumentSymbolParams) ([]DocumentSymbol, error) {
	var raw json.RawMessage
	if err := s.call(ctx, "textDocument/documentSymbol", params, &raw); err != nil {
		return nil, err
	}
	return normalizeSymbols(raw), nil
}

// normalizeSymbols converts either symbol result shape to the
// hierarchical one. Flat symbols become childless DocumentSymbols.
func normalizeSymbols(raw json.RawMessage) []DocumentSymbol {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return nil
	}
	arr := parsed.Array()
	if len(arr) == 0 {
		return nil
	}

	if arr[0].Get("location").Exists() {
		var flat []SymbolInformation
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil
		}
		symbols := make([]DocumentSymbol, 0, len(flat))
		for _, si := range flat {
			symbols = append(symbols, DocumentSymbol{
				Name:           si.Name,
				Detail:         si.ContainerName,
				Kind:           si.Kind,
				Range:          si.Location.Range,
				SelectionRange: si.Location.Range,
			})
		}
		return symbols
	}

	var symbols []DocumentSymbol
	if err := json.Unmarshal(raw, &symbols); err != nil {
		return nil
	}
	return symbols
}

// ExecuteCommand forwards an opaque command to the server.
func (s *Server) ExecuteCommand(ctx context.Context, params ExecuteCommandParams) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := s.call(ctx, "workspace/executeCommand", params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Shutdown performs the polite shutdown sequence and then ensures the
// process is gone. Safe to call on a server that never became ready.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.transport != nil && !s.transport.IsClosed() && s.Ready() {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = s.transport.Call(callCtx, "shutdown", nil, nil)
		cancel()
		_ = s.transport.Notify(ctx, "exit", nil)
	}

	if s.transport != nil {
		s.transport.Close()
	}

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	select {
	case <-s.exitCh:
		return nil
	case <-time.After(2 * time.Second):
		s.logger.Warn("server did not exit after shutdown, killing")
		return s.cmd.Process.Kill()
	case <-ctx.Done():
		return s.cmd.Process.Kill()
	}
}

// Kill terminates the process without ceremony.
func (s *Server) Kill() {
	if s.transport != nil {
		s.transport.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}
