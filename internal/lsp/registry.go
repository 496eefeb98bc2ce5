package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// RetryPolicy bounds initialize-handshake retries for one language.
type RetryPolicy struct {
	// MaxAttempts is the total number of initialize attempts (minimum 1).
	MaxAttempts int

	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
}

// Profile is the per-language initialization profile. Language quirks
// live here as data so the dispatch logic stays generic.
type Profile struct {
	// InitializationOptions are passed through unmodified in initialize.
	InitializationOptions any

	// Settings, when present, are pushed via workspace/didChangeConfiguration
	// after the handshake and answer inbound workspace/configuration queries.
	Settings map[string]any

	// CompletionTimeout bounds completion requests. Languages with slow
	// cold-start analysis get a longer class here.
	CompletionTimeout time.Duration

	// RequestTimeout bounds every other request.
	RequestTimeout time.Duration

	// PostInitNotifications are extra notifications some servers need
	// right after the handshake, expressed as data instead of
	// per-language branches in the dispatch path.
	PostInitNotifications []PostInitNotification

	// InitRetry bounds handshake retries.
	InitRetry RetryPolicy

	// DemotedSortPrefix is the numeric sortText tier demoted when the
	// typed prefix matches nothing (auto-import style suggestions).
	DemotedSortPrefix string
}

// PostInitNotification is one notification sent after the initialized
// signal.
type PostInitNotification struct {
	Method string
	Params any
}

// ServerConfig describes how to run one language server. Immutable once
// registered.
type ServerConfig struct {
	LanguageID  string
	Command     string
	Args        []string
	Env         map[string]string
	Extensions  []string
	InstallHint string
	Profile     Profile
}

const (
	defaultRequestTimeout    = 5 * time.Second
	defaultCompletionTimeout = 5 * time.Second
	coldStartTimeout         = 15 * time.Second

	// defaultDemotedSortPrefix is the sortText tier the TypeScript server
	// family assigns to auto-import suggestions.
	defaultDemotedSortPrefix = "11"
)

// Registry is the static language table: languageID to spawn command,
// extensions, and initialization profile. Lookups are pure; the only
// mutation paths are overlay loads.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]ServerConfig
	byExt   map[string]string // ".go" -> "go"

	lookPath func(string) (string, error)
	logger   *slog.Logger
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for overlay reload reporting.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithLookPath overrides binary resolution (used by tests).
func WithLookPath(fn func(string) (string, error)) RegistryOption {
	return func(r *Registry) {
		r.lookPath = fn
	}
}

// NewRegistry creates a registry preloaded with the built-in table.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		configs:  make(map[string]ServerConfig),
		byExt:    make(map[string]string),
		lookPath: exec.LookPath,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, cfg := range BuiltinConfigs() {
		r.register(cfg)
	}
	return r
}

// Register adds or replaces a language configuration.
func (r *Registry) Register(cfg ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(cfg)
}

func (r *Registry) register(cfg ServerConfig) {
	if cfg.Profile.RequestTimeout == 0 {
		cfg.Profile.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Profile.CompletionTimeout == 0 {
		cfg.Profile.CompletionTimeout = defaultCompletionTimeout
	}
	if cfg.Profile.InitRetry.MaxAttempts < 1 {
		cfg.Profile.InitRetry.MaxAttempts = 1
	}
	if cfg.Profile.DemotedSortPrefix == "" {
		cfg.Profile.DemotedSortPrefix = defaultDemotedSortPrefix
	}

	if old, ok := r.configs[cfg.LanguageID]; ok {
		for _, ext := range old.Extensions {
			delete(r.byExt, strings.ToLower(ext))
		}
	}
	r.configs[cfg.LanguageID] = cfg
	for _, ext := range cfg.Extensions {
		r.byExt[strings.ToLower(ext)] = cfg.LanguageID
	}
}

// ResolveLanguage maps a file path to a language id via its longest
// matching registered extension, or "" if none matches. Longest-suffix
// matching lets multi-dot extensions like ".d.ts" take precedence.
func (r *Registry) ResolveLanguage(path string) string {
	base := strings.ToLower(filepath.Base(path))

	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	lang := ""
	for ext, id := range r.byExt {
		if strings.HasSuffix(base, ext) && len(ext) > len(best) {
			best = ext
			lang = id
		}
	}
	return lang
}

// ConfigFor returns the configuration for a language.
func (r *Registry) ConfigFor(languageID string) (ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[languageID]
	return cfg, ok
}

// Available reports whether the language's binary resolves on PATH.
// It never spawns anything.
func (r *Registry) Available(languageID string) bool {
	cfg, ok := r.ConfigFor(languageID)
	if !ok {
		return false
	}
	_, err := r.lookPath(cfg.Command)
	return err == nil
}

// All returns every registered configuration sorted by language id.
func (r *Registry) All() []ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]ServerConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].LanguageID < configs[j].LanguageID
	})
	return configs
}

// overlayFile is the TOML overlay schema: a [servers.<lang>] table per
// language, overriding or extending the built-in table.
type overlayFile struct {
	Servers map[string]overlayServer `toml:"servers"`
}

type overlayServer struct {
	Command               string            `toml:"command"`
	Args                  []string          `toml:"args"`
	Env                   map[string]string `toml:"env"`
	Extensions            []string          `toml:"extensions"`
	InstallHint           string            `toml:"install_hint"`
	InitializationOptions map[string]any    `toml:"initialization_options"`
	Settings              map[string]any    `toml:"settings"`
	CompletionTimeoutMS   int               `toml:"completion_timeout_ms"`
	RequestTimeoutMS      int               `toml:"request_timeout_ms"`
	InitMaxAttempts       int               `toml:"init_max_attempts"`
	InitBackoffMS         int               `toml:"init_backoff_ms"`
	DemotedSortPrefix     string            `toml:"demoted_sort_prefix"`
	PostInit              []overlayNotif    `toml:"post_init"`
}

type overlayNotif struct {
	Method string         `toml:"method"`
	Params map[string]any `toml:"params"`
}

// LoadOverlay merges a TOML overlay file into the registry. Unknown
// languages are added; known ones are replaced field by field.
func (r *Registry) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read overlay: %w", err)
	}

	var overlay overlayFile
	if err := toml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse overlay: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for lang, o := range overlay.Servers {
		cfg, ok := r.configs[lang]
		if !ok {
			cfg = ServerConfig{LanguageID: lang}
		}
		if o.Command != "" {
			cfg.Command = o.Command
		}
		if o.Args != nil {
			cfg.Args = o.Args
		}
		if o.Env != nil {
			cfg.Env = o.Env
		}
		if o.Extensions != nil {
			cfg.Extensions = o.Extensions
		}
		if o.InstallHint != "" {
			cfg.InstallHint = o.InstallHint
		}
		if o.InitializationOptions != nil {
			cfg.Profile.InitializationOptions = o.InitializationOptions
		}
		if o.Settings != nil {
			cfg.Profile.Settings = o.Settings
		}
		if o.CompletionTimeoutMS > 0 {
			cfg.Profile.CompletionTimeout = time.Duration(o.CompletionTimeoutMS) * time.Millisecond
		}
		if o.RequestTimeoutMS > 0 {
			cfg.Profile.RequestTimeout = time.Duration(o.RequestTimeoutMS) * time.Millisecond
		}
		if o.InitMaxAttempts > 0 {
			cfg.Profile.InitRetry.MaxAttempts = o.InitMaxAttempts
		}
		if o.InitBackoffMS > 0 {
			cfg.Profile.InitRetry.Backoff = time.Duration(o.InitBackoffMS) * time.Millisecond
		}
		if o.DemotedSortPrefix != "" {
			cfg.Profile.DemotedSortPrefix = o.DemotedSortPrefix
		}
		if o.PostInit != nil {
			notifs := make([]PostInitNotification, len(o.PostInit))
			for i, n := range o.PostInit {
				notifs[i] = PostInitNotification{Method: n.Method, Params: n.Params}
			}
			cfg.Profile.PostInitNotifications = notifs
		}
		r.register(cfg)
	}
	return nil
}

// WatchOverlay reloads the overlay file whenever it changes, until the
// context is cancelled. Reload failures are logged and the previous
// table stays in effect. Live server instances are never touched; new
// configs apply to languages spawned afterwards.
func (r *Registry) WatchOverlay(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory so editors that replace the file atomically
	// (rename over) still produce events.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := r.LoadOverlay(path); err != nil {
					r.logger.Warn("registry overlay reload failed", "path", path, "error", err)
					continue
				}
				r.logger.Info("registry overlay reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("registry overlay watcher error", "error", err)
			}
		}
	}()
	return nil
}

// BuiltinConfigs returns the built-in language table. Cold-start-heavy
// servers carry the longer completion timeout class.
func BuiltinConfigs() []ServerConfig {
	return []ServerConfig{
		{
			LanguageID:  "go",
			Command:     "gopls",
			Args:        []string{"serve"},
			Extensions:  []string{".go"},
			InstallHint: "go install golang.org/x/tools/gopls@latest",
		},
		{
			LanguageID:  "typescript",
			Command:     "typescript-language-server",
			Args:        []string{"--stdio"},
			Extensions:  []string{".ts", ".tsx", ".mts", ".cts"},
			InstallHint: "npm install -g typescript-language-server typescript",
		},
		{
			LanguageID:  "javascript",
			Command:     "typescript-language-server",
			Args:        []string{"--stdio"},
			Extensions:  []string{".js", ".jsx", ".mjs", ".cjs"},
			InstallHint: "npm install -g typescript-language-server typescript",
		},
		{
			LanguageID:  "python",
			Command:     "pylsp",
			Extensions:  []string{".py", ".pyi"},
			InstallHint: "pip install python-lsp-server",
		},
		{
			LanguageID:  "rust",
			Command:     "rust-analyzer",
			Extensions:  []string{".rs"},
			InstallHint: "rustup component add rust-analyzer",
		},
		{
			LanguageID:  "c",
			Command:     "clangd",
			Extensions:  []string{".c", ".h"},
			InstallHint: "install clangd from your package manager",
		},
		{
			LanguageID:  "cpp",
			Command:     "clangd",
			Extensions:  []string{".cpp", ".cc", ".cxx", ".hpp", ".hxx"},
			InstallHint: "install clangd from your package manager",
		},
		{
			LanguageID:  "java",
			Command:     "jdtls",
			Extensions:  []string{".java"},
			InstallHint: "install Eclipse JDT language server (jdtls)",
			Profile: Profile{
				CompletionTimeout: coldStartTimeout,
				InitRetry:         RetryPolicy{MaxAttempts: 3, Backoff: time.Second},
			},
		},
		{
			LanguageID:  "kotlin",
			Command:     "kotlin-language-server",
			Extensions:  []string{".kt", ".kts"},
			InstallHint: "install kotlin-language-server",
			Profile: Profile{
				CompletionTimeout: coldStartTimeout,
				InitRetry:         RetryPolicy{MaxAttempts: 3, Backoff: time.Second},
			},
		},
		{
			LanguageID:  "ruby",
			Command:     "solargraph",
			Args:        []string{"stdio"},
			Extensions:  []string{".rb"},
			InstallHint: "gem install solargraph",
		},
	}
}
