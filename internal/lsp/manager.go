package lsp

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager owns the live server instances: at most one per language,
// spawned on demand and rooted at the workspace of the first file that
// needed it. A language whose binary is missing is marked unavailable
// for the rest of the process lifetime and never retried; a server that
// exits is respawned on the next use.
type Manager struct {
	registry *Registry
	resolver *RootResolver
	store    *DiagnosticsStore
	logger   *slog.Logger

	mu          sync.Mutex
	instances   map[string]*Server     // keyed by languageID
	unavailable map[string]struct{}    // languageID, sticky
	flight      map[string]*sync.Mutex // per-language spawn serialization

	// spawnAttempts counts Start calls per language, for tests and the
	// instance report.
	spawnAttempts map[string]int

	// startServer is replaceable in tests to avoid real processes.
	startServer func(ctx context.Context, s *Server) error
}

// NewManager creates a manager over the given registry.
func NewManager(registry *Registry, store *DiagnosticsStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:      registry,
		resolver:      NewRootResolver(),
		store:         store,
		logger:        logger,
		instances:     make(map[string]*Server),
		unavailable:   make(map[string]struct{}),
		flight:        make(map[string]*sync.Mutex),
		spawnAttempts: make(map[string]int),
		startServer: func(ctx context.Context, s *Server) error {
			return s.Start(ctx)
		},
	}
}

// Registry returns the language table the manager resolves against.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// ResolveRoot returns the workspace root for a file.
func (m *Manager) ResolveRoot(path string) string {
	return m.resolver.Resolve(path)
}

// Connection returns a ready server for the language serving the given
// file, spawning one if needed. The workspace root is resolved from the
// file that triggers the spawn. Spawns for the same language are
// serialized; concurrent callers share the resulting instance.
func (m *Manager) Connection(ctx context.Context, languageID, filePath string) (*Server, error) {
	cfg, ok := m.registry.ConfigFor(languageID)
	if !ok {
		return nil, ErrNoServer
	}

	m.mu.Lock()
	if _, bad := m.unavailable[languageID]; bad {
		m.mu.Unlock()
		return nil, ErrUnavailable
	}
	m.mu.Unlock()

	lock := m.flightLock(languageID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if srv, ok := m.instances[languageID]; ok && srv.Ready() {
		m.mu.Unlock()
		return srv, nil
	}
	// Re-check stickiness under the flight lock; another caller may have
	// just discovered the binary missing.
	if _, bad := m.unavailable[languageID]; bad {
		m.mu.Unlock()
		return nil, ErrUnavailable
	}
	m.spawnAttempts[languageID]++
	m.mu.Unlock()

	root := m.resolver.Resolve(filePath)
	srv := NewServer(cfg, root, m.store, m.logger)
	if err := m.startServer(ctx, srv); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			m.mu.Lock()
			m.unavailable[languageID] = struct{}{}
			m.mu.Unlock()
			m.logger.Warn("language server binary not found, language disabled",
				"language", languageID, "command", cfg.Command, "hint", cfg.InstallHint)
			return nil, ErrUnavailable
		}
		m.logger.Error("language server failed to start",
			"language", languageID, "error", err, "stderr", srv.StderrTail())
		return nil, err
	}

	m.mu.Lock()
	m.instances[languageID] = srv
	m.mu.Unlock()

	go m.monitorExit(srv)
	return srv, nil
}

// Existing returns a ready instance for the language if one is already
// running. It never spawns.
func (m *Manager) Existing(languageID string) (*Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.instances[languageID]
	if !ok || !srv.Ready() {
		return nil, false
	}
	return srv, true
}

// flightLock returns the per-language mutex serializing spawns.
func (m *Manager) flightLock(languageID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.flight[languageID]
	if !ok {
		lock = &sync.Mutex{}
		m.flight[languageID] = lock
	}
	return lock
}

// monitorExit removes a dead instance from the table so the next
// Connection call spawns a fresh one.
func (m *Manager) monitorExit(srv *Server) {
	err := <-srv.ExitChannel()

	m.mu.Lock()
	if m.instances[srv.LanguageID] == srv {
		delete(m.instances, srv.LanguageID)
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("language server exited",
			"language", srv.LanguageID, "instance", srv.ID,
			"error", err, "stderr", srv.StderrTail())
	} else {
		m.logger.Info("language server exited",
			"language", srv.LanguageID, "instance", srv.ID)
	}
}

// LanguageInfo describes one registered language for status reporting.
type LanguageInfo struct {
	LanguageID  string
	Command     string
	Extensions  []string
	Available   bool
	Unavailable bool // sticky: spawn was attempted and the binary was missing
	Running     int
	InstallHint string
}

// Languages reports every registered language with its availability.
func (m *Manager) Languages() []LanguageInfo {
	running := make(map[string]int)
	m.mu.Lock()
	for _, srv := range m.instances {
		if srv.Ready() {
			running[srv.LanguageID]++
		}
	}
	sticky := make(map[string]struct{}, len(m.unavailable))
	for lang := range m.unavailable {
		sticky[lang] = struct{}{}
	}
	m.mu.Unlock()

	var infos []LanguageInfo
	for _, cfg := range m.registry.All() {
		_, bad := sticky[cfg.LanguageID]
		infos = append(infos, LanguageInfo{
			LanguageID:  cfg.LanguageID,
			Command:     cfg.Command,
			Extensions:  cfg.Extensions,
			Available:   !bad && m.registry.Available(cfg.LanguageID),
			Unavailable: bad,
			Running:     running[cfg.LanguageID],
			InstallHint: cfg.InstallHint,
		})
	}
	return infos
}

// InstanceInfo describes one live server instance.
type InstanceInfo struct {
	InstanceID    string
	LanguageID    string
	Root          string
	Status        string
	OpenDocuments int
	SpawnAttempts int
	StderrTail    []string
}

// InstanceInfos reports the live instances sorted by language.
func (m *Manager) InstanceInfos() []InstanceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []InstanceInfo
	for _, srv := range m.instances {
		infos = append(infos, InstanceInfo{
			InstanceID:    srv.ID,
			LanguageID:    srv.LanguageID,
			Root:          URIToFilePath(srv.RootURI()),
			Status:        srv.Status().String(),
			OpenDocuments: srv.OpenDocuments(),
			SpawnAttempts: m.spawnAttempts[srv.LanguageID],
			StderrTail:    srv.StderrTail(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LanguageID < infos[j].LanguageID
	})
	return infos
}

// ShutdownAll stops every instance concurrently and waits for all of
// them.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	servers := make([]*Server, 0, len(m.instances))
	for _, srv := range m.instances {
		servers = append(servers, srv)
	}
	m.instances = make(map[string]*Server)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			return srv.Shutdown(gctx)
		})
	}
	return g.Wait()
}
