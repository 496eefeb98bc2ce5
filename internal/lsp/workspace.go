package lsp

import (
	"os"
	"path/filepath"
	"sync"
)

// rootMarkers are checked in every ancestor directory when resolving a
// workspace root. Order does not matter; the nearest ancestor containing
// any marker wins.
var rootMarkers = []string{
	"go.mod",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
	"setup.py",
	"pom.xml",
	"build.gradle",
	"build.gradle.kts",
	".git",
	".hg",
	".svn",
}

// RootResolver maps files to workspace roots by walking toward the
// filesystem root and stopping at the first directory containing a
// project marker. Results are cached per file path; the cache is
// append-only for the process lifetime.
type RootResolver struct {
	mu    sync.RWMutex
	cache map[string]string

	// stat is replaceable in tests.
	stat func(string) (os.FileInfo, error)
}

// NewRootResolver creates a resolver with an empty cache.
func NewRootResolver() *RootResolver {
	return &RootResolver{
		cache: make(map[string]string),
		stat:  os.Stat,
	}
}

// Resolve returns the workspace root for a file. When no ancestor
// carries a marker, the file's containing directory is the root.
func (r *RootResolver) Resolve(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	r.mu.RLock()
	root, ok := r.cache[abs]
	r.mu.RUnlock()
	if ok {
		return root
	}

	root = r.walk(filepath.Dir(abs))

	r.mu.Lock()
	r.cache[abs] = root
	r.mu.Unlock()
	return root
}

// walk finds the nearest ancestor of dir (inclusive) containing a
// marker, or returns dir itself.
func (r *RootResolver) walk(dir string) string {
	current := dir
	for {
		for _, marker := range rootMarkers {
			if _, err := r.stat(filepath.Join(current, marker)); err == nil {
				return current
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			return dir
		}
		current = parent
	}
}
