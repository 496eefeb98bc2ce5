package lsp

import (
	"reflect"
	"sync"
)

// DiagnosticsStore keeps the latest published diagnostics per document.
// Servers push diagnostics asynchronously; reads never block on a
// server and always return the most recent snapshot.
type DiagnosticsStore struct {
	mu      sync.RWMutex
	byURI   map[DocumentURI][]Diagnostic
	version map[DocumentURI]uint64
}

// NewDiagnosticsStore creates an empty store.
func NewDiagnosticsStore() *DiagnosticsStore {
	return &DiagnosticsStore{
		byURI:   make(map[DocumentURI][]Diagnostic),
		version: make(map[DocumentURI]uint64),
	}
}

// Put replaces the diagnostics for a document. It reports whether the
// set actually changed, letting callers skip redundant downstream work.
func (s *DiagnosticsStore) Put(uri DocumentURI, diags []Diagnostic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reflect.DeepEqual(s.byURI[uri], diags) {
		return false
	}
	s.byURI[uri] = diags
	s.version[uri]++
	return true
}

// Get returns a copy of the current diagnostics for a document. A
// document with no published diagnostics yields an empty slice.
func (s *DiagnosticsStore) Get(uri DocumentURI) []Diagnostic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diags := s.byURI[uri]
	out := make([]Diagnostic, len(diags))
	copy(out, diags)
	return out
}

// Version returns a counter incremented on every effective Put for the
// document. Useful for change polling.
func (s *DiagnosticsStore) Version(uri DocumentURI) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version[uri]
}

// Clear drops the diagnostics for a document, typically on close.
func (s *DiagnosticsStore) Clear(uri DocumentURI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byURI, uri)
	delete(s.version, uri)
}
