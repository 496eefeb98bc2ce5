package lsp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
)

func testClient(start func(ctx context.Context, s *Server) error) (*Client, *Manager) {
	m := testManager(start)
	store := m.store
	return NewClient(WithManager(m), WithStore(store)), m
}

func TestClientUnknownExtensionYieldsEmptyResults(t *testing.T) {
	client, _ := testClient(markReady)
	ctx := context.Background()

	if got := client.Completion(ctx, "/proj/notes.txt", "hello", 1, 3, ""); len(got) != 0 {
		t.Errorf("Completion = %v, want empty", got)
	}
	if got := client.Hover(ctx, "/proj/notes.txt", "hello", 1, 1); got != nil {
		t.Errorf("Hover = %v, want nil", got)
	}
	if got := client.Definition(ctx, "/proj/notes.txt", "hello", 1, 1); len(got) != 0 {
		t.Errorf("Definition = %v, want empty", got)
	}
	if got := client.DocumentSymbols(ctx, "/proj/notes.txt", "hello"); len(got) != 0 {
		t.Errorf("DocumentSymbols = %v, want empty", got)
	}
}

func TestClientMissingBinaryYieldsEmptyResults(t *testing.T) {
	client, m := testClient(func(ctx context.Context, s *Server) error {
		return fmt.Errorf("start: %w", exec.ErrNotFound)
	})
	ctx := context.Background()

	if got := client.Completion(ctx, "/proj/a.go", "package a", 1, 3, ""); len(got) != 0 {
		t.Errorf("Completion = %v, want empty", got)
	}
	if got := client.Diagnostics(ctx, "/proj/a.go", "package a"); len(got) != 0 {
		t.Errorf("Diagnostics = %v, want empty", got)
	}

	m.mu.Lock()
	attempts := m.spawnAttempts["go"]
	m.mu.Unlock()
	if attempts != 1 {
		t.Errorf("spawnAttempts = %d, want 1 despite repeated operations", attempts)
	}
}

func TestClientDiagnosticsServedFromStore(t *testing.T) {
	client, m := testClient(func(ctx context.Context, s *Server) error {
		return errors.New("no server in tests")
	})

	uri := FilePathToURI("/proj/a.go")
	m.store.Put(uri, []Diagnostic{{Message: "stale but served"}})

	got := client.Diagnostics(context.Background(), "/proj/a.go", "package a")
	if len(got) != 1 || got[0].Message != "stale but served" {
		t.Errorf("Diagnostics = %v", got)
	}
}

func TestClientCloseDocumentClearsDiagnostics(t *testing.T) {
	client, m := testClient(markReady)

	uri := FilePathToURI("/proj/a.go")
	m.store.Put(uri, []Diagnostic{{Message: "will be dropped"}})

	client.CloseDocument(context.Background(), "/proj/a.go")

	if got := m.store.Get(uri); len(got) != 0 {
		t.Errorf("diagnostics after close = %v, want empty", got)
	}
	// Closing must not have spawned a server.
	m.mu.Lock()
	attempts := m.spawnAttempts["go"]
	m.mu.Unlock()
	if attempts != 0 {
		t.Errorf("spawnAttempts = %d, want 0", attempts)
	}
}

func TestClientResolveCompletionFallsBackToInput(t *testing.T) {
	client, _ := testClient(func(ctx context.Context, s *Server) error {
		return errors.New("down")
	})

	item := CompletionItem{Label: "keepMe"}
	got := client.ResolveCompletion(context.Background(), "/proj/a.go", item)
	if got.Label != "keepMe" {
		t.Errorf("ResolveCompletion = %+v, want input unchanged", got)
	}
}

func TestClientLanguagesIncludesBuiltins(t *testing.T) {
	client, _ := testClient(markReady)

	seen := make(map[string]bool)
	for _, info := range client.Languages() {
		seen[info.LanguageID] = true
	}
	for _, want := range []string{"go", "python", "rust", "typescript"} {
		if !seen[want] {
			t.Errorf("Languages() missing %s", want)
		}
	}
}

func TestManagerUsesStore(t *testing.T) {
	// Guard against the client and manager drifting onto separate
	// stores, which would make published diagnostics invisible.
	m := testManager(markReady)
	client := NewClient(WithManager(m), WithStore(m.store))

	m.store.Put("file:///x.go", []Diagnostic{{Message: "shared"}})
	if got := client.store.Get("file:///x.go"); len(got) != 1 {
		t.Error("client store is not the manager store")
	}
}
