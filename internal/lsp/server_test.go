package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"
)

// startHandshake wires a Server's transport to an in-memory fake server
// and runs initialize in the background. The returned reader/writer are
// the fake server's side; errCh delivers the handshake outcome.
func startHandshake(t *testing.T, profile Profile) (*Server, *bufio.Reader, io.Writer, chan error) {
	t.Helper()

	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	s := NewServer(ServerConfig{
		LanguageID: "go",
		Command:    "gopls",
		Profile:    profile,
	}, "/proj", NewDiagnosticsStore(), nil)

	s.transport = NewTransport(clientIn, clientOut, clientOut)
	ctx, cancel := context.WithCancel(context.Background())
	s.transport.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.transport.Close()
		serverOut.Close()
		serverIn.Close()
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.initialize(ctx) }()
	return s, bufio.NewReader(serverIn), serverOut, errCh
}

func waitHandshake(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not finish")
		return nil
	}
}

func TestInitializeHandshakeSequence(t *testing.T) {
	profile := Profile{
		InitRetry: RetryPolicy{MaxAttempts: 1},
		Settings:  map[string]any{"gopls": map[string]any{"staticcheck": true}},
		PostInitNotifications: []PostInitNotification{
			{Method: "workspace/didChangeWatchedFiles", Params: map[string]any{"changes": []any{}}},
		},
	}
	s, serverR, serverW, errCh := startHandshake(t, profile)

	init := readFrame(t, serverR)
	if init["method"] != "initialize" {
		t.Fatalf("first frame method = %v, want initialize", init["method"])
	}
	params := init["params"].(map[string]any)
	if params["rootUri"] != "file:///proj" {
		t.Errorf("rootUri = %v, want file:///proj", params["rootUri"])
	}
	id := int(init["id"].(float64))
	writeFrame(t, serverW, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"capabilities":{"completionProvider":{"resolveProvider":true}}}}`, id))

	for _, want := range []string{"initialized", "workspace/didChangeConfiguration", "workspace/didChangeWatchedFiles"} {
		frame := readFrame(t, serverR)
		if frame["method"] != want {
			t.Fatalf("frame method = %v, want %v", frame["method"], want)
		}
		if _, hasID := frame["id"]; hasID {
			t.Errorf("%s carries an id, want notification", want)
		}
		if want == "workspace/didChangeConfiguration" {
			settings := frame["params"].(map[string]any)["settings"].(map[string]any)
			if _, ok := settings["gopls"]; !ok {
				t.Errorf("didChangeConfiguration settings = %v, want the profile settings", settings)
			}
		}
	}

	if err := waitHandshake(t, errCh); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	cp := s.Capabilities().Capabilities.CompletionProvider
	if cp == nil || !cp.ResolveProvider {
		t.Errorf("capabilities not stored: %+v", s.Capabilities())
	}
}

func TestInitializeRetriesThenSucceeds(t *testing.T) {
	profile := Profile{InitRetry: RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}}
	_, serverR, serverW, errCh := startHandshake(t, profile)

	first := readFrame(t, serverR)
	writeFrame(t, serverW, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32603,"message":"not ready"}}`, int(first["id"].(float64))))

	second := readFrame(t, serverR)
	if second["method"] != "initialize" {
		t.Fatalf("second frame method = %v, want retried initialize", second["method"])
	}
	writeFrame(t, serverW, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"capabilities":{}}}`, int(second["id"].(float64))))

	if frame := readFrame(t, serverR); frame["method"] != "initialized" {
		t.Fatalf("frame after retry = %v, want initialized", frame["method"])
	}
	if err := waitHandshake(t, errCh); err != nil {
		t.Fatalf("initialize after retry: %v", err)
	}
}

func TestInitializeGivesUpAfterMaxAttempts(t *testing.T) {
	profile := Profile{InitRetry: RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}}
	_, serverR, serverW, errCh := startHandshake(t, profile)

	for i := 0; i < 2; i++ {
		frame := readFrame(t, serverR)
		if frame["method"] != "initialize" {
			t.Fatalf("attempt %d frame method = %v, want initialize", i+1, frame["method"])
		}
		writeFrame(t, serverW, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32603,"message":"broken"}}`, int(frame["id"].(float64))))
	}

	if err := waitHandshake(t, errCh); err == nil {
		t.Fatal("initialize succeeded, want failure after both attempts")
	}
}

func TestNormalizeLocationsShapes(t *testing.T) {
	single := json.RawMessage(`{"uri":"file:///a.go","range":{"start":{"line":3,"character":1},"end":{"line":3,"character":5}}}`)
	if got := normalizeLocations(single); len(got) != 1 || got[0].URI != "file:///a.go" || got[0].Range.Start.Line != 3 {
		t.Errorf("single location: %+v", got)
	}

	array := json.RawMessage(`[{"uri":"file:///a.go","range":{"start":{"line":0,"character":0},"end":{"line":0,"character":0}}},{"uri":"file:///b.go","range":{"start":{"line":1,"character":0},"end":{"line":1,"character":0}}}]`)
	if got := normalizeLocations(array); len(got) != 2 || got[1].URI != "file:///b.go" {
		t.Errorf("location array: %+v", got)
	}

	links := json.RawMessage(`[{"targetUri":"file:///c.go","targetRange":{"start":{"line":10,"character":0},"end":{"line":20,"character":0}},"targetSelectionRange":{"start":{"line":10,"character":5},"end":{"line":10,"character":9}}}]`)
	got := normalizeLocations(links)
	if len(got) != 1 || got[0].URI != "file:///c.go" {
		t.Fatalf("location links: %+v", got)
	}
	if got[0].Range.Start.Character != 5 {
		t.Errorf("link range = %+v, want the selection range", got[0].Range)
	}

	if got := normalizeLocations(json.RawMessage(`null`)); got != nil {
		t.Errorf("null: %+v", got)
	}
}

func TestNormalizeSymbolsShapes(t *testing.T) {
	hierarchical := json.RawMessage(`[{"name":"Server","kind":23,"range":{"start":{"line":5,"character":0},"end":{"line":30,"character":1}},"selectionRange":{"start":{"line":5,"character":5},"end":{"line":5,"character":11}},"children":[{"name":"Start","kind":6,"range":{"start":{"line":10,"character":0},"end":{"line":15,"character":1}},"selectionRange":{"start":{"line":10,"character":5},"end":{"line":10,"character":10}}}]}]`)
	got := normalizeSymbols(hierarchical)
	if len(got) != 1 || got[0].Name != "Server" {
		t.Fatalf("hierarchical: %+v", got)
	}
	if len(got[0].Children) != 1 || got[0].Children[0].Name != "Start" {
		t.Errorf("children: %+v", got[0].Children)
	}

	flat := json.RawMessage(`[{"name":"main","kind":12,"location":{"uri":"file:///a.go","range":{"start":{"line":2,"character":0},"end":{"line":4,"character":1}}},"containerName":"main"}]`)
	got = normalizeSymbols(flat)
	if len(got) != 1 || got[0].Name != "main" || got[0].Kind != SymbolKindFunction {
		t.Fatalf("flat: %+v", got)
	}
	if got[0].Range.Start.Line != 2 || got[0].SelectionRange.Start.Line != 2 {
		t.Errorf("flat ranges: %+v", got[0])
	}

	if got := normalizeSymbols(json.RawMessage(`null`)); got != nil {
		t.Errorf("null: %+v", got)
	}
	if got := normalizeSymbols(json.RawMessage(`[]`)); got != nil {
		t.Errorf("empty: %+v", got)
	}
}

func TestServerStatusString(t *testing.T) {
	cases := map[ServerStatus]string{
		StatusStarting:    "starting",
		StatusReady:       "ready",
		StatusUnavailable: "unavailable",
		StatusExited:      "exited",
		ServerStatus(99):  "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", status, got, want)
		}
	}
}
