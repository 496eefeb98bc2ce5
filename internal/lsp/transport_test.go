package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"
)

// pipeTransport wires a Transport to a fake server over in-memory
// pipes. The returned reader/writer are the server's side.
func pipeTransport(t *testing.T) (*Transport, *bufio.Reader, io.Writer) {
	t.Helper()

	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	tr := NewTransport(clientIn, clientOut, clientOut)
	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		tr.Close()
		serverOut.Close()
		serverIn.Close()
	})

	return tr, bufio.NewReader(serverIn), serverOut
}

// writeFrame sends one framed message on the server side.
func writeFrame(t *testing.T, w io.Writer, body string) {
	t.Helper()
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(body), body); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readFrame reads one framed message on the server side.
func readFrame(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()

	var length int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			length, _ = strconv.Atoi(strings.TrimSpace(strings.SplitN(line, ":", 2)[1]))
		}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return msg
}

func TestTransportCallResponse(t *testing.T) {
	tr, serverR, serverW := pipeTransport(t)

	go func() {
		msg := readFrame(t, serverR)
		id := int(msg["id"].(float64))
		writeFrame(t, serverW, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"value":42}}`, id))
	}()

	var result struct {
		Value int `json:"value"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Call(ctx, "test/echo", map[string]any{"x": 1}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Value != 42 {
		t.Errorf("result.Value = %d, want 42", result.Value)
	}
}

func TestTransportCallError(t *testing.T) {
	tr, serverR, serverW := pipeTransport(t)

	go func() {
		msg := readFrame(t, serverR)
		id := int(msg["id"].(float64))
		writeFrame(t, serverW, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"nope"}}`, id))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := tr.Call(ctx, "test/missing", nil, nil)
	if err == nil {
		t.Fatal("Call succeeded, want error")
	}
	var rpcErr *RPCError
	if !asRPCError(err, &rpcErr) || rpcErr.Code != CodeMethodNotFound {
		t.Errorf("err = %v, want method-not-found RPCError", err)
	}
}

func asRPCError(err error, target **RPCError) bool {
	e, ok := err.(*RPCError)
	if ok {
		*target = e
	}
	return ok
}

func TestTransportTimeoutLeavesTransportUsable(t *testing.T) {
	tr, serverR, serverW := pipeTransport(t)

	ids := make(chan int, 2)
	go func() {
		// Never answer the first request; answer the second.
		ids <- int(readFrame(t, serverR)["id"].(float64))
		id := int(readFrame(t, serverR)["id"].(float64))
		ids <- id
		writeFrame(t, serverW, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"ok"}`, id))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err := tr.Call(ctx, "test/slow", nil, nil)
	cancel()
	if err != context.DeadlineExceeded {
		t.Fatalf("first call err = %v, want deadline exceeded", err)
	}

	var result string
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := tr.Call(ctx2, "test/fast", nil, &result); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want ok", result)
	}
}

func TestTransportInboundRequestDefaultNull(t *testing.T) {
	_, serverR, serverW := pipeTransport(t)

	writeFrame(t, serverW, `{"jsonrpc":"2.0","id":"r1","method":"client/registerCapability","params":{}}`)

	reply := readFrame(t, serverR)
	if reply["id"] != "r1" {
		t.Errorf("reply id = %v, want r1", reply["id"])
	}
	result, present := reply["result"]
	if !present || result != nil {
		t.Errorf("reply result = %v (present=%v), want explicit null", result, present)
	}
	if _, hasErr := reply["error"]; hasErr {
		t.Errorf("reply carries error: %v", reply["error"])
	}
}

func TestTransportInboundRequestHandler(t *testing.T) {
	tr, serverR, serverW := pipeTransport(t)

	tr.OnRequest(func(method string, params json.RawMessage) (any, error) {
		if method != "workspace/configuration" {
			return nil, nil
		}
		return []any{map[string]any{"enabled": true}}, nil
	})

	writeFrame(t, serverW, `{"jsonrpc":"2.0","id":7,"method":"workspace/configuration","params":{"items":[{"section":"x"}]}}`)

	reply := readFrame(t, serverR)
	if reply["id"].(float64) != 7 {
		t.Errorf("reply id = %v, want 7", reply["id"])
	}
	results, ok := reply["result"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("reply result = %v, want one-element array", reply["result"])
	}
}

func TestTransportNotificationDispatch(t *testing.T) {
	tr, _, serverW := pipeTransport(t)

	got := make(chan string, 2)
	tr.OnNotification("textDocument/publishDiagnostics", func(method string, params json.RawMessage) {
		got <- method
	})
	tr.OnNotification("*", func(method string, params json.RawMessage) {
		got <- "fallback:" + method
	})

	writeFrame(t, serverW, `{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"uri":"file:///x","diagnostics":[]}}`)
	writeFrame(t, serverW, `{"jsonrpc":"2.0","method":"$/something","params":{}}`)

	for _, want := range []string{"textDocument/publishDiagnostics", "fallback:$/something"} {
		select {
		case method := <-got:
			if method != want {
				t.Errorf("dispatched %q, want %q", method, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestTransportCallAfterClose(t *testing.T) {
	tr, _, _ := pipeTransport(t)
	tr.Close()

	if err := tr.Call(context.Background(), "test", nil, nil); err != ErrShutdown {
		t.Errorf("Call after close = %v, want ErrShutdown", err)
	}
	if err := tr.Notify(context.Background(), "test", nil); err != ErrShutdown {
		t.Errorf("Notify after close = %v, want ErrShutdown", err)
	}
}
