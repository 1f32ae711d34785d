// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/retrieval"
	"github.com/oakdev/oak-ci/internal/vectorstore"
)

func newTestRegistry(t *testing.T) (*ToolRegistry, *activitystore.Store, string) {
	t.Helper()
	store, err := activitystore.Open(filepath.Join(t.TempDir(), "activities.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	engine := retrieval.New(vectorstore.NewMockStore(), embeddings.NewMockEmbedder(32), 0.75, 0.5, 8)
	registry := NewToolRegistry()
	RegisterTools(registry, engine, store, root)
	return registry, store, root
}

func rpc(t *testing.T, h http.Handler, method string, params any) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": method, "params": params,
	})
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s returned %d: %s", method, rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestToolsList(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	h := HTTPHandler(registry)

	resp := rpc(t, h, "tools/list", nil)
	result := resp["result"].(map[string]any)
	tools := result["tools"].([]any)

	want := map[string]bool{"oak_search": false, "oak_fetch": false, "oak_remember": false, "oak_plans": false, "oak_memories": false}
	for _, raw := range tools {
		name := raw.(map[string]any)["name"].(string)
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("tool %s missing from tools/list", name)
		}
	}
}

func TestOakRememberAndMemories(t *testing.T) {
	registry, store, _ := newTestRegistry(t)
	h := HTTPHandler(registry)

	resp := rpc(t, h, "tools/call", map[string]any{
		"name": "oak_remember",
		"arguments": map[string]any{
			"observation": "the indexer hashes chunk contents, not raw bytes",
			"type":        "discovery",
			"tags":        []string{"indexer"},
			"importance":  "high",
		},
	})
	result := resp["result"].(map[string]any)
	if result["isError"] == true {
		t.Fatalf("oak_remember errored: %v", result)
	}

	obs, err := store.ListObservations(context.Background(), activitystore.ObservationFilters{})
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if len(obs) != 1 || obs[0].Source != "manual" {
		t.Fatalf("expected one manual observation, got %+v", obs)
	}

	resp = rpc(t, h, "tools/call", map[string]any{
		"name":      "oak_memories",
		"arguments": map[string]any{"tag": "indexer"},
	})
	content := resp["result"].(map[string]any)["content"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(content, "indexer hashes chunk contents") {
		t.Errorf("oak_memories did not return the stored memory: %s", content)
	}
}

func TestOakFetch(t *testing.T) {
	registry, _, root := newTestRegistry(t)
	h := HTTPHandler(registry)

	if err := os.WriteFile(filepath.Join(root, "f.go"), []byte("one\ntwo\nthree\nfour\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := rpc(t, h, "tools/call", map[string]any{
		"name":      "oak_fetch",
		"arguments": map[string]any{"path": "f.go", "start": 2, "end": 3},
	})
	text := resp["result"].(map[string]any)["content"].([]any)[0].(map[string]any)["text"].(string)
	if text != "two\nthree" {
		t.Errorf("oak_fetch range = %q, want two\\nthree", text)
	}

	// Escaping the project root is refused.
	resp = rpc(t, h, "tools/call", map[string]any{
		"name":      "oak_fetch",
		"arguments": map[string]any{"path": "../../etc/passwd"},
	})
	result := resp["result"].(map[string]any)
	if result["isError"] != true {
		t.Error("expected isError for a path outside the project")
	}
}

func TestUnknownMethodAndTool(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	h := HTTPHandler(registry)

	resp := rpc(t, h, "bogus/method", nil)
	if resp["error"] == nil {
		t.Error("expected a JSON-RPC error for an unknown method")
	}

	resp = rpc(t, h, "tools/call", map[string]any{"name": "oak_nonsense", "arguments": map[string]any{}})
	result := resp["result"].(map[string]any)
	if result["isError"] != true {
		t.Error("unknown tool should report isError, not crash")
	}
}

func TestServeStdio(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	var in bytes.Buffer
	in.WriteString(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n")
	in.WriteString(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")

	var out bytes.Buffer
	if err := ServeStdio(context.Background(), registry, &in, &out); err != nil {
		t.Fatalf("ServeStdio: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 response frames, got %d: %s", len(lines), out.String())
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	result := first["result"].(map[string]any)
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("initialize returned %v", result)
	}
}
