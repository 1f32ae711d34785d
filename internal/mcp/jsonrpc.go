// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oakdev/oak-ci/internal/logger"
)

const protocolVersion = "2024-11-05"

// rpcRequest is a JSON-RPC 2.0 request frame.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// rpcResponse is a JSON-RPC 2.0 response frame.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternal       = -32603
)

// callParams is the tools/call parameter shape.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Handle dispatches one decoded request against the registry.
func Handle(ctx context.Context, registry *ToolRegistry, req *rpcRequest) *rpcResponse {
	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "oak-ci", "version": "1"},
		}

	case "notifications/initialized", "initialized":
		return nil // notification, no response

	case "tools/list":
		resp.Result = map[string]any{"tools": registry.List()}

	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: codeInvalidRequest, Message: "invalid tools/call params"}
			return resp
		}
		result, err := registry.Call(ctx, params.Name, params.Arguments)
		if err != nil {
			resp.Result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": err.Error()}},
				"isError": true,
			}
			return resp
		}
		rendered, err := renderResult(result)
		if err != nil {
			resp.Error = &rpcError{Code: codeInternal, Message: err.Error()}
			return resp
		}
		resp.Result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": rendered}},
		}

	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
	}
	return resp
}

func renderResult(result any) (string, error) {
	switch v := result.(type) {
	case string:
		return v, nil
	default:
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("mcp: render result: %w", err)
		}
		return string(raw), nil
	}
}

// HTTPHandler serves JSON-RPC request bodies POSTed to /mcp.
func HTTPHandler(registry *ToolRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"POST required"}`, http.StatusMethodNotAllowed)
			return
		}

		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeRPC(w, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}})
			return
		}

		resp := Handle(r.Context(), registry, &req)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeRPC(w, resp)
	})
}

func writeRPC(w http.ResponseWriter, resp *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ServeStdio reads newline-delimited JSON-RPC frames from in and writes
// responses to out, until EOF or ctx cancellation. The MCP client owns the
// process lifetime.
func ServeStdio(ctx context.Context, registry *ToolRegistry, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(&rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}}); err != nil {
				return err
			}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resp := Handle(callCtx, registry, &req)
		cancel()
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warnf("mcp: stdio read: %v", err)
		return err
	}
	return nil
}
