// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oakdev/oak-ci/internal/logger"
	"github.com/oakdev/oak-ci/internal/mcp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ErrInstanceOffline is the error string remote callers receive when no
// daemon is connected (or it disconnects mid-call).
const ErrInstanceOffline = "instance offline"

// daemonConn is one live daemon connection with its cached tool list and
// pending calls.
type daemonConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	toolsMu sync.RWMutex
	tools   []mcp.ToolInfo

	pendingMu sync.Mutex
	pending   map[string]chan Message
}

func (d *daemonConn) send(msg Message) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return d.conn.WriteJSON(msg)
}

// failPending rejects every unresolved call with reason.
func (d *daemonConn) failPending(reason string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for id, ch := range d.pending {
		ch <- Message{Type: TypeToolResult, CallID: id, Error: reason}
		delete(d.pending, id)
	}
}

// Hub is the relay side: it accepts one daemon websocket per deployment
// and proxies authenticated /mcp POSTs into tool_call frames.
type Hub struct {
	relayToken string
	agentToken string

	mu    sync.RWMutex
	conns map[string]*daemonConn
}

// NewHub constructs a Hub validating the two token classes.
func NewHub(relayToken, agentToken string) *Hub {
	return &Hub{
		relayToken: relayToken,
		agentToken: agentToken,
		conns:      make(map[string]*daemonConn),
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func deploymentID(r *http.Request) string {
	if id := r.URL.Query().Get("deployment"); id != "" {
		return id
	}
	return "default"
}

// HandleWS serves the daemon's /ws endpoint: validate relay_token,
// displace any previous connection for the deployment, then service
// frames until disconnect.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if bearerToken(r) != h.relayToken {
		http.Error(w, "invalid relay token", http.StatusUnauthorized)
		return
	}
	deployment := deploymentID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("relay: upgrade failed: %v", err)
		return
	}

	dc := &daemonConn{conn: conn, pending: make(map[string]chan Message)}

	// Exactly one daemon per deployment: a new connection displaces the
	// old one.
	h.mu.Lock()
	if old, ok := h.conns[deployment]; ok {
		old.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"),
			time.Now().Add(time.Second))
		old.conn.Close()
		old.failPending(ErrInstanceOffline)
	}
	h.conns[deployment] = dc
	h.mu.Unlock()

	logger.Printf("relay: daemon connected for deployment %s", deployment)

	defer func() {
		h.mu.Lock()
		if h.conns[deployment] == dc {
			delete(h.conns, deployment)
		}
		h.mu.Unlock()
		dc.failPending(ErrInstanceOffline)
		conn.Close()
		logger.Printf("relay: daemon disconnected for deployment %s", deployment)
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case TypeRegister:
			dc.toolsMu.Lock()
			dc.tools = msg.Tools
			dc.toolsMu.Unlock()
			if err := dc.send(Message{Type: TypeRegistered}); err != nil {
				return
			}
			logger.Printf("relay: deployment %s registered %d tools", deployment, len(msg.Tools))

		case TypeHeartbeat:
			if err := dc.send(Message{Type: TypeHeartbeatAck}); err != nil {
				return
			}

		case TypeToolResult:
			dc.pendingMu.Lock()
			ch, ok := dc.pending[msg.CallID]
			if ok {
				delete(dc.pending, msg.CallID)
			}
			dc.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
			// Results for unknown call ids (already timed out, or a
			// duplicate) are dropped.

		default:
			// Unknown frame types are dropped silently.
		}
	}
}

// HandleMCP serves the remote agent's /mcp endpoint: a JSON-RPC body is
// answered from the cached tool list or proxied to the daemon as a
// tool_call.
func (h *Hub) HandleMCP(w http.ResponseWriter, r *http.Request) {
	if bearerToken(r) != h.agentToken {
		http.Error(w, `{"error":"invalid agent token"}`, http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"POST required"}`, http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON-RPC body"}`, http.StatusBadRequest)
		return
	}

	deployment := deploymentID(r)
	h.mu.RLock()
	dc := h.conns[deployment]
	h.mu.RUnlock()

	writeResult := func(result any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
	writeRPCError := func(message string) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32000, "message": message},
		})
	}

	switch req.Method {
	case "initialize":
		writeResult(map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "oak-ci-relay", "version": "1"},
		})

	case "tools/list":
		if dc == nil {
			writeRPCError(ErrInstanceOffline)
			return
		}
		dc.toolsMu.RLock()
		tools := dc.tools
		dc.toolsMu.RUnlock()
		writeResult(map[string]any{"tools": tools})

	case "tools/call":
		if dc == nil {
			writeRPCError(ErrInstanceOffline)
			return
		}
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
			TimeoutMs int             `json:"timeout_ms"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError("invalid tools/call params")
			return
		}

		result, err := h.callTool(dc, params.Name, params.Arguments, params.TimeoutMs)
		if err != nil {
			writeRPCError(err.Error())
			return
		}
		writeResult(map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(result)}},
		})

	default:
		writeRPCError("unknown method " + req.Method)
	}
}

// callTool forwards one call and waits for its result or timeout. Each
// call_id has its own timer; the relay never persists tool input/output.
func (h *Hub) callTool(dc *daemonConn, name string, args json.RawMessage, timeoutMs int) (json.RawMessage, error) {
	if timeoutMs <= 0 {
		timeoutMs = DefaultCallTimeoutMs
	}
	callID := uuid.NewString()

	ch := make(chan Message, 1)
	dc.pendingMu.Lock()
	dc.pending[callID] = ch
	dc.pendingMu.Unlock()

	err := dc.send(Message{
		Type:      TypeToolCall,
		CallID:    callID,
		ToolName:  name,
		Arguments: args,
		TimeoutMs: timeoutMs,
	})
	if err != nil {
		dc.pendingMu.Lock()
		delete(dc.pending, callID)
		dc.pendingMu.Unlock()
		return nil, fmt.Errorf("%s", ErrInstanceOffline)
	}

	select {
	case msg := <-ch:
		if msg.Error != "" {
			return nil, fmt.Errorf("%s", msg.Error)
		}
		return msg.Result, nil
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		dc.pendingMu.Lock()
		delete(dc.pending, callID)
		dc.pendingMu.Unlock()
		return nil, fmt.Errorf("tool call timed out after %dms", timeoutMs)
	}
}

// Routes builds the relay process's mux.
func (h *Hub) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/mcp", h.HandleMCP)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		n := len(h.conns)
		h.mu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","connected_daemons":%d}`, n)
	})
	return mux
}
