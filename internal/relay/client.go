// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/oakdev/oak-ci/internal/logger"
	"github.com/oakdev/oak-ci/internal/mcp"
)

// Client is the daemon side: it dials the relay's /ws, registers the
// local tool list, answers tool_call frames from the same registry the
// local MCP transports use, and reconnects with jittered exponential
// backoff when the link drops.
type Client struct {
	relayURL string
	token    string
	registry *mcp.ToolRegistry

	writeMu sync.Mutex
	conn    *websocket.Conn

	// seen dedups call ids for at-most-once execution across a
	// reconnect replay.
	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewClient constructs a relay client. relayURL is the ws(s):// endpoint;
// token is the deployment's relay_token.
func NewClient(relayURL, token string, registry *mcp.ToolRegistry) *Client {
	return &Client{
		relayURL: relayURL,
		token:    token,
		registry: registry,
		seen:     make(map[string]time.Time),
	}
}

// Run keeps the relay connection alive until ctx is cancelled. Each
// connection failure re-enters the backoff loop; a protocol error never
// crashes the daemon.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		logger.Warnf("relay: connection ended (%v), reconnecting in %s", err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runOnce dials, registers, and services one connection until it dies.
func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{"Authorization": {"Bearer " + c.token}}

	conn, _, err := dialer.DialContext(ctx, c.relayURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.conn = conn

	if err := c.send(Message{Type: TypeRegister, Tools: c.registry.List()}); err != nil {
		return err
	}
	logger.Printf("relay: connected to %s, registered %d tools", c.relayURL, len(c.registry.List()))

	// lastAck gates the heartbeat: no ack within the timeout means the
	// link is dead even if TCP hasn't noticed.
	var ackMu sync.Mutex
	lastAck := time.Now()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			switch msg.Type {
			case TypeRegistered:
				logger.Debugf("relay: registration acknowledged")
			case TypeHeartbeatAck:
				ackMu.Lock()
				lastAck = time.Now()
				ackMu.Unlock()
			case TypeToolCall:
				go c.handleToolCall(connCtx, msg)
			case TypeError:
				logger.Warnf("relay: server error frame: %s", msg.Error)
			default:
				// Unknown frame types are dropped silently by contract.
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			c.writeMu.Unlock()
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-heartbeat.C:
			if err := c.send(Message{Type: TypeHeartbeat}); err != nil {
				return err
			}
			time.AfterFunc(heartbeatAckTimeout*time.Second, func() {
				ackMu.Lock()
				stale := time.Since(lastAck) > (heartbeatInterval+heartbeatAckTimeout)*time.Second
				ackMu.Unlock()
				if stale {
					logger.Warnf("relay: heartbeat ack overdue, closing connection")
					conn.Close()
				}
			})
		}
	}
}

// handleToolCall executes one remote call against the local registry,
// bounded by the caller's timeout_ms, with at-most-once semantics per
// call_id.
func (c *Client) handleToolCall(ctx context.Context, msg Message) {
	if msg.CallID == "" || !c.firstDelivery(msg.CallID) {
		return // duplicate delivery dropped
	}

	timeout := time.Duration(msg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultCallTimeoutMs * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.registry.Call(callCtx, msg.ToolName, msg.Arguments)
	if ctx.Err() != nil {
		return // connection shutting down; the relay fails the call as instance offline
	}
	reply := Message{Type: TypeToolResult, CallID: msg.CallID}
	if err != nil {
		reply.Error = err.Error()
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = merr.Error()
		} else {
			reply.Result = raw
		}
	}
	if err := c.send(reply); err != nil {
		logger.Warnf("relay: send result for call %s: %v", msg.CallID, err)
	}
}

// firstDelivery records a call id, returning false on a duplicate. Old
// entries age out so the set stays bounded.
func (c *Client) firstDelivery(callID string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	if _, dup := c.seen[callID]; dup {
		return false
	}
	now := time.Now()
	c.seen[callID] = now
	if len(c.seen) > 4096 {
		cutoff := now.Add(-10 * time.Minute)
		for id, at := range c.seen {
			if at.Before(cutoff) {
				delete(c.seen, id)
			}
		}
	}
	return true
}

func (c *Client) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}
