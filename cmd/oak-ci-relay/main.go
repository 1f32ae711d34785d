// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// oak-ci-relay is the cloud side of the relay: it accepts one daemon
// websocket per deployment on /ws and proxies authenticated /mcp POSTs
// from remote agents into tool_call frames. It keeps no persistent state;
// tool input and output are never written anywhere.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/oakdev/oak-ci/internal/logger"
	"github.com/oakdev/oak-ci/internal/relay"
)

var (
	port    = flag.Int("port", 8787, "listen port")
	logFile = flag.String("log-file", "oak-ci-relay.log", "log file path")
)

func main() {
	flag.Parse()

	if _, err := logger.Init(*logFile); err != nil {
		log.Printf("failed to initialize logger: %v, using stdout only", err)
	}
	if err := godotenv.Load(); err == nil {
		logger.Printf("loaded .env")
	}

	relayToken := os.Getenv("OAK_RELAY_TOKEN")
	agentToken := os.Getenv("OAK_AGENT_TOKEN")
	if relayToken == "" || agentToken == "" {
		logger.Fatalf("OAK_RELAY_TOKEN and OAK_AGENT_TOKEN must both be set")
	}

	hub := relay.NewHub(relayToken, agentToken)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: hub.Routes(),
	}

	go func() {
		logger.Printf("relay: listening on :%d", *port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("relay: HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Println("relay: shutting down")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Errorf("relay: shutdown error: %v", err)
	}
}
