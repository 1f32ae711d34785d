// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/oakdev/oak-ci/internal/config"
	"github.com/oakdev/oak-ci/internal/hooks"
	"github.com/oakdev/oak-ci/internal/logger"
	"github.com/oakdev/oak-ci/internal/mcp"
	"github.com/oakdev/oak-ci/internal/vectorstore"
)

const version = "0.3.0"

// exitRestart tells the supervising process (CLI wrapper or service
// manager) to relaunch the daemon after a config write.
const exitRestart = 10

var (
	projectRoot = flag.String("project-root", "", "project root to serve (default: OAK_PROJECT_ROOT or cwd)")
	mcpStdio    = flag.Bool("mcp-stdio", false, "run as a stdio MCP proxy to an already-running daemon and exit")
	fullIndex   = flag.Bool("full-index", true, "run a full index pass on startup")
)

func main() {
	flag.Parse()

	root := *projectRoot
	if root == "" {
		root = os.Getenv("OAK_PROJECT_ROOT")
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("cannot determine project root: %v", err)
		}
		root = cwd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		log.Fatalf("cannot resolve project root: %v", err)
	}

	if *mcpStdio {
		os.Exit(runStdioProxy(root))
	}

	dataDir := filepath.Join(root, ".oak", "ci")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("cannot create %s: %v", dataDir, err)
	}
	if _, err := logger.Init(filepath.Join(dataDir, "daemon.log")); err != nil {
		log.Printf("failed to initialize logger: %v, using stdout only", err)
	}

	if err := godotenv.Load(filepath.Join(root, ".env")); err == nil {
		logger.Printf("loaded .env from project root")
	}

	cfg, err := config.Load(root)
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	if p := os.Getenv("OAK_CI_PORT"); p != "" {
		if port, err := strconv.Atoi(p); err == nil && port > 0 {
			cfg.Daemon.Port = port
		}
	}

	d, err := buildDaemon(cfg)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}

	code := run(d, dataDir)
	d.close()
	os.Exit(code)
}

// run starts every component, serves until a signal or restart request,
// and returns the process exit code.
func run(d *daemon, dataDir string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.server.SetStatus(hooks.StatusStarting)

	if err := d.watch.Start(); err != nil {
		logger.Warnf("daemon: watcher failed to start: %v (incremental indexing disabled)", err)
	} else {
		go d.index.Consume(ctx, d.watch.Events())
	}

	d.processor.Start()

	if d.relayCli != nil {
		go d.relayCli.Run(ctx)
	}

	mux := d.server.Routes(map[string]http.Handler{
		"/mcp": mcp.HTTPHandler(d.registry),
	})
	addr := fmt.Sprintf("%s:%d", d.cfg.Daemon.Host, d.cfg.Daemon.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	writeRuntimeFiles(dataDir, d.cfg.Daemon.Port)
	defer removeRuntimeFiles(dataDir)

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("daemon: listening on %s (project %s)", addr, d.cfg.ProjectRoot)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	if *fullIndex {
		go func() {
			if mismatched := dimensionMismatches(ctx, d); len(mismatched) > 0 {
				logger.Errorf("daemon: collections %v were built with a different embedding model (current dimension %d); POST /api/config/reset-collections to rebuild them",
					mismatched, d.embedder.Dimension())
				d.server.SetStatus(hooks.StatusError)
				return
			}
			d.server.SetStatus(hooks.StatusIndexing)
			if _, err := d.index.FullRun(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("daemon: full index run failed: %v", err)
				d.server.SetStatus(hooks.StatusError)
				return
			}
			d.server.SetStatus(hooks.StatusReady)
		}()
	} else {
		d.server.SetStatus(hooks.StatusReady)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	code := 0
	select {
	case <-stop:
		logger.Printf("daemon: shutting down on signal")
	case <-d.server.RestartRequested():
		logger.Printf("daemon: restart requested by config write")
		code = exitRestart
	case err := <-serveErr:
		logger.Errorf("daemon: HTTP server error: %v", err)
		code = 1
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("daemon: HTTP shutdown: %v", err)
	}

	d.watch.Stop()
	d.index.Wait()
	d.processor.Stop()
	return code
}

// dimensionMismatches lists collections whose stored vector width
// disagrees with the active embedder, i.e. the embedding model changed
// since they were built. Indexing against them would only produce
// DimensionMismatch errors, so the caller halts and points the operator
// at the reset endpoint instead.
func dimensionMismatches(ctx context.Context, d *daemon) []string {
	want := d.embedder.Dimension()
	var out []string
	for _, coll := range []vectorstore.Collection{
		vectorstore.CollectionCode, vectorstore.CollectionMemory, vectorstore.CollectionPlan,
	} {
		stored, err := d.vectors.StoredDimension(ctx, coll)
		if err != nil {
			logger.Warnf("daemon: probe %s collection dimension: %v", coll, err)
			continue
		}
		if stored > 0 && stored != want {
			out = append(out, string(coll))
		}
	}
	return out
}

func writeRuntimeFiles(dataDir string, port int) {
	if err := os.WriteFile(filepath.Join(dataDir, "daemon.pid"), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		logger.Warnf("daemon: write pid file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "daemon.port"), []byte(strconv.Itoa(port)), 0644); err != nil {
		logger.Warnf("daemon: write port file: %v", err)
	}
}

func removeRuntimeFiles(dataDir string) {
	os.Remove(filepath.Join(dataDir, "daemon.pid"))
	os.Remove(filepath.Join(dataDir, "daemon.port"))
}

// runStdioProxy speaks MCP on stdin/stdout by forwarding each JSON-RPC
// frame to the running daemon's /mcp endpoint. It refuses to start when
// the daemon is unreachable, with a clear one-line message.
func runStdioProxy(root string) int {
	portRaw, err := os.ReadFile(filepath.Join(root, ".oak", "ci", "daemon.port"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "oak-ci daemon is not running for this project (no daemon.port); start it with `oak-ci start`")
		return 2
	}
	base := "http://127.0.0.1:" + strings.TrimSpace(string(portRaw))

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Get(base + "/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "oak-ci daemon is not reachable at %s: %v\n", base, err)
		return 2
	}
	resp.Body.Close()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		resp, err := client.Post(base+"/mcp", "application/json", strings.NewReader(string(line)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "oak-ci: daemon request failed: %v\n", err)
			return 2
		}
		if resp.StatusCode == http.StatusAccepted {
			resp.Body.Close()
			continue // notification, no response frame
		}
		if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
			resp.Body.Close()
			return 1
		}
		resp.Body.Close()
	}
	return 0
}
