// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/background"
	"github.com/oakdev/oak-ci/internal/chunker/linewindow"
	"github.com/oakdev/oak-ci/internal/config"
	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/events"
	"github.com/oakdev/oak-ci/internal/exclude"
	"github.com/oakdev/oak-ci/internal/hooks"
	"github.com/oakdev/oak-ci/internal/indexer"
	"github.com/oakdev/oak-ci/internal/logger"
	"github.com/oakdev/oak-ci/internal/mcp"
	"github.com/oakdev/oak-ci/internal/queue"
	"github.com/oakdev/oak-ci/internal/relay"
	"github.com/oakdev/oak-ci/internal/retrieval"
	"github.com/oakdev/oak-ci/internal/summarizer"
	"github.com/oakdev/oak-ci/internal/vectorstore"
	"github.com/oakdev/oak-ci/internal/watcher"
)

// daemon is the composition root: every long-lived component, wired once
// at startup from the immutable config snapshot.
type daemon struct {
	cfg        *config.Config
	store      *activitystore.Store
	vectors    vectorstore.VectorStore
	qdrantConn *grpc.ClientConn
	embedder   embeddings.Embedder
	engine     *retrieval.Engine
	watch      *watcher.Watcher
	index      *indexer.Indexer
	processor  *background.Processor
	registry   *mcp.ToolRegistry
	server     *hooks.Server
	relayCli   *relay.Client
	bus        *events.Broadcaster
}

// buildDaemon constructs every component. No goroutines are started here;
// run() owns the lifecycle.
func buildDaemon(cfg *config.Config) (*daemon, error) {
	dataDir := filepath.Join(cfg.ProjectRoot, ".oak", "ci")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := activitystore.Open(filepath.Join(dataDir, "activities.db"))
	if err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg, store: store, bus: events.NewBroadcaster()}

	// Qdrant is optional: unreachable means an in-memory store and a
	// daemon that still records activity, mirroring the degraded mode
	// the rest of the system is built to tolerate.
	conn, err := grpc.Dial(cfg.Qdrant.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Warnf("daemon: qdrant unreachable at %s (%v), using in-memory vector store", cfg.Qdrant.Address, err)
		d.vectors = vectorstore.NewMockStore()
	} else {
		d.qdrantConn = conn
		qs, err := vectorstore.NewQdrantStore(conn, projectSlug(cfg))
		if err != nil {
			logger.Warnf("daemon: qdrant init failed (%v), using in-memory vector store", err)
			d.vectors = vectorstore.NewMockStore()
		} else {
			d.vectors = qs
		}
	}

	embedCfg := cfg.Embedding
	if embedCfg.Provider == "openai" && embedCfg.APIKey == "" {
		embedCfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	d.embedder, err = embeddings.NewEmbedder(embeddings.Config{
		Provider:      embedCfg.Provider,
		BaseURL:       embedCfg.BaseURL,
		Model:         embedCfg.Model,
		APIKey:        embedCfg.APIKey,
		Dimensions:    embedCfg.Dimensions,
		ContextTokens: embedCfg.ContextTokens,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	summCfg := cfg.Summarization
	if summCfg.Provider == "openai" && summCfg.APIKey == "" {
		summCfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	summ, err := summarizer.New(summarizer.Config{
		Provider:      summCfg.Provider,
		BaseURL:       summCfg.BaseURL,
		Model:         summCfg.Model,
		APIKey:        summCfg.APIKey,
		ContextTokens: summCfg.ContextTokens,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	d.engine = retrieval.New(d.vectors, d.embedder,
		cfg.Retrieval.HighConfidenceThreshold, cfg.Retrieval.MediumConfidenceThreshold, cfg.Retrieval.TopK)

	policy := exclude.NewPolicy(cfg.ProjectRoot,
		cfg.Indexing.ExcludePatterns, cfg.Indexing.GitignorePatterns, cfg.Indexing.IncludeManagedPaths)

	d.index = indexer.New(cfg.ProjectRoot, store, d.vectors, d.embedder,
		linewindow.New(), policy, d.bus, cfg.Indexing.SkipEmptyFiles)
	d.watch = watcher.New(cfg.ProjectRoot, policy)

	d.processor = background.New(store, d.vectors, d.embedder, summ,
		buildQueue(cfg), time.Duration(cfg.Session.StaleTimeoutSeconds)*time.Second)

	d.registry = mcp.NewToolRegistry()
	mcp.RegisterTools(d.registry, d.engine, store, cfg.ProjectRoot)

	d.server = hooks.NewServer(cfg, store, d.engine, d.vectors, d.embedder, version, func() string {
		return string(d.index.Status())
	})
	d.server.AttachEventBus(d.bus)

	if relayURL, relayToken := relaySettings(cfg); relayURL != "" && relayToken != "" {
		d.relayCli = relay.NewClient(relayURL, relayToken, d.registry)
	}

	return d, nil
}

// buildQueue prefers Redis (durable across restarts) and falls back to the
// in-process channel queue.
func buildQueue(cfg *config.Config) queue.Queue {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = os.Getenv("REDIS_URL")
	}
	if addr == "" {
		return queue.NewChannelQueue(10000)
	}

	client := redis.NewClient(&redis.Options{Addr: strings.TrimPrefix(addr, "redis://")})
	q, err := queue.NewRedisQueue(client, "oakci:jobs:"+projectSlug(cfg))
	if err != nil {
		logger.Warnf("daemon: redis unavailable (%v), using in-process job queue", err)
		return queue.NewChannelQueue(10000)
	}
	logger.Printf("daemon: using redis job queue at %s", addr)
	return q
}

// relaySettings resolves the relay endpoint from config with environment
// overrides.
func relaySettings(cfg *config.Config) (url, token string) {
	url = os.Getenv("OAK_RELAY_URL")
	token = os.Getenv("OAK_RELAY_TOKEN")
	if url == "" && cfg.Relay.Enabled {
		url = cfg.Relay.Address
	}
	if token == "" {
		token = cfg.Relay.APIKey
	}
	return url, token
}

// projectSlug derives a stable collection prefix from the project path.
func projectSlug(cfg *config.Config) string {
	if cfg.ProjectID != "" {
		return cfg.ProjectID
	}
	base := filepath.Base(cfg.ProjectRoot)
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, base)
	if slug == "" {
		slug = "default"
	}
	return slug
}

// close tears down in reverse construction order.
func (d *daemon) close() {
	if d.qdrantConn != nil {
		d.qdrantConn.Close()
	}
	if err := d.store.Close(); err != nil {
		logger.Warnf("daemon: close store: %v", err)
	}
}
