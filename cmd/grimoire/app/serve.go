package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stacklok/mcp-grimoire/pkg/config"
	"github.com/stacklok/mcp-grimoire/pkg/embedding"
	"github.com/stacklok/mcp-grimoire/pkg/embedstore"
	"github.com/stacklok/mcp-grimoire/pkg/gateway"
	"github.com/stacklok/mcp-grimoire/pkg/lifecycle"
	"github.com/stacklok/mcp-grimoire/pkg/logger"
	"github.com/stacklok/mcp-grimoire/pkg/paths"
	"github.com/stacklok/mcp-grimoire/pkg/resolver"
	"github.com/stacklok/mcp-grimoire/pkg/spell"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, speaking MCP over stdio to the agent host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if homeFlag != "" {
		if err := os.Setenv("GRIMOIRE_HOME", homeFlag); err != nil {
			return fmt.Errorf("setting GRIMOIRE_HOME: %w", err)
		}
	}

	cfg := config.Load()

	home, err := paths.Home()
	if err != nil {
		return fmt.Errorf("resolving grimoire home: %w", err)
	}
	logger.Infof("grimoire home: %s", home)

	cachePath, err := paths.EmbeddingCachePath()
	if err != nil {
		return fmt.Errorf("resolving embedding cache path: %w", err)
	}
	store := embedstore.New(cachePath, cfg.DebounceWindow)
	if err := store.Load(); err != nil {
		logger.Warnf("failed to load embedding cache, starting empty: %v", err)
	}

	envStore, err := paths.NewEnvStore()
	if err != nil {
		return fmt.Errorf("opening .env store: %w", err)
	}

	discovery, err := spell.New(home)
	if err != nil {
		return fmt.Errorf("scanning spell directory: %w", err)
	}
	if err := discovery.Start(); err != nil {
		return fmt.Errorf("starting spell directory watch: %w", err)
	}
	defer discovery.Stop()

	embedClient := embedding.New(cfg.EmbeddingServiceURL, store)
	res := resolver.New(discovery, embedClient, store, cfg)

	var gw *gateway.Gateway
	lc := lifecycle.New(cfg, store, envStore, func() {
		if gw != nil {
			gw.Resync()
		}
	})
	lc.LoadFromStorage()

	gw = gateway.New(cfg, discovery, res, lc)

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Populate the embedding store for every spell already on disk before
	// serving, then keep it current as discovery reports additions and
	// edits. Resolving a query reads spell vectors from this store and
	// writes only query embeddings; this is the only writer of spell
	// embeddings.
	indexer := resolver.NewIndexer(discovery, embedClient)
	indexer.IndexAll(stopCtx)
	go indexer.Watch(stopCtx)

	go func() {
		<-stopCtx.Done()
		logger.Infof("shutting down: terminating active backends")
		lc.KillAll()
		if err := store.Flush(); err != nil {
			logger.Errorf("failed to flush embedding cache on shutdown: %v", err)
		}
	}()

	logger.Infof("serving MCP over stdio")
	return mcpserver.ServeStdio(gw.Server())
}
