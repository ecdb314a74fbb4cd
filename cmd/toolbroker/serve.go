package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"

	"github.com/toolbroker/toolbroker/internal/broker"
	"github.com/toolbroker/toolbroker/internal/catalog"
	"github.com/toolbroker/toolbroker/internal/config"
	"github.com/toolbroker/toolbroker/internal/embedder"
	"github.com/toolbroker/toolbroker/internal/executor"
	"github.com/toolbroker/toolbroker/internal/registry"
	"github.com/toolbroker/toolbroker/internal/retrieval"
	"github.com/toolbroker/toolbroker/internal/store"
)

// version is set at build time via -ldflags; default matches the
// unreleased state of a locally built binary.
var version = "0.1.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker's MCP and REST endpoints",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	db, err := store.Open(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	emb, err := buildEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}

	indexer := catalog.New(db, emb, logger)
	reg := registry.New(db, db, indexer, emb.ModelName(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := seedIfEmpty(ctx, reg, db, cfg.SeedFile, logger); err != nil {
		logger.Warn("seed bootstrap failed, continuing with an empty catalog", "error", err)
	}

	if err := reg.Boot(ctx); err != nil {
		logger.Warn("registry boot reported an error", "error", err)
	}

	ret := retrieval.New(db, emb, reg, retrieval.Config{TopK: cfg.TopK, Threshold: cfg.Threshold})
	exec := executor.New(reg)

	b := broker.New(broker.Config{
		ModelName:       emb.ModelName(),
		BearerToken:     cfg.BearerToken,
		MCPCallbackPort: cfg.MCPCallbackPort,
		Version:         version,
	}, reg, db, ret, exec, reg, logger)

	mainServer := &http.Server{
		Addr:    ":" + cfg.MCPServerPort,
		Handler: b.Handler(),
	}
	callbackServer := &http.Server{
		Addr:    ":" + cfg.MCPCallbackPort,
		Handler: b.CallbackStub(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("serving MCP + REST", "port", cfg.MCPServerPort)
		if err := mainServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("main server: %w", err)
		}
	}()
	go func() {
		logger.Info("serving OAuth callback stub", "port", cfg.MCPCallbackPort)
		if err := callbackServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("callback server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = mainServer.Shutdown(shutdownCtx)
	_ = callbackServer.Shutdown(shutdownCtx)
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	return embedder.NewHTTPEmbedder(embedder.HTTPConfig{
		APIKey:    cfg.EmbeddingAPIKey,
		BaseURL:   cfg.EmbeddingBaseURL,
		ModelName: cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDim,
	})
}

// seedEntry mirrors one row of the optional JSONC bootstrap file.
type seedEntry struct {
	Name        string            `json:"name"`
	Type        store.ServerKind  `json:"type"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

type seedFile struct {
	MCPServers []seedEntry `json:"mcp_servers"`
}

// seedIfEmpty loads seedPath (if set) and creates its servers, but only when
// the mcp_servers table is still empty — this is a first-boot bootstrap,
// not an ongoing sync; the REST CRUD surface is the ongoing management path
// (SPEC_FULL.md §6).
func seedIfEmpty(ctx context.Context, reg *registry.Registry, db *store.Store, seedPath string, logger *slog.Logger) error {
	if seedPath == "" {
		return nil
	}

	count, err := db.CountServers()
	if err != nil {
		return fmt.Errorf("count servers: %w", err)
	}
	if count > 0 {
		return nil
	}

	data, err := os.ReadFile(seedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read seed file: %w", err)
	}

	var seed seedFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, entry := range seed.MCPServers {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		_, err := reg.CreateServer(ctx, store.ServerConfig{
			Name:        entry.Name,
			Kind:        entry.Type,
			URL:         entry.URL,
			Command:     entry.Command,
			Args:        entry.Args,
			Headers:     entry.Headers,
			Env:         entry.Env,
			Description: entry.Description,
			Enabled:     enabled,
		}, false)
		if err != nil {
			logger.Warn("seed server create failed", "name", entry.Name, "error", err)
		}
	}
	logger.Info("applied seed bootstrap file", "path", seedPath, "servers", len(seed.MCPServers))
	return nil
}
