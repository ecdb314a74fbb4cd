// Package registry maintains persisted ServerConfig rows and the in-memory
// map of live upstream MCP connections, grounded on radutopala/onemcp's
// AggregatorServer.initializeExternalServersFromConfig / connectExternalServer
// boot sequence but generalized to CRUD-driven lifecycle management instead
// of a static config file.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/toolbroker/toolbroker/internal/apperror"
	"github.com/toolbroker/toolbroker/internal/catalog"
	"github.com/toolbroker/toolbroker/internal/mcpclient"
	"github.com/toolbroker/toolbroker/internal/store"
)

// Persistence is the subset of *store.Store the Registry depends on.
type Persistence interface {
	CreateServer(cfg store.ServerConfig) (store.ServerConfig, error)
	GetServer(id string) (store.ServerConfig, error)
	ListServers(filter store.ServerFilter, page store.Page) ([]store.ServerConfig, store.PageResult, error)
	UpdateServer(cfg store.ServerConfig) (store.ServerConfig, error)
	SetServerEnabled(id string, enabled bool) error
	DeleteServer(id string) error
	CountServers() (int, error)
}

// liveEntry is either a connected client or a "disconnected" placeholder
// recorded after a failed connection attempt (SPEC_FULL.md §4.D failure
// model).
type liveEntry struct {
	client     mcpclient.Session
	serverName string
	connected  bool
	lastErr    error
}

// Registry owns Persistence CRUD plus the live-client map.
type Registry struct {
	db           Persistence
	catalogStore CatalogStore
	indexer      *catalog.Indexer
	modelName    string
	log          *slog.Logger

	mu   sync.RWMutex
	live map[string]*liveEntry // keyed by server name
}

// New builds a Registry over db, using indexer to refresh the catalog after
// connects. modelName must match the Embedder's configured ModelName, so
// catalog refresh and cleanup key on the same (tool_md5, model_name) space
// the Indexer writes.
func New(db Persistence, catalogStore CatalogStore, indexer *catalog.Indexer, modelName string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{db: db, catalogStore: catalogStore, indexer: indexer, modelName: modelName, log: log, live: make(map[string]*liveEntry)}
}

// Boot loads every enabled server and attempts to connect them concurrently
// (errgroup fan-out, mirroring the teacher's sequential connect loop but
// parallelized since boot latency scales with upstream count).
func (r *Registry) Boot(ctx context.Context) error {
	cfgs, _, err := r.db.ListServers(store.ServerFilter{Enabled: boolPtr(true)}, store.Page{Page: 1, Limit: 10000})
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "list enabled servers")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range cfgs {
		cfg := cfg
		g.Go(func() error {
			r.connect(gctx, cfg)
			return nil // a single failed connect never aborts boot
		})
	}
	_ = g.Wait()

	return r.RefreshCatalog(ctx, cfgs)
}

func (r *Registry) connect(ctx context.Context, cfg store.ServerConfig) {
	client, err := mcpclient.New(ctx, mcpclient.Config{
		Name:    cfg.Name,
		Kind:    mcpclient.Kind(cfg.Kind),
		URL:     cfg.URL,
		Command: cfg.Command,
		Args:    cfg.Args,
		Headers: cfg.Headers,
		Env:     cfg.Env,
	}, r.log)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.log.Warn("upstream connect failed, marking disconnected", "server", cfg.Name, "error", err)
		r.live[cfg.Name] = &liveEntry{serverName: cfg.Name, connected: false, lastErr: err}
		return
	}
	r.live[cfg.Name] = &liveEntry{client: client, serverName: cfg.Name, connected: true}
}

// CreateServer persists cfg and attempts a connection. strict=true rolls
// back the row if the connection fails; strict=false (default) persists
// the row regardless and surfaces the connection error alongside it.
func (r *Registry) CreateServer(ctx context.Context, cfg store.ServerConfig, strict bool) (store.ServerConfig, error) {
	created, err := r.db.CreateServer(cfg)
	if err != nil {
		return store.ServerConfig{}, err
	}

	if !created.Enabled {
		return created, nil
	}

	connectErr := r.connectAndReport(ctx, created)
	if connectErr != nil && strict {
		if delErr := r.db.DeleteServer(created.ID); delErr != nil {
			r.log.Warn("rollback delete failed after strict connect failure", "server", created.Name, "error", delErr)
		}
		return store.ServerConfig{}, apperror.Wrap(apperror.Upstream, connectErr, fmt.Sprintf("connect %q", created.Name))
	}
	return created, nil
}

func (r *Registry) connectAndReport(ctx context.Context, cfg store.ServerConfig) error {
	r.connect(ctx, cfg)
	r.mu.RLock()
	entry := r.live[cfg.Name]
	r.mu.RUnlock()
	if entry != nil && !entry.connected {
		return entry.lastErr
	}
	if err := r.reindexServer(ctx, cfg.Name); err != nil {
		r.log.Warn("catalog refresh after create failed", "server", cfg.Name, "error", err)
	}
	return nil
}

// UpdateServer updates the persisted row, reconnecting the live client if
// enabled state or any connection-relevant field changed.
func (r *Registry) UpdateServer(ctx context.Context, cfg store.ServerConfig) (store.ServerConfig, error) {
	prev, err := r.db.GetServer(cfg.ID)
	if err != nil {
		return store.ServerConfig{}, err
	}

	updated, err := r.db.UpdateServer(cfg)
	if err != nil {
		return store.ServerConfig{}, err
	}

	if connectionRelevantChange(prev, updated) {
		r.disconnect(updated.Name)
		if updated.Enabled {
			if err := r.connectAndReport(ctx, updated); err != nil {
				r.log.Warn("reconnect after update failed", "server", updated.Name, "error", err)
			}
		}
	}
	return updated, nil
}

func connectionRelevantChange(prev, next store.ServerConfig) bool {
	if prev.Enabled != next.Enabled || prev.Kind != next.Kind || prev.URL != next.URL || prev.Command != next.Command {
		return true
	}
	if len(prev.Args) != len(next.Args) {
		return true
	}
	for i := range prev.Args {
		if prev.Args[i] != next.Args[i] {
			return true
		}
	}
	return !mapsEqual(prev.Env, next.Env) || !mapsEqual(prev.Headers, next.Headers)
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// SetEnabled toggles a server's row and reconnects/disconnects accordingly.
// Convenience over UpdateServer (SPEC_FULL.md §4.D "Toggle").
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	cfg, err := r.db.GetServer(id)
	if err != nil {
		return err
	}
	if err := r.db.SetServerEnabled(id, enabled); err != nil {
		return err
	}
	if enabled == cfg.Enabled {
		return nil
	}
	if enabled {
		cfg.Enabled = true
		if err := r.connectAndReport(ctx, cfg); err != nil {
			r.log.Warn("connect after enable failed", "server", cfg.Name, "error", err)
		}
	} else {
		r.disconnect(cfg.Name)
	}
	return nil
}

// DeleteServer disconnects the live client then removes the row. A
// disconnect failure does not block row deletion (SPEC_FULL.md §4.D).
func (r *Registry) DeleteServer(ctx context.Context, id string) (store.ServerConfig, error) {
	cfg, err := r.db.GetServer(id)
	if err != nil {
		return store.ServerConfig{}, err
	}
	r.disconnect(cfg.Name)
	if err := r.db.DeleteServer(id); err != nil {
		return store.ServerConfig{}, err
	}
	if r.indexer != nil {
		if err := r.removeToolsForServer(cfg.Name); err != nil {
			r.log.Warn("remove tools for deleted server failed", "server", cfg.Name, "error", err)
		}
	}
	return cfg, nil
}

func (r *Registry) disconnect(name string) {
	r.mu.Lock()
	entry, ok := r.live[name]
	delete(r.live, name)
	r.mu.Unlock()
	if ok && entry.client != nil {
		if err := entry.client.Close(); err != nil {
			r.log.Warn("disconnect error", "server", name, "error", err)
		}
	}
}

// ListServers, GetServer, CountServers pass through to Persistence.
func (r *Registry) ListServers(filter store.ServerFilter, page store.Page) ([]store.ServerConfig, store.PageResult, error) {
	return r.db.ListServers(filter, page)
}

func (r *Registry) GetServer(id string) (store.ServerConfig, error) {
	return r.db.GetServer(id)
}

func (r *Registry) CountServers() (int, error) {
	return r.db.CountServers()
}

// GetTools returns the live tool list for a connected server, or an empty
// list for a disconnected one (SPEC_FULL.md §4.D failure model).
func (r *Registry) GetTools(ctx context.Context, serverName string) ([]mcpclient.Tool, error) {
	r.mu.RLock()
	entry := r.live[serverName]
	r.mu.RUnlock()
	if entry == nil || !entry.connected || entry.client == nil {
		return nil, nil
	}
	return entry.client.ListTools(ctx)
}

// LiveClient exposes the raw client for a connected server, used by the
// Executor to invoke a tool directly. Returns ok=false if disconnected.
func (r *Registry) LiveClient(serverName string) (mcpclient.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry := r.live[serverName]
	if entry == nil || !entry.connected {
		return nil, false
	}
	return entry.client, true
}

// ConnectedServerNames returns the names of every server with a live
// client, for server_description rendering.
func (r *Registry) ConnectedServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.live))
	for name, e := range r.live {
		if e.connected {
			names = append(names, name)
		}
	}
	return names
}

func boolPtr(b bool) *bool { return &b }
