package registry

import (
	"context"

	"github.com/toolbroker/toolbroker/internal/apperror"
	"github.com/toolbroker/toolbroker/internal/catalog"
	"github.com/toolbroker/toolbroker/internal/store"
)

// CatalogStore is the subset of Persistence the refresh path needs beyond
// the catalog.Persistence interface.
type CatalogStore interface {
	catalog.Persistence
	ListIndexedServerNames(modelName string) ([]string, error)
	DeleteToolsByServerName(serverName, modelName string) (int, error)
}

// RefreshCatalog walks the live tools of every server in servers, hands
// them to the Indexer, then removes ToolRecords belonging to indexed
// server names that are no longer configured at all (SPEC_FULL.md §4.D
// "catalog refresh operation"). The stale-removal phase always diffs
// against the full current server list fetched from persistence, never
// against servers — servers only controls which servers get reindexed
// here, not which ones are considered "still live" for cleanup purposes.
// Call reindexServer instead when only one server needs reindexing and no
// cleanup sweep is wanted (Registry.go's create/update/enable paths).
func (r *Registry) RefreshCatalog(ctx context.Context, servers []store.ServerConfig) error {
	if r.indexer == nil {
		return nil
	}

	for _, cfg := range servers {
		if err := r.reindexServer(ctx, cfg.Name); err != nil {
			r.log.Warn("refresh failed for server", "server", cfg.Name, "error", err)
		}
	}

	return r.removeStaleServerTools()
}

// reindexServer re-embeds and upserts serverName's current live tools
// without touching any other server's index. Safe to call after a single
// server's create/update/enable, unlike RefreshCatalog, whose cleanup
// phase is meant for a full-catalog pass.
func (r *Registry) reindexServer(ctx context.Context, serverName string) error {
	if r.indexer == nil {
		return nil
	}
	return r.refreshByName(ctx, serverName)
}

// removeStaleServerTools drops indexed tools for any server name no longer
// present among ALL configured servers (enabled or not) — a disabled
// server keeps its index until deleted, only DeleteServer's explicit
// removeToolsForServer call or a genuinely removed row should empty it.
func (r *Registry) removeStaleServerTools() error {
	all, _, err := r.db.ListServers(store.ServerFilter{}, store.Page{Page: 1, Limit: 10000})
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "list all servers")
	}
	live := make(map[string]bool, len(all))
	for _, cfg := range all {
		live[cfg.Name] = true
	}

	indexed, err := r.catalogStore.ListIndexedServerNames(r.modelName)
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "list indexed server names")
	}
	for _, name := range indexed {
		if live[name] {
			continue
		}
		if _, err := r.catalogStore.DeleteToolsByServerName(name, r.modelName); err != nil {
			r.log.Warn("remove stale tools failed", "server", name, "error", err)
		}
	}
	return nil
}

func (r *Registry) refreshByName(ctx context.Context, serverName string) error {
	tools, err := r.GetTools(ctx, serverName)
	if err != nil {
		return apperror.Wrap(apperror.Upstream, err, "list tools for refresh")
	}
	upstream := make([]catalog.UpstreamTool, len(tools))
	for i, t := range tools {
		upstream[i] = catalog.UpstreamTool{ServerName: serverName, Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	res := r.indexer.IndexBatch(ctx, upstream, r.modelName)
	if len(res.Failed) > 0 {
		r.log.Warn("some tools failed to index during refresh", "server", serverName, "failed", res.Failed)
	}
	return nil
}

// removeToolsForServer is called on DeleteServer to drop the deleted
// server's tools immediately rather than waiting for the next refresh.
func (r *Registry) removeToolsForServer(serverName string) error {
	_, err := r.catalogStore.DeleteToolsByServerName(serverName, r.modelName)
	return err
}
