// Package executor resolves a tool identity to a live upstream handle and
// invokes it, grounded on radutopala/onemcp's handleToolExecute /
// Registry.Execute dispatch but generalized to the broker's md5-based
// resolution rule (SPEC_FULL.md §4.F): recompute the identity of every live
// tool rather than trusting the persisted catalog, which may lag behind.
package executor

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolbroker/toolbroker/internal/apperror"
	"github.com/toolbroker/toolbroker/internal/catalog"
	"github.com/toolbroker/toolbroker/internal/mcpclient"
)

// LiveCatalog is the subset of *registry.Registry the Executor depends on:
// the current set of connected server names and their live clients.
type LiveCatalog interface {
	ConnectedServerNames() []string
	LiveClient(serverName string) (mcpclient.Session, bool)
}

// Executor resolves and invokes tools against live upstream connections.
type Executor struct {
	registry LiveCatalog
}

// New builds an Executor over registry.
func New(registry LiveCatalog) *Executor {
	return &Executor{registry: registry}
}

// Execute recomputes md5(display_name ∥ description) for every tool on
// every connected server's current catalog and invokes the first match.
// Fails with NotFound if no live tool matches.
func (e *Executor) Execute(ctx context.Context, toolMD5 string, params map[string]any) (*mcp.CallToolResult, error) {
	for _, serverName := range e.registry.ConnectedServerNames() {
		client, ok := e.registry.LiveClient(serverName)
		if !ok {
			continue
		}
		tools, err := client.ListTools(ctx)
		if err != nil {
			continue // a single unreachable server does not abort resolution across the rest
		}
		for _, t := range tools {
			displayName := catalog.DisplayName(serverName, t.Name)
			if catalog.ToolMD5(displayName, t.Description) != toolMD5 {
				continue
			}
			result, err := client.CallTool(ctx, t.Name, params)
			if err != nil {
				return nil, err // upstream error surfaced verbatim
			}
			return result, nil
		}
	}
	return nil, apperror.Newf(apperror.NotFound, "no live tool matches md5 %q", toolMD5)
}
