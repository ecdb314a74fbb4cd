// Package broker composes the Persistence, Registry, Retrieval, and
// Executor layers into the two surfaces agents talk to: an MCP
// streamable-HTTP endpoint exposing `retriever`/`executor`, and a REST CRUD
// surface over upstream server configuration, grounded on
// radutopala/onemcp's AggregatorServer (mcp.NewServer + registerMetaTools)
// generalized to also mount chi-routed REST handlers on the same process
// (spec.md §4.G).
package broker

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolbroker/toolbroker/internal/executor"
	"github.com/toolbroker/toolbroker/internal/retrieval"
	"github.com/toolbroker/toolbroker/internal/store"
)

// ToolLister is the subset of *store.Store the REST include_tools view
// depends on.
type ToolLister interface {
	ListToolsByServerName(serverName, modelName string) ([]store.ToolRecord, error)
}

// ServerAdmin is the subset of *registry.Registry the REST CRUD surface
// depends on.
type ServerAdmin interface {
	CreateServer(ctx context.Context, cfg store.ServerConfig, strict bool) (store.ServerConfig, error)
	UpdateServer(ctx context.Context, cfg store.ServerConfig) (store.ServerConfig, error)
	DeleteServer(ctx context.Context, id string) (store.ServerConfig, error)
	ListServers(filter store.ServerFilter, page store.Page) ([]store.ServerConfig, store.PageResult, error)
	GetServer(id string) (store.ServerConfig, error)
}

// Config bundles the broker's own settings, separate from its dependencies.
type Config struct {
	ModelName       string
	BearerToken     string
	MCPCallbackPort string
	Version         string
}

// Broker is the composition root's façade: one *mcp.Server plus one chi
// router, mountable on a single net/http server.
type Broker struct {
	cfg       Config
	servers   ServerAdmin
	tools     ToolLister
	retrieval *retrieval.Engine
	executor  *executor.Executor
	lister    retrieval.ServerLister
	log       *slog.Logger

	mcpServer *mcp.Server
}

// New builds a Broker wiring every dependency needed by its two surfaces.
func New(cfg Config, servers ServerAdmin, tools ToolLister, ret *retrieval.Engine, exec *executor.Executor, lister retrieval.ServerLister, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{cfg: cfg, servers: servers, tools: tools, retrieval: ret, executor: exec, lister: lister, log: log}
	b.mcpServer = mcp.NewServer(&mcp.Implementation{Name: "toolbroker", Version: cfg.Version}, nil)
	b.registerMCPTools()
	return b
}

// Handler builds the combined net/http handler: the MCP endpoint at /mcp and
// the REST CRUD surface under /api. The OAuth callback stub is a separate
// handler (CallbackStub).
func (b *Broker) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return b.mcpServer
	}, nil))

	router.Route("/api", func(r chi.Router) {
		r.Get("/health", b.handleHealth)
		r.Group(func(r chi.Router) {
			r.Use(bearerAuth(b.cfg.BearerToken))
			r.Get("/mcp-servers", b.handleListServers)
			r.Post("/mcp-servers", b.handleCreateServer)
			r.Get("/mcp-servers/{id}", b.handleGetServer)
			r.Put("/mcp-servers/{id}", b.handleUpdateServer)
			r.Delete("/mcp-servers/{id}", b.handleDeleteServer)
		})
	})

	return router
}

// CallbackStub returns the stub OAuth callback listener bound to
// MCP_CALLBACK_PORT (spec.md §6): upstream OAuth handling is an external
// collaborator, but the port is still bound so the documented env var has a
// concrete, discoverable placeholder rather than silent non-wiring.
func (b *Broker) CallbackStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotImplemented, map[string]any{
			"error": "oauth callback handling is not implemented by this broker",
		})
	})
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"server":    "toolbroker",
		"version":   b.cfg.Version,
	})
}
