// Package mcpclient connects to a single upstream MCP server over whichever
// transport its ServerConfig names, grounded on radutopala/onemcp's
// internal/mcpclient.Client but generalized from a two-way command/URL
// branch to the broker's three explicit kinds (stdio, sse, http_stream) and
// ${VAR[:default]} environment substitution.
package mcpclient

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolbroker/toolbroker/internal/apperror"
)

// Kind mirrors store.ServerKind without importing the store package, to
// keep mcpclient usable standalone.
type Kind string

const (
	KindStdio      Kind = "stdio"
	KindSSE        Kind = "sse"
	KindHTTPStream Kind = "http_stream"
)

// Config is everything NewClient needs to connect to one upstream server.
type Config struct {
	Name    string
	Kind    Kind
	URL     string
	Command string
	Args    []string
	Headers map[string]string
	Env     map[string]string
}

// Tool is one upstream tool as reported by ListTools.
type Tool struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
}

// Session is the subset of *Client that consumers (the registry's live
// map, the executor) depend on, narrowed to an interface so callers can
// fake a live connection in tests without a real MCP transport.
type Session interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, toolName string, arguments map[string]any) (*mcp.CallToolResult, error)
	GetCachedSchema(toolName string) (Tool, bool)
	Close() error
}

// Client owns one live MCP session to an upstream server.
type Client struct {
	name        string
	session     *mcp.ClientSession
	logger      *slog.Logger
	schemaCache map[string]Tool
}

// implementation identifies the broker to upstream servers during the MCP
// handshake.
var implementation = &mcp.Implementation{Name: "toolbroker", Version: "1.0.0"}

// New connects to the upstream server described by cfg using the transport
// its Kind names. Env values and header values support ${VAR[:default]}
// substitution against the broker's own process environment, resolved once
// here at connection time (SPEC_FULL.md §4.D).
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := mcp.NewClient(implementation, nil)

	transport, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, apperror.Wrap(apperror.Upstream, err, fmt.Sprintf("connect to %q (%s)", cfg.Name, cfg.Kind))
	}

	logger.Info("connected to upstream MCP server", "name", cfg.Name, "kind", cfg.Kind)
	return &Client{
		name:        cfg.Name,
		session:     session,
		logger:      logger,
		schemaCache: make(map[string]Tool),
	}, nil
}

func buildTransport(cfg Config) (mcp.Transport, error) {
	switch cfg.Kind {
	case KindHTTPStream:
		if cfg.URL == "" {
			return nil, apperror.Newf(apperror.Validation, "server %q: http_stream requires url", cfg.Name)
		}
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			MaxRetries: 5,
			HTTPClient: httpClientWithHeaders(resolveMap(cfg.Headers)),
		}, nil
	case KindSSE:
		if cfg.URL == "" {
			return nil, apperror.Newf(apperror.Validation, "server %q: sse requires url", cfg.Name)
		}
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(resolveMap(cfg.Headers)),
		}, nil
	case KindStdio:
		if cfg.Command == "" {
			return nil, apperror.Newf(apperror.Validation, "server %q: stdio requires command", cfg.Name)
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		env := os.Environ()
		for k, v := range resolveMap(cfg.Env) {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
		return &mcp.CommandTransport{Command: cmd}, nil
	default:
		return nil, apperror.Newf(apperror.Validation, "server %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// ListTools retrieves the current tool list from the upstream server,
// refreshing the per-tool schema cache used by GetCachedSchema.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, apperror.Wrap(apperror.Upstream, err, fmt.Sprintf("list tools from %q", c.name))
	}

	tools := make([]Tool, len(result.Tools))
	for i, t := range result.Tools {
		inputSchema, _ := t.InputSchema.(map[string]any)
		var outputSchema map[string]any
		if t.OutputSchema != nil {
			outputSchema, _ = t.OutputSchema.(map[string]any)
		}
		tool := Tool{Name: t.Name, Description: t.Description, InputSchema: inputSchema, OutputSchema: outputSchema}
		tools[i] = tool
		c.schemaCache[t.Name] = tool
	}
	return tools, nil
}

// GetCachedSchema returns the last-seen schema for toolName, if ListTools
// has been called at least once since connection.
func (c *Client) GetCachedSchema(toolName string) (Tool, bool) {
	t, ok := c.schemaCache[toolName]
	return t, ok
}

// CallTool invokes toolName on the upstream server, surfacing the upstream
// error verbatim (SPEC_FULL.md §4.F) rather than wrapping it.
func (c *Client) CallTool(ctx context.Context, toolName string, arguments map[string]any) (*mcp.CallToolResult, error) {
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close terminates the session.
func (c *Client) Close() error {
	if err := c.session.Close(); err != nil {
		c.logger.Warn("upstream server close error", "name", c.name, "error", err)
		return err
	}
	c.logger.Info("closed upstream MCP server", "name", c.name)
	return nil
}
