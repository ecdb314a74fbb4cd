package executor

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/toolbroker/toolbroker/internal/apperror"
	"github.com/toolbroker/toolbroker/internal/catalog"
	"github.com/toolbroker/toolbroker/internal/mcpclient"
)

type fakeSession struct {
	tools    []mcpclient.Tool
	lastCall string
	lastArgs map[string]any
	callErr  error
}

func (f *fakeSession) ListTools(ctx context.Context) ([]mcpclient.Tool, error) {
	return f.tools, nil
}

func (f *fakeSession) CallTool(ctx context.Context, toolName string, arguments map[string]any) (*mcp.CallToolResult, error) {
	f.lastCall = toolName
	f.lastArgs = arguments
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
}

func (f *fakeSession) GetCachedSchema(toolName string) (mcpclient.Tool, bool) {
	for _, t := range f.tools {
		if t.Name == toolName {
			return t, true
		}
	}
	return mcpclient.Tool{}, false
}

func (f *fakeSession) Close() error { return nil }

type fakeCatalog struct {
	sessions map[string]*fakeSession
}

func (c *fakeCatalog) ConnectedServerNames() []string {
	names := make([]string, 0, len(c.sessions))
	for n := range c.sessions {
		names = append(names, n)
	}
	return names
}

func (c *fakeCatalog) LiveClient(serverName string) (mcpclient.Session, bool) {
	s, ok := c.sessions[serverName]
	return s, ok
}

func TestExecuteResolvesAndInvokesMatchingTool(t *testing.T) {
	session := &fakeSession{tools: []mcpclient.Tool{
		{Name: "t", Description: "does a thing"},
	}}
	cat := &fakeCatalog{sessions: map[string]*fakeSession{"srv": session}}

	md5 := catalog.ToolMD5(catalog.DisplayName("srv", "t"), "does a thing")
	exec := New(cat)

	result, err := exec.Execute(context.Background(), md5, map[string]any{"x": 1})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "t", session.lastCall)
	require.Equal(t, 1, session.lastArgs["x"])
}

func TestExecuteUnknownMD5ReturnsNotFound(t *testing.T) {
	cat := &fakeCatalog{sessions: map[string]*fakeSession{
		"srv": {tools: []mcpclient.Tool{{Name: "t", Description: "does a thing"}}},
	}}
	exec := New(cat)

	_, err := exec.Execute(context.Background(), "deadbeef", nil)
	require.Error(t, err)
	require.True(t, apperror.Is(err, apperror.NotFound))
}

func TestExecuteSurfacesUpstreamErrorVerbatim(t *testing.T) {
	upstreamErr := assertableErr{"upstream boom"}
	session := &fakeSession{
		tools:   []mcpclient.Tool{{Name: "t", Description: "does a thing"}},
		callErr: upstreamErr,
	}
	cat := &fakeCatalog{sessions: map[string]*fakeSession{"srv": session}}
	md5 := catalog.ToolMD5(catalog.DisplayName("srv", "t"), "does a thing")
	exec := New(cat)

	_, err := exec.Execute(context.Background(), md5, nil)
	require.ErrorIs(t, err, upstreamErr)
}

type assertableErr struct{ msg string }

func (e assertableErr) Error() string { return e.msg }
