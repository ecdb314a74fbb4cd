package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolbroker/toolbroker/internal/retrieval"
)

func (b *Broker) registerMCPTools() {
	mcp.AddTool(b.mcpServer, &mcp.Tool{
		Name:        "retriever",
		Description: "Retrieve tools relevant to one or more natural-language task descriptions. Always call this before invoking any upstream tool directly.",
	}, b.handleRetrieve)

	mcp.AddTool(b.mcpServer, &mcp.Tool{
		Name:        "executor",
		Description: "Execute a previously retrieved tool by its md5 identity with the given parameters.",
	}, b.handleExecute)
}

// RetrieverInput is the retriever tool's input shape (spec.md §6, binding).
type RetrieverInput struct {
	Descriptions []string `json:"descriptions" jsonschema:"Natural-language task descriptions to retrieve tools for"`
	SessionID    string   `json:"sessionId,omitempty" jsonschema:"Session id from a prior retriever call, or empty for a new session"`
	ServerNames  []string `json:"serverNames,omitempty" jsonschema:"Restrict results to these upstream server names"`
}

func (b *Broker) handleRetrieve(ctx context.Context, req *mcp.CallToolRequest, input RetrieverInput) (*mcp.CallToolResult, any, error) {
	result, err := b.retrieval.Retrieve(ctx, retrieval.Request{
		Descriptions: input.Descriptions,
		SessionID:    input.SessionID,
		ServerNames:  input.ServerNames,
	}, b.lister)
	if err != nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		}, nil, nil
	}

	resultJSON, _ := json.Marshal(result)
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(resultJSON)},
			&mcp.TextContent{Text: fmt.Sprintf("Session ID: %s — use this id on subsequent retriever calls so previously retrieved tools are deduplicated.", result.SessionID)},
		},
	}, nil, nil
}

// ExecutorInput is the executor tool's input shape (spec.md §6, binding).
type ExecutorInput struct {
	MD5        string         `json:"md5" jsonschema:"md5 identity of the tool to invoke, as returned by retriever"`
	Parameters map[string]any `json:"parameters" jsonschema:"Arguments to pass to the upstream tool"`
}

func (b *Broker) handleExecute(ctx context.Context, req *mcp.CallToolRequest, input ExecutorInput) (*mcp.CallToolResult, any, error) {
	if input.MD5 == "" {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "md5 must be non-empty"}},
		}, nil, nil
	}

	result, err := b.executor.Execute(ctx, input.MD5, input.Parameters)
	if err != nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		}, nil, nil
	}

	resultJSON, _ := json.Marshal(result)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(resultJSON)}},
	}, nil, nil
}
