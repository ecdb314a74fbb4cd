package broker

import (
	"time"

	"github.com/toolbroker/toolbroker/internal/store"
)

// ServerView mirrors store.ServerConfig for the REST surface (spec.md §6),
// optionally carrying its indexed tools when include_tools=true.
type ServerView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        store.ServerKind  `json:"type"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Tools       []ToolView        `json:"tools,omitempty"`
}

// ToolView is one indexed tool belonging to a server, with the server
// prefix stripped from its display name (spec.md §6).
type ToolView struct {
	ToolName    string    `json:"tool_name"`
	DisplayName string    `json:"display_name"`
	ToolMD5     string    `json:"tool_md5"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// ServerCreate is the POST /mcp-servers request body.
type ServerCreate struct {
	Name        string            `json:"name"`
	Type        store.ServerKind  `json:"type"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Strict      bool              `json:"strict,omitempty"`
}

// ServerPatch is the PUT /mcp-servers/:id request body. Fields left at their
// zero value (nil for pointers, "" for strings) leave the column unchanged;
// this includes Name, so an empty name never clears it.
type ServerPatch struct {
	Name        string            `json:"name"`
	Type        store.ServerKind  `json:"type,omitempty"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

func toServerView(cfg store.ServerConfig) ServerView {
	return ServerView{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Type:        cfg.Kind,
		URL:         cfg.URL,
		Command:     cfg.Command,
		Args:        cfg.Args,
		Headers:     cfg.Headers,
		Env:         cfg.Env,
		Description: cfg.Description,
		Enabled:     cfg.Enabled,
		CreatedAt:   cfg.CreatedAt,
		UpdatedAt:   cfg.UpdatedAt,
	}
}
