package store

import "time"

// ServerKind enumerates the transport an upstream MCP server speaks.
type ServerKind string

const (
	KindStdio      ServerKind = "stdio"
	KindSSE        ServerKind = "sse"
	KindHTTPStream ServerKind = "http_stream"
)

// ServerConfig is the persisted row backing an upstream MCP server.
// See spec.md §3 (Entities and invariants).
type ServerConfig struct {
	ID          string
	Name        string
	Kind        ServerKind
	URL         string
	Command     string
	Args        []string
	Headers     map[string]string
	Env         map[string]string
	Description string
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ServerFilter narrows ListServers results.
type ServerFilter struct {
	Enabled    *bool
	ServerType ServerKind // empty = any
}

// Page bounds a ListServers call.
type Page struct {
	Page  int
	Limit int
}

// PageResult carries pagination metadata alongside a page of servers.
type PageResult struct {
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

// ToolRecord is the persisted catalog metadata row (the "tool_vectors" table
// per spec.md §6 — despite the name, it holds tool metadata, not the vector
// itself; see SPEC_FULL.md §3).
type ToolRecord struct {
	ID          int64
	ToolMD5     string
	ModelName   string
	DisplayName string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SimilarTool is one ranked hit from SearchSimilar.
type SimilarTool struct {
	ToolMD5     string
	DisplayName string
	Description string
	Distance    float64
	Similarity  float64
	CreatedAt   time.Time
	ToolID      int64
}

// SessionHistoryEntry is one row of session_tool_history.
type SessionHistoryEntry struct {
	SessionID   string
	ToolMD5     string
	ToolName    string
	RetrievedAt time.Time
}

// SessionStats summarizes a session's retrieval history.
type SessionStats struct {
	SessionID    string
	ToolCount    int
	FirstSeen    time.Time
	LastSeen     time.Time
}
