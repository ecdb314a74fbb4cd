// Package retrieval implements the Retrieve operation: embedding a batch of
// natural-language intents, ranking candidate tools, filtering out what a
// session has already seen, and recording what's newly surfaced. Grounded
// on radutopala/onemcp's handleToolSearch but generalized from an
// in-memory single-query search to persisted multi-query retrieval with
// session history (SPEC_FULL.md §4.E).
package retrieval

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/toolbroker/toolbroker/internal/apperror"
	"github.com/toolbroker/toolbroker/internal/embedder"
	"github.com/toolbroker/toolbroker/internal/store"
)

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const sessionIDLength = 6

// Persistence is the subset of *store.Store the Retrieval Engine depends
// on. It is the only component authorized to write SessionHistory.
type Persistence interface {
	GetSessionHistory(sessionID string) (map[string]bool, error)
	RecordRetrievedBatch(sessionID string, entries []store.SessionHistoryEntry) error
	SearchSimilar(query []float32, modelName string, topK int, serverPrefixes []string) ([]store.SimilarTool, error)
}

// SchemaResolver fetches a live tool's schemas by display name, used to
// populate new_tools_for_query. The Executor's resolution rules apply: the
// live set is authoritative, not the persisted catalog.
type SchemaResolver interface {
	SchemaFor(displayName string) (input, output map[string]any, ok bool)
}

// Engine runs Retrieve calls against Persistence and an Embedder.
type Engine struct {
	db        Persistence
	embedder  embedder.Embedder
	schemas   SchemaResolver
	topK      int
	threshold float64
}

// Config bundles Engine's tunables, each overridable by environment
// variable per SPEC_FULL.md §4.E.
type Config struct {
	TopK      int
	Threshold float64
}

// New builds a retrieval Engine.
func New(db Persistence, emb embedder.Embedder, schemas SchemaResolver, cfg Config) *Engine {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 0.10
	}
	return &Engine{db: db, embedder: emb, schemas: schemas, topK: topK, threshold: threshold}
}

// KnownTool is a candidate the session has already seen.
type KnownTool struct {
	Rank     int    `json:"rank"`
	ToolName string `json:"tool_name"`
	MD5      string `json:"md5"`
}

// NewTool is a candidate the session has not yet seen.
type NewTool struct {
	Rank         int            `json:"rank"`
	ToolName     string         `json:"tool_name"`
	MD5          string         `json:"md5"`
	Description  string         `json:"description"`
	Similarity   float64        `json:"similarity"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// QueryResult holds the known/new split for one input description.
type QueryResult struct {
	QueryIndex int         `json:"query_index"`
	KnownTools []KnownTool `json:"known_tools"`
	NewTools   []NewTool   `json:"new_tools"`
}

// Summary tallies counts across all queries in a Retrieve call.
type Summary struct {
	NewToolsCount       int `json:"new_tools_count"`
	KnownToolsCount     int `json:"known_tools_count"`
	SessionHistoryCount int `json:"session_history_count"`
}

// Result is the full RetrievalResult payload.
type Result struct {
	SessionID         string        `json:"session_id"`
	NewTools          []QueryResult `json:"new_tools"`
	KnownTools        []QueryResult `json:"known_tools"`
	Summary           Summary       `json:"summary"`
	ServerDescription string        `json:"server_description,omitempty"`
}

// Request is Retrieve's input.
type Request struct {
	Descriptions []string
	SessionID    string
	ServerNames  []string
}

// ServerLister reports the names of currently connected servers, used to
// render ServerDescription on a first-time session. Only server names are
// rendered; the servers' tool names are not listed.
type ServerLister interface {
	ConnectedServerNames() []string
}

// Retrieve runs the full algorithm in SPEC_FULL.md §4.E.
func (e *Engine) Retrieve(ctx context.Context, req Request, servers ServerLister) (Result, error) {
	if len(req.Descriptions) == 0 {
		return Result{}, apperror.New(apperror.Validation, "descriptions must be non-empty")
	}
	for _, d := range req.Descriptions {
		if strings.TrimSpace(d) == "" {
			return Result{}, apperror.New(apperror.Validation, "each description must be non-empty")
		}
	}

	sessionID, firstTime, known, err := e.resolveSession(req.SessionID)
	if err != nil {
		return Result{}, err
	}

	var newResults, knownResults []QueryResult
	var newEntries []store.SessionHistoryEntry
	newCount, knownCount := 0, 0

	for qi, desc := range req.Descriptions {
		vec, err := e.embedder.EmbedOne(ctx, desc)
		if err != nil {
			return Result{}, apperror.Wrap(apperror.Upstream, err, "embed query")
		}

		candidates, err := e.db.SearchSimilar(vec, e.embedder.ModelName(), e.topK, req.ServerNames)
		if err != nil {
			return Result{}, apperror.Wrap(apperror.Internal, err, "search similar")
		}
		candidates = filterByThreshold(candidates, e.threshold)
		if len(candidates) == 0 {
			continue
		}

		qKnown := QueryResult{QueryIndex: qi}
		qNew := QueryResult{QueryIndex: qi}

		for rank, c := range candidates {
			if known[c.ToolMD5] {
				qKnown.KnownTools = append(qKnown.KnownTools, KnownTool{Rank: rank + 1, ToolName: c.DisplayName, MD5: c.ToolMD5})
				knownCount++
				continue
			}

			var inputSchema, outputSchema map[string]any
			if e.schemas != nil {
				inputSchema, outputSchema, _ = e.schemas.SchemaFor(c.DisplayName)
			}
			qNew.NewTools = append(qNew.NewTools, NewTool{
				Rank:         rank + 1,
				ToolName:     c.DisplayName,
				MD5:          c.ToolMD5,
				Description:  c.Description,
				Similarity:   roundTo4dp(c.Similarity),
				InputSchema:  inputSchema,
				OutputSchema: outputSchema,
			})
			newEntries = append(newEntries, store.SessionHistoryEntry{ToolMD5: c.ToolMD5, ToolName: c.DisplayName})
			newCount++
		}

		if len(qKnown.KnownTools) > 0 {
			knownResults = append(knownResults, qKnown)
		}
		if len(qNew.NewTools) > 0 {
			newResults = append(newResults, qNew)
		}
	}

	if len(newEntries) > 0 {
		if err := e.db.RecordRetrievedBatch(sessionID, newEntries); err != nil {
			return Result{}, apperror.Wrap(apperror.Internal, err, "record retrieved batch")
		}
	}

	result := Result{
		SessionID:  sessionID,
		NewTools:   newResults,
		KnownTools: knownResults,
		Summary: Summary{
			NewToolsCount:       newCount,
			KnownToolsCount:     knownCount,
			SessionHistoryCount: len(known) + newCount,
		},
	}
	if firstTime {
		result.ServerDescription = renderServerDescription(servers)
	}
	return result, nil
}

func filterByThreshold(candidates []store.SimilarTool, threshold float64) []store.SimilarTool {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.Similarity >= threshold {
			out = append(out, c)
		}
	}
	return out
}

func roundTo4dp(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

// resolveSession implements §4.E step 1. An empty or unknown session_id
// yields a fresh generated id with first_time=true; a known one with
// existing history is reused with first_time=false.
func (e *Engine) resolveSession(sessionID string) (id string, firstTime bool, known map[string]bool, err error) {
	if sessionID != "" {
		history, err := e.db.GetSessionHistory(sessionID)
		if err != nil {
			return "", false, nil, apperror.Wrap(apperror.Internal, err, "load session history")
		}
		if len(history) > 0 {
			return sessionID, false, history, nil
		}
	}
	return generateSessionID(), true, map[string]bool{}, nil
}

// generateSessionID produces a six-character lowercase alphanumeric id,
// drawing randomness from google/uuid's generator rather than pulling in a
// second random source: a fresh v4 UUID gives 16 cryptographically random
// bytes, of which the first 6 are mapped into the alphabet.
func generateSessionID() string {
	raw := uuid.New()
	b := make([]byte, sessionIDLength)
	for i := 0; i < sessionIDLength; i++ {
		b[i] = sessionIDAlphabet[int(raw[i])%len(sessionIDAlphabet)]
	}
	return string(b)
}

// renderServerDescription enumerates currently connected servers with a
// policy sentence steering the agent toward retrieve-then-execute rather
// than calling upstream servers directly.
func renderServerDescription(servers ServerLister) string {
	if servers == nil {
		return "No upstream servers are currently connected. Use the retriever tool to discover tools as they come online."
	}
	names := servers.ConnectedServerNames()
	if len(names) == 0 {
		return "No upstream servers are currently connected. Use the retriever tool to discover tools as they come online."
	}
	var b strings.Builder
	b.WriteString("Connected servers: ")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(". Always call the retriever tool to discover relevant tools for your task; do not invoke upstream servers directly.")
	return b.String()
}
