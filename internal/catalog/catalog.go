// Package catalog implements the indexing algorithm that keeps the
// persisted tool catalog in sync with the live tools exposed by upstream
// MCP servers, grounded on radutopala/onemcp's initializeVectorStore /
// BuildFromTools rebuild loop but generalized from an in-memory rebuild to
// incremental persistent upsert with near-duplicate replacement.
package catalog

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/toolbroker/toolbroker/internal/apperror"
	"github.com/toolbroker/toolbroker/internal/embedder"
	"github.com/toolbroker/toolbroker/internal/store"
)

// NearDupSimilarity is the cosine-similarity cutoff at or above which a
// newly indexed tool is considered to supersede an existing one.
const NearDupSimilarity = 0.96

// nearDupSearchTopK / nearDupSearchThreshold bound the candidate search run
// before the cutoff above is applied.
const (
	nearDupSearchTopK      = 10
	nearDupSearchThreshold = 0.70
)

// UpstreamTool is one tool offered by a connected server, as reported by a
// LiveClient.
type UpstreamTool struct {
	ServerName  string
	Name        string
	Description string
	InputSchema map[string]any
}

// Persistence is the subset of *store.Store the Indexer depends on.
type Persistence interface {
	UpsertToolWithVector(rec store.ToolRecord, vec []float32) (int64, error)
	DeleteToolByMD5(toolMD5, modelName string) error
	SearchSimilar(query []float32, modelName string, topK int, serverPrefixes []string) ([]store.SimilarTool, error)
	ClearIndex(modelName string) error
	ExistsByMD5(toolMD5, modelName string) (bool, error)
}

// Indexer writes a catalog of upstream tools into Persistence, using
// Embedder to produce vectors.
type Indexer struct {
	db       Persistence
	embedder embedder.Embedder
	log      *slog.Logger
}

// New builds an Indexer over db using embedder for vectorization.
func New(db Persistence, emb embedder.Embedder, log *slog.Logger) *Indexer {
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{db: db, embedder: emb, log: log}
}

// DisplayName renders the broker-level identifier "{server}__{name}".
func DisplayName(serverName, toolName string) string {
	return serverName + "__" + toolName
}

// ToolMD5 is the 16-byte hex MD5 of displayName ∥ description (UTF-8, no
// separator, surrounding whitespace trimmed).
func ToolMD5(displayName, description string) string {
	text := strings.TrimSpace(displayName) + strings.TrimSpace(description)
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// IndexResult reports what an IndexBatch call actually did, for logging and
// tests.
type IndexResult struct {
	Inserted  int
	Updated   int
	Skipped   int
	Superseded int
	Failed    []string // display names that failed to embed/insert
}

// IndexBatch runs the five-step indexing algorithm (SPEC_FULL.md §4.C) over
// tools sequentially. Per-tool failures are logged and do not abort the
// batch.
func (idx *Indexer) IndexBatch(ctx context.Context, tools []UpstreamTool, modelName string) IndexResult {
	var res IndexResult
	for _, t := range tools {
		outcome, superseded, err := idx.indexOne(ctx, t, modelName)
		if err != nil {
			idx.log.Warn("index tool failed", "server", t.ServerName, "tool", t.Name, "error", err)
			res.Failed = append(res.Failed, DisplayName(t.ServerName, t.Name))
			continue
		}
		res.Superseded += superseded
		switch outcome {
		case outcomeSkipped:
			res.Skipped++
		case outcomeInserted:
			res.Inserted++
		}
	}
	return res
}

type indexOutcome int

const (
	outcomeSkipped indexOutcome = iota
	outcomeInserted
)

func (idx *Indexer) indexOne(ctx context.Context, t UpstreamTool, modelName string) (indexOutcome, int, error) {
	displayName := DisplayName(t.ServerName, t.Name)
	toolMD5 := ToolMD5(displayName, t.Description)

	exists, err := idx.db.ExistsByMD5(toolMD5, modelName)
	if err != nil {
		return outcomeSkipped, 0, apperror.Wrap(apperror.Internal, err, "check existing tool")
	}
	if exists {
		return outcomeSkipped, 0, nil
	}

	text := strings.TrimSpace(displayName + " " + t.Description)
	vec, err := idx.embedder.EmbedOne(ctx, text)
	if err != nil {
		return outcomeSkipped, 0, apperror.Wrap(apperror.Upstream, err, "embed tool text")
	}

	superseded := idx.replaceSupersededTools(modelName, vec, displayName)

	rec := store.ToolRecord{
		ToolMD5:     toolMD5,
		ModelName:   modelName,
		DisplayName: displayName,
		Description: t.Description,
	}
	if _, err := idx.db.UpsertToolWithVector(rec, vec); err != nil {
		return outcomeSkipped, superseded, apperror.Wrap(apperror.Internal, err, "upsert tool")
	}
	return outcomeInserted, superseded, nil
}

// replaceSupersededTools deletes any existing tool whose similarity to vec
// is ≥ NearDupSimilarity, returning the count removed. Deletion failures
// are logged and do not block the caller from proceeding to insert the new
// tool (SPEC_FULL.md §4.C step 4).
func (idx *Indexer) replaceSupersededTools(modelName string, vec []float32, newDisplayName string) int {
	candidates, err := idx.db.SearchSimilar(vec, modelName, nearDupSearchTopK, nil)
	if err != nil {
		idx.log.Warn("near-duplicate search failed", "tool", newDisplayName, "error", err)
		return 0
	}
	removed := 0
	for _, c := range candidates {
		if c.Similarity < nearDupSearchThreshold || c.Similarity < NearDupSimilarity {
			continue
		}
		if err := idx.db.DeleteToolByMD5(c.ToolMD5, modelName); err != nil {
			idx.log.Warn("delete superseded tool failed", "superseded", c.DisplayName, "replacement", newDisplayName, "error", err)
			continue
		}
		idx.log.Info("superseded tool replaced", "old", c.DisplayName, "new", newDisplayName, "similarity", c.Similarity)
		removed++
	}
	return removed
}

// ClearIndex wipes every tool indexed under modelName.
func (idx *Indexer) ClearIndex(modelName string) error {
	return idx.db.ClearIndex(modelName)
}
