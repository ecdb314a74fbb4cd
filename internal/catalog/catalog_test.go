package catalog

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/toolbroker/toolbroker/internal/embedder"
	"github.com/toolbroker/toolbroker/internal/store"
)

const testDim = 16
const testModel = "det-model"

type IndexerTestSuite struct {
	suite.Suite
	db    *store.Store
	emb   *embedder.DeterministicEmbedder
	index *Indexer
}

func (s *IndexerTestSuite) SetupTest() {
	path := filepath.Join(s.T().TempDir(), "catalog.db")
	db, err := store.Open(path, testDim)
	require.NoError(s.T(), err)
	s.db = db
	s.emb = embedder.NewDeterministicEmbedder(testDim, testModel)
	s.index = New(s.db, s.emb, nil)
}

func (s *IndexerTestSuite) TearDownTest() {
	require.NoError(s.T(), s.db.Close())
}

func (s *IndexerTestSuite) TestIndexBatchInsertsNewTools() {
	tools := []UpstreamTool{
		{ServerName: "weather", Name: "get_forecast", Description: "get the weather forecast"},
		{ServerName: "weather", Name: "get_alerts", Description: "get weather alerts"},
	}
	res := s.index.IndexBatch(context.Background(), tools, testModel)
	require.Equal(s.T(), 2, res.Inserted)
	require.Empty(s.T(), res.Failed)

	count, err := s.db.GetToolCount(testModel)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 2, count)
}

func (s *IndexerTestSuite) TestIdempotentReindex() {
	tools := []UpstreamTool{
		{ServerName: "weather", Name: "get_forecast", Description: "get the weather forecast"},
	}
	res1 := s.index.IndexBatch(context.Background(), tools, testModel)
	require.Equal(s.T(), 1, res1.Inserted)

	res2 := s.index.IndexBatch(context.Background(), tools, testModel)
	require.Equal(s.T(), 0, res2.Inserted)
	require.Equal(s.T(), 1, res2.Skipped)

	count, err := s.db.GetToolCount(testModel)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, count)
}

func (s *IndexerTestSuite) TestTrailingWhitespaceProducesSameMD5() {
	a := ToolMD5("weather__get_forecast", "hello world")
	b := ToolMD5("weather__get_forecast", "hello world ")
	require.Equal(s.T(), a, b)
}

func (s *IndexerTestSuite) TestDisplayNamePrefixFormat() {
	require.Equal(s.T(), "weather__get_forecast", DisplayName("weather", "get_forecast"))
}

func (s *IndexerTestSuite) TestClearIndex() {
	tools := []UpstreamTool{
		{ServerName: "weather", Name: "get_forecast", Description: "get the weather forecast"},
	}
	s.index.IndexBatch(context.Background(), tools, testModel)

	require.NoError(s.T(), s.index.ClearIndex(testModel))

	count, err := s.db.GetToolCount(testModel)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 0, count)
}

// scriptedEmbedder returns a fixed vector per exact input text, letting a
// test dictate the cosine similarity between two tools' embeddings
// precisely — something a hash-based embedder like DeterministicEmbedder
// cannot do on demand.
type scriptedEmbedder struct {
	dim  int
	vecs map[string][]float32
}

func (e *scriptedEmbedder) Dimension() int    { return e.dim }
func (e *scriptedEmbedder) ModelName() string { return testModel }

func (e *scriptedEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	return e.vecs[text], nil
}

func (e *scriptedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.EmbedOne(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// TestNearDuplicateToolSupersedesOlder covers spec scenario "Near-dup
// replacement": indexing a second tool whose embedding sits at cosine
// similarity ≥ NearDupSimilarity to an already-indexed tool's vector must
// delete the older row and insert the new one, leaving the net tool count
// unchanged (catalog.go:154 replaceSupersededTools).
func (s *IndexerTestSuite) TestNearDuplicateToolSupersedesOlder() {
	const dim = 4
	vecA := []float32{1, 0, 0, 0}

	// vecB sits at a small angle off vecA (normalized), well above the 0.96
	// near-duplicate cutoff but still a distinct vector.
	rawB := []float32{0.995, 0.0999, 0, 0}
	norm := float32(math.Sqrt(float64(rawB[0]*rawB[0] + rawB[1]*rawB[1])))
	vecB := []float32{rawB[0] / norm, rawB[1] / norm, 0, 0}

	textA := "toolsA__get_weather get the weather for a city"
	textB := "toolsB__fetch_weather fetch the weather for a city"

	db, err := store.Open(filepath.Join(s.T().TempDir(), "catalog-dup.db"), dim)
	require.NoError(s.T(), err)
	defer db.Close()

	idx := New(db, &scriptedEmbedder{dim: dim, vecs: map[string][]float32{textA: vecA, textB: vecB}}, nil)

	resA := idx.IndexBatch(context.Background(), []UpstreamTool{
		{ServerName: "toolsA", Name: "get_weather", Description: "get the weather for a city"},
	}, testModel)
	require.Equal(s.T(), 1, resA.Inserted)

	mdA := ToolMD5("toolsA__get_weather", "get the weather for a city")
	existsA, err := db.ExistsByMD5(mdA, testModel)
	require.NoError(s.T(), err)
	require.True(s.T(), existsA)

	resB := idx.IndexBatch(context.Background(), []UpstreamTool{
		{ServerName: "toolsB", Name: "fetch_weather", Description: "fetch the weather for a city"},
	}, testModel)
	require.Equal(s.T(), 1, resB.Inserted)
	require.Equal(s.T(), 1, resB.Superseded)

	count, err := db.GetToolCount(testModel)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, count) // net +0: A superseded, B inserted

	existsA, err = db.ExistsByMD5(mdA, testModel)
	require.NoError(s.T(), err)
	require.False(s.T(), existsA) // superseded tool is gone

	mdB := ToolMD5("toolsB__fetch_weather", "fetch the weather for a city")
	existsB, err := db.ExistsByMD5(mdB, testModel)
	require.NoError(s.T(), err)
	require.True(s.T(), existsB) // replacement present
}

func TestIndexerTestSuite(t *testing.T) {
	suite.Run(t, new(IndexerTestSuite))
}
