package retrieval

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/toolbroker/toolbroker/internal/catalog"
	"github.com/toolbroker/toolbroker/internal/embedder"
	"github.com/toolbroker/toolbroker/internal/store"
)

const testDim = 16
const testModel = "det-model"

var sessionIDPattern = regexp.MustCompile(`^[a-z0-9]{6}$`)

type fakeServerLister struct{ names []string }

func (f fakeServerLister) ConnectedServerNames() []string { return f.names }

type RetrievalTestSuite struct {
	suite.Suite
	db     *store.Store
	emb    *embedder.DeterministicEmbedder
	idx    *catalog.Indexer
	engine *Engine
}

func (s *RetrievalTestSuite) SetupTest() {
	path := filepath.Join(s.T().TempDir(), "retrieval.db")
	db, err := store.Open(path, testDim)
	require.NoError(s.T(), err)
	s.db = db
	s.emb = embedder.NewDeterministicEmbedder(testDim, testModel)
	s.idx = catalog.New(db, s.emb, nil)
	s.engine = New(db, s.emb, nil, Config{TopK: 5, Threshold: 0.0})
}

func (s *RetrievalTestSuite) TearDownTest() {
	require.NoError(s.T(), s.db.Close())
}

func (s *RetrievalTestSuite) TestEmptyCatalogRetrieval() {
	res, err := s.engine.Retrieve(context.Background(), Request{Descriptions: []string{"anything"}}, fakeServerLister{})
	require.NoError(s.T(), err)
	require.Empty(s.T(), res.NewTools)
	require.Empty(s.T(), res.KnownTools)
	require.Regexp(s.T(), sessionIDPattern, res.SessionID)
	require.NotEmpty(s.T(), res.ServerDescription)
}

func (s *RetrievalTestSuite) TestPrefixCollisionDoesNotLeakBetweenServers() {
	s.indexTool("a", "x", "tool x on server a")
	s.indexTool("aa", "x", "tool x on server aa")

	res, err := s.engine.Retrieve(context.Background(), Request{
		Descriptions: []string{"tool x on server a"},
		ServerNames:  []string{"a"},
	}, fakeServerLister{})
	require.NoError(s.T(), err)

	for _, qr := range res.NewTools {
		for _, nt := range qr.NewTools {
			require.NotEqual(s.T(), "aa__x", nt.ToolName)
		}
	}
}

func (s *RetrievalTestSuite) TestSessionReplayMovesToolsToKnown() {
	s.indexTool("docs", "read", "read docs")
	s.indexTool("blocks", "create", "create block")

	req := Request{Descriptions: []string{"read docs", "create block"}}
	first, err := s.engine.Retrieve(context.Background(), req, fakeServerLister{})
	require.NoError(s.T(), err)
	require.Greater(s.T(), first.Summary.NewToolsCount, 0)

	req.SessionID = first.SessionID
	second, err := s.engine.Retrieve(context.Background(), req, fakeServerLister{})
	require.NoError(s.T(), err)
	require.Equal(s.T(), 0, second.Summary.NewToolsCount)
	require.GreaterOrEqual(s.T(), second.Summary.KnownToolsCount, first.Summary.NewToolsCount)
}

func (s *RetrievalTestSuite) TestUnknownSessionIDGeneratesFresh() {
	res, err := s.engine.Retrieve(context.Background(), Request{
		Descriptions: []string{"q"},
		SessionID:    "ZZZZZZ",
	}, fakeServerLister{})
	require.NoError(s.T(), err)
	require.Regexp(s.T(), sessionIDPattern, res.SessionID)
	require.NotEmpty(s.T(), res.ServerDescription)
}

func (s *RetrievalTestSuite) TestRejectsEmptyDescriptions() {
	_, err := s.engine.Retrieve(context.Background(), Request{Descriptions: []string{}}, fakeServerLister{})
	require.Error(s.T(), err)

	_, err = s.engine.Retrieve(context.Background(), Request{Descriptions: []string{"  "}}, fakeServerLister{})
	require.Error(s.T(), err)
}

func (s *RetrievalTestSuite) indexTool(server, name, description string) {
	res := s.idx.IndexBatch(context.Background(), []catalog.UpstreamTool{
		{ServerName: server, Name: name, Description: description},
	}, testModel)
	require.Empty(s.T(), res.Failed)
}

func TestRetrievalTestSuite(t *testing.T) {
	suite.Run(t, new(RetrievalTestSuite))
}
