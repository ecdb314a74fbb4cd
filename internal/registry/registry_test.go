package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/toolbroker/toolbroker/internal/catalog"
	"github.com/toolbroker/toolbroker/internal/embedder"
	"github.com/toolbroker/toolbroker/internal/store"
)

const testDim = 8
const testModel = "det-model"

type RegistryTestSuite struct {
	suite.Suite
	db  *store.Store
	reg *Registry
}

func (s *RegistryTestSuite) SetupTest() {
	path := filepath.Join(s.T().TempDir(), "registry.db")
	db, err := store.Open(path, testDim)
	require.NoError(s.T(), err)
	s.db = db

	emb := embedder.NewDeterministicEmbedder(testDim, testModel)
	idx := catalog.New(db, emb, nil)
	s.reg = New(db, db, idx, testModel, nil)
}

func (s *RegistryTestSuite) TearDownTest() {
	require.NoError(s.T(), s.db.Close())
}

func (s *RegistryTestSuite) TestCreateDisabledServerDoesNotConnect() {
	cfg, err := s.reg.CreateServer(context.Background(), store.ServerConfig{
		Name: "weather", Kind: store.KindStdio, Command: "weather-mcp", Enabled: false,
	}, false)
	require.NoError(s.T(), err)
	require.NotEmpty(s.T(), cfg.ID)

	_, ok := s.reg.LiveClient("weather")
	require.False(s.T(), ok)
}

func (s *RegistryTestSuite) TestCreateEnabledServerWithBadCommandMarksDisconnectedNonStrict() {
	cfg, err := s.reg.CreateServer(context.Background(), store.ServerConfig{
		Name: "broken", Kind: store.KindStdio, Command: "/nonexistent/binary-xyz", Enabled: true,
	}, false)
	require.NoError(s.T(), err) // non-strict: row persists despite connect failure
	require.NotEmpty(s.T(), cfg.ID)

	got, err := s.reg.GetServer(cfg.ID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), "broken", got.Name)
}

func (s *RegistryTestSuite) TestCreateEnabledServerWithBadCommandStrictRollsBack() {
	_, err := s.reg.CreateServer(context.Background(), store.ServerConfig{
		Name: "broken-strict", Kind: store.KindStdio, Command: "/nonexistent/binary-xyz", Enabled: true,
	}, true)
	require.Error(s.T(), err)

	_, err = s.db.GetServerByName("broken-strict")
	require.Error(s.T(), err) // row rolled back
}

func (s *RegistryTestSuite) TestDeleteServerRemovesIndexedTools() {
	cfg, err := s.reg.CreateServer(context.Background(), store.ServerConfig{
		Name: "gone", Kind: store.KindStdio, Command: "x", Enabled: false,
	}, false)
	require.NoError(s.T(), err)

	_, err = s.db.UpsertToolWithVector(store.ToolRecord{
		ToolMD5: "md5-1", ModelName: testModel, DisplayName: "gone__do_thing", Description: "does a thing",
	}, unitVec(testDim, 0))
	require.NoError(s.T(), err)

	count, err := s.db.GetToolCount(testModel)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, count)

	_, err = s.reg.DeleteServer(context.Background(), cfg.ID)
	require.NoError(s.T(), err)

	count, err = s.db.GetToolCount(testModel)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 0, count)
}

func (s *RegistryTestSuite) TestRefreshCatalogWithPartialServerListDoesNotWipeOthers() {
	_, err := s.reg.CreateServer(context.Background(), store.ServerConfig{
		Name: "alpha", Kind: store.KindStdio, Command: "x", Enabled: false,
	}, false)
	require.NoError(s.T(), err)
	_, err = s.reg.CreateServer(context.Background(), store.ServerConfig{
		Name: "beta", Kind: store.KindStdio, Command: "x", Enabled: false,
	}, false)
	require.NoError(s.T(), err)

	_, err = s.db.UpsertToolWithVector(store.ToolRecord{
		ToolMD5: "md5-alpha", ModelName: testModel, DisplayName: "alpha__do_thing", Description: "does a thing",
	}, unitVec(testDim, 0))
	require.NoError(s.T(), err)

	// A refresh triggered for beta alone (the shape every create/update/enable
	// call site now avoids via reindexServer, but RefreshCatalog itself must
	// stay safe if ever called this way) must never drop alpha's tools just
	// because alpha wasn't in the servers slice passed to this call.
	err = s.reg.RefreshCatalog(context.Background(), []store.ServerConfig{{Name: "beta"}})
	require.NoError(s.T(), err)

	count, err := s.db.GetToolCount(testModel)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, count)
}

func (s *RegistryTestSuite) TestListServersAndCount() {
	_, err := s.reg.CreateServer(context.Background(), store.ServerConfig{Name: "a", Kind: store.KindStdio, Command: "x"}, false)
	require.NoError(s.T(), err)
	_, err = s.reg.CreateServer(context.Background(), store.ServerConfig{Name: "b", Kind: store.KindStdio, Command: "x"}, false)
	require.NoError(s.T(), err)

	n, err := s.reg.CountServers()
	require.NoError(s.T(), err)
	require.Equal(s.T(), 2, n)

	list, _, err := s.reg.ListServers(store.ServerFilter{}, store.Page{Page: 1, Limit: 10})
	require.NoError(s.T(), err)
	require.Len(s.T(), list, 2)
}

func unitVec(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
