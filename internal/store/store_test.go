package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testDim = 8

type StoreTestSuite struct {
	suite.Suite
	store *Store
}

func (s *StoreTestSuite) SetupTest() {
	path := filepath.Join(s.T().TempDir(), "test.db")
	st, err := Open(path, testDim)
	require.NoError(s.T(), err)
	s.store = st
}

func (s *StoreTestSuite) TearDownTest() {
	require.NoError(s.T(), s.store.Close())
}

func unitVec(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

func (s *StoreTestSuite) TestCreateAndGetServer() {
	cfg, err := s.store.CreateServer(ServerConfig{
		Name: "weather", Kind: KindStdio, Command: "weather-mcp", Enabled: true,
	})
	require.NoError(s.T(), err)
	require.NotEmpty(s.T(), cfg.ID)

	got, err := s.store.GetServer(cfg.ID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), "weather", got.Name)
	require.Equal(s.T(), KindStdio, got.Kind)
}

func (s *StoreTestSuite) TestCreateServerDuplicateNameConflicts() {
	_, err := s.store.CreateServer(ServerConfig{Name: "dup", Kind: KindStdio, Command: "x"})
	require.NoError(s.T(), err)

	_, err = s.store.CreateServer(ServerConfig{Name: "dup", Kind: KindStdio, Command: "y"})
	require.Error(s.T(), err)
}

func (s *StoreTestSuite) TestGetServerNotFound() {
	_, err := s.store.GetServer("missing")
	require.Error(s.T(), err)
}

func (s *StoreTestSuite) TestListServersFilterAndPaginate() {
	for i := 0; i < 3; i++ {
		enabled := i != 2
		_, err := s.store.CreateServer(ServerConfig{
			Name: "srv" + string(rune('a'+i)), Kind: KindStdio, Command: "x", Enabled: enabled,
		})
		require.NoError(s.T(), err)
	}

	enabledTrue := true
	list, page, err := s.store.ListServers(ServerFilter{Enabled: &enabledTrue}, Page{Page: 1, Limit: 10})
	require.NoError(s.T(), err)
	require.Len(s.T(), list, 2)
	require.Equal(s.T(), 2, page.Total)
}

func (s *StoreTestSuite) TestUpdateAndDeleteServer() {
	cfg, err := s.store.CreateServer(ServerConfig{Name: "del-me", Kind: KindStdio, Command: "x", Enabled: true})
	require.NoError(s.T(), err)

	cfg.Description = "updated"
	_, err = s.store.UpdateServer(cfg)
	require.NoError(s.T(), err)

	got, err := s.store.GetServer(cfg.ID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), "updated", got.Description)

	require.NoError(s.T(), s.store.DeleteServer(cfg.ID))
	_, err = s.store.GetServer(cfg.ID)
	require.Error(s.T(), err)
}

func (s *StoreTestSuite) TestUpsertAndSearchSimilar() {
	id, err := s.store.UpsertToolWithVector(ToolRecord{
		ToolMD5: "md5-a", ModelName: "m1", DisplayName: "weather_get", Description: "get the weather",
	}, unitVec(testDim, 0))
	require.NoError(s.T(), err)
	require.NotZero(s.T(), id)

	count, err := s.store.GetToolCount("m1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, count)

	hits, err := s.store.SearchSimilar(unitVec(testDim, 0), "m1", 5, nil)
	require.NoError(s.T(), err)
	require.Len(s.T(), hits, 1)
	require.Equal(s.T(), "md5-a", hits[0].ToolMD5)
	require.InDelta(s.T(), 0.0, hits[0].Distance, 1e-6)
}

func (s *StoreTestSuite) TestUpsertIsIdempotentOnSameMD5() {
	rec := ToolRecord{ToolMD5: "md5-b", ModelName: "m1", DisplayName: "x", Description: "first"}
	id1, err := s.store.UpsertToolWithVector(rec, unitVec(testDim, 1))
	require.NoError(s.T(), err)

	rec.Description = "second"
	id2, err := s.store.UpsertToolWithVector(rec, unitVec(testDim, 2))
	require.NoError(s.T(), err)
	require.Equal(s.T(), id1, id2)

	count, err := s.store.GetToolCount("m1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, count)
}

func (s *StoreTestSuite) TestDeleteToolByMD5() {
	_, err := s.store.UpsertToolWithVector(ToolRecord{
		ToolMD5: "md5-c", ModelName: "m1", DisplayName: "x", Description: "y",
	}, unitVec(testDim, 3))
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.store.DeleteToolByMD5("md5-c", "m1"))

	count, err := s.store.GetToolCount("m1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), 0, count)
}

func (s *StoreTestSuite) TestSessionHistoryRoundTrip() {
	require.NoError(s.T(), s.store.RecordRetrieved("sess1", "md5-x", "tool-x"))
	require.NoError(s.T(), s.store.RecordRetrieved("sess1", "md5-x", "tool-x")) // idempotent

	known, err := s.store.GetSessionHistory("sess1")
	require.NoError(s.T(), err)
	require.True(s.T(), known["md5-x"])

	stats, err := s.store.SessionStatsFor("sess1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, stats.ToolCount)
}

func (s *StoreTestSuite) TestRecordRetrievedBatch() {
	err := s.store.RecordRetrievedBatch("sess2", []SessionHistoryEntry{
		{ToolMD5: "a", ToolName: "a"},
		{ToolMD5: "b", ToolName: "b"},
	})
	require.NoError(s.T(), err)

	known, err := s.store.GetSessionHistory("sess2")
	require.NoError(s.T(), err)
	require.Len(s.T(), known, 2)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
