package embedder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministicEmbedderStableAndUnitLength(t *testing.T) {
	e := NewDeterministicEmbedder(16, "test-model")
	ctx := context.Background()

	v1, err := e.EmbedOne(ctx, "get the weather")
	require.NoError(t, err)
	v2, err := e.EmbedOne(ctx, "get the weather")
	require.NoError(t, err)
	require.Equal(t, v1, v2)

	var sumSq float64
	for _, x := range v1 {
		sumSq += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, sumSq, 1e-3)
}

func TestDeterministicEmbedderDistinctTextsDiffer(t *testing.T) {
	e := NewDeterministicEmbedder(16, "test-model")
	ctx := context.Background()

	v1, err := e.EmbedOne(ctx, "alpha")
	require.NoError(t, err)
	v2, err := e.EmbedOne(ctx, "beta")
	require.NoError(t, err)
	require.NotEqual(t, v1, v2)
}

func TestHTTPEmbedderRequiresAPIKey(t *testing.T) {
	_, err := NewHTTPEmbedder(HTTPConfig{BaseURL: "https://example.com", Dimension: 4})
	require.Error(t, err)
}

func TestHTTPEmbedderEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0,0,0]},{"index":1,"embedding":[0,1,0,0]}]}`))
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(HTTPConfig{APIKey: "k", BaseURL: srv.URL, ModelName: "m", Dimension: 4})
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.InDelta(t, 1.0, vecs[0][0], 1e-6)
	require.InDelta(t, 1.0, vecs[1][1], 1e-6)
}

func TestHTTPEmbedderShapeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(HTTPConfig{APIKey: "k", BaseURL: srv.URL, ModelName: "m", Dimension: 4})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
}

func TestHTTPEmbedderUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, err := NewHTTPEmbedder(HTTPConfig{APIKey: "k", BaseURL: srv.URL, ModelName: "m", Dimension: 4})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
}
