package embedder

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/toolbroker/toolbroker/internal/apperror"
)

// HTTPConfig configures an HTTPEmbedder. Defaults are applied by config.Load.
type HTTPConfig struct {
	APIKey    string
	BaseURL   string
	ModelName string
	Dimension int
}

// HTTPEmbedder calls an OpenAI-embeddings-shaped HTTP endpoint:
// POST {base_url}/embeddings with {"model","input":[...]}, expecting
// {"data":[{"index":i,"embedding":[...]}, ...]}; each vector is placed at
// the input position named by its "index" field.
type HTTPEmbedder struct {
	client    *resty.Client
	modelName string
	dimension int
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// NewHTTPEmbedder validates cfg and builds a ready-to-use HTTPEmbedder.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, apperror.New(apperror.ConfigMissing, "EMBEDDING_API_KEY is required")
	}
	if cfg.Dimension <= 0 {
		return nil, apperror.Newf(apperror.Shape, "embedding dimension must be positive, got %d", cfg.Dimension)
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &HTTPEmbedder{client: client, modelName: cfg.ModelName, dimension: cfg.Dimension}, nil
}

func (e *HTTPEmbedder) Dimension() int    { return e.dimension }
func (e *HTTPEmbedder) ModelName() string { return e.modelName }

// Embed posts all texts in a single request and returns their vectors in
// request order, each normalized to unit length.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out embeddingsResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(embeddingsRequest{Model: e.modelName, Input: texts}).
		SetResult(&out).
		Post("/embeddings")
	if err != nil {
		return nil, apperror.Wrap(apperror.Upstream, err, "call embedding endpoint")
	}
	if resp.IsError() {
		return nil, apperror.Newf(apperror.Upstream, "embedding endpoint returned %s: %s", resp.Status(), resp.String())
	}
	if len(out.Data) != len(texts) {
		return nil, apperror.Newf(apperror.Shape, "embedding endpoint returned %d vectors for %d inputs", len(out.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, apperror.Newf(apperror.Shape, "embedding endpoint returned out-of-range index %d", d.Index)
		}
		if len(d.Embedding) != e.dimension {
			return nil, apperror.Newf(apperror.Shape, "embedding has %d dims, configured for %d", len(d.Embedding), e.dimension)
		}
		vec := append([]float32(nil), d.Embedding...)
		normalizeInPlace(vec)
		vectors[d.Index] = vec
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("embedding endpoint omitted vector for input index %d", i)
		}
	}
	return vectors, nil
}

// EmbedOne embeds a single string.
func (e *HTTPEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
