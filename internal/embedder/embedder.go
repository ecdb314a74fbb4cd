// Package embedder converts tool and query text into fixed-dimension unit
// vectors via an HTTP embedding endpoint, the way compozy/compozy's
// resty-based provider clients wrap a vendor HTTP API behind a small Go
// interface.
package embedder

import (
	"context"
	"math"
)

// Embedder converts ordered text into ordered, equal-length float32
// vectors. Implementations normalize each vector to unit length.
type Embedder interface {
	// Embed converts texts in order, returning one vector per text in the
	// same order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedOne is a single-text convenience wrapper over Embed.
	EmbedOne(ctx context.Context, text string) ([]float32, error)

	// Dimension reports the fixed width of vectors this Embedder produces.
	Dimension() int

	// ModelName reports the label recorded alongside every vector this
	// Embedder produces, so the catalog can key rows by (tool_md5, model).
	ModelName() string
}

func normalizeInPlace(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
