package embedder

import (
	"context"
	"crypto/md5"
	"encoding/binary"
)

// DeterministicEmbedder produces reproducible unit vectors from a hash of
// the input text, for tests that need stable embeddings without a network
// call. Identical text always yields the identical vector; distinct text
// yields vectors spread pseudo-randomly, so similarity assertions behave
// like a real embedder without depending on one.
type DeterministicEmbedder struct {
	dim   int
	model string
}

// NewDeterministicEmbedder builds a DeterministicEmbedder of the given
// dimension, labeled model for catalog bookkeeping.
func NewDeterministicEmbedder(dim int, model string) *DeterministicEmbedder {
	return &DeterministicEmbedder{dim: dim, model: model}
}

func (e *DeterministicEmbedder) Dimension() int    { return e.dim }
func (e *DeterministicEmbedder) ModelName() string { return e.model }

func (e *DeterministicEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = e.vectorFor(t)
	}
	return vecs, nil
}

func (e *DeterministicEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	return e.vectorFor(text), nil
}

func (e *DeterministicEmbedder) vectorFor(text string) []float32 {
	vec := make([]float32, e.dim)
	seed := text
	for i := 0; i < e.dim; i++ {
		sum := md5.Sum([]byte(seed))
		bits := binary.BigEndian.Uint32(sum[:4])
		// map to [-1, 1)
		vec[i] = float32(int32(bits))/float32(1<<31)
		seed = string(sum[:])
	}
	normalizeInPlace(vec)
	return vec
}
