package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// HashEngine produces deterministic pseudo-embeddings from token hashes.
// It has no semantic power beyond token overlap, which is enough for
// tests and for running the pipeline with no embedding backend at all.
type HashEngine struct {
	dims int
}

// NewHashEngine builds a hash engine of the given width.
func NewHashEngine(dims int) *HashEngine {
	if dims <= 0 {
		dims = 1536
	}
	return &HashEngine{dims: dims}
}

// Embed hashes each whitespace token into a bucket and L2-normalises the
// resulting histogram. Identical texts always embed identically.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(e.dims)
		vec[bucket]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}

func (e *HashEngine) Dimensions() int { return e.dims }

func (e *HashEngine) Name() string { return "hash" }
