//go:build local_embeddings

package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// LocalProvider is the feature-gated local embedding backend: a
// deterministic feature-hash embedder with the same contract as the
// remote provider (always ready, no network calls), swappable for a real
// local inference model behind the same Provider interface without
// touching the indexer.
type LocalProvider struct {
	dims int
}

func NewLocalProvider(dims int) Provider {
	if dims <= 0 {
		dims = 256
	}
	return &LocalProvider{dims: dims}
}

func (p *LocalProvider) Name() string    { return "local" }
func (p *LocalProvider) Dimensions() int { return p.dims }
func (p *LocalProvider) IsReady() bool   { return true }
func (p *LocalProvider) Shutdown()       {}

func (p *LocalProvider) Embed(_ context.Context, text string) ([]float32, error) {
	return p.embedOne(text), nil
}

func (p *LocalProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.embedOne(t)
	}
	return out, nil
}

// embedOne hashes overlapping trigrams of text into a fixed-width vector
// and L2-normalizes it, giving a stable, cheap, offline stand-in for a
// real sentence embedding model.
func (p *LocalProvider) embedOne(text string) []float32 {
	v := make([]float32, p.dims)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		end := i + 3
		if end > len(runes) {
			end = len(runes)
		}
		gram := string(runes[i:end])

		h := fnv.New32a()
		h.Write([]byte(gram))
		idx := h.Sum32() % uint32(p.dims)
		v[idx] += 1
	}

	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] = float32(float64(v[i]) / norm)
		}
	}
	return v
}
