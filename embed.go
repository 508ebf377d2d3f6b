package atoll

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"math"
	"math/rand"
	"strings"
)

// PseudoEmbedder produces deterministic hash-seeded embeddings. It is the
// terminal link of an embedding chain: when every real endpoint is down the
// memory pipeline still gets a stable vector for the text, so writes never
// block and re-embedding the same text yields the same vector.
type PseudoEmbedder struct {
	dims int
}

// NewPseudoEmbedder creates a PseudoEmbedder emitting dims-wide unit vectors.
func NewPseudoEmbedder(dims int) *PseudoEmbedder {
	if dims <= 0 {
		dims = 768
	}
	return &PseudoEmbedder{dims: dims}
}

func (p *PseudoEmbedder) Name() string    { return "pseudo" }
func (p *PseudoEmbedder) Dimensions() int { return p.dims }

// Embed returns one unit vector per text, seeded from sha256(text).
func (p *PseudoEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = pseudoVector(t, p.dims)
	}
	return out, nil
}

// pseudoVector derives a deterministic L2-normalized vector from text.
func pseudoVector(text string, dims int) []float32 {
	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// ChainEmbedder tries each provider in order and returns the first success.
// The intended composition is remote endpoint, then local model, then
// PseudoEmbedder, so Embed only fails when the chain is misconfigured.
// All links must emit vectors of the same width.
type ChainEmbedder struct {
	links  []EmbeddingProvider
	logger *slog.Logger
}

// NewChainEmbedder creates a ChainEmbedder. Nil links are skipped.
func NewChainEmbedder(logger *slog.Logger, links ...EmbeddingProvider) *ChainEmbedder {
	c := &ChainEmbedder{logger: logger}
	for _, l := range links {
		if l != nil {
			c.links = append(c.links, l)
		}
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// Name lists the chain links, e.g. "chain(gemini-embedding,ollama,pseudo)".
func (c *ChainEmbedder) Name() string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Dimensions reports the width of the first link.
func (c *ChainEmbedder) Dimensions() int {
	if len(c.links) == 0 {
		return 0
	}
	return c.links[0].Dimensions()
}

// Embed walks the chain. Failures are logged and the next link is tried;
// the last link's error is returned if every link fails.
func (c *ChainEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for i, l := range c.links {
		vecs, err := l.Embed(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		c.logger.Warn("embedding link failed",
			"link", l.Name(),
			"position", i,
			"remaining", len(c.links)-i-1,
			"error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// EmbeddingCache is the store slice the cached embedder needs.
type EmbeddingCache interface {
	// CachedEmbedding returns a cached vector by key and bumps its hit
	// count. ErrNotFound on miss.
	CachedEmbedding(ctx context.Context, key string) ([]float32, error)
	PutCachedEmbedding(ctx context.Context, key string, vec []float32) error
}

// cachedEmbedder wraps an EmbeddingProvider with a persistent cache keyed by
// hash(model, text). Cache errors degrade to the inner provider.
type cachedEmbedder struct {
	inner  EmbeddingProvider
	cache  EmbeddingCache
	logger *slog.Logger
}

// WithEmbeddingCache wraps p so repeated texts are served from cache.
func WithEmbeddingCache(p EmbeddingProvider, cache EmbeddingCache, logger *slog.Logger) EmbeddingProvider {
	if logger == nil {
		logger = nopLogger
	}
	return &cachedEmbedder{inner: p, cache: cache, logger: logger}
}

func (c *cachedEmbedder) Name() string    { return c.inner.Name() }
func (c *cachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// EmbedKey is the cache key for one (model, text) pair.
func EmbedKey(model, text string) string {
	return hashHex(model, text)
}

func (c *cachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		vec, err := c.cache.CachedEmbedding(ctx, EmbedKey(c.inner.Name(), t))
		if err == nil && len(vec) > 0 {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		if j >= len(vecs) {
			break
		}
		out[i] = vecs[j]
		if err := c.cache.PutCachedEmbedding(ctx, EmbedKey(c.inner.Name(), texts[i]), vecs[j]); err != nil {
			c.logger.Warn("embedding cache write failed", "error", err)
		}
	}
	return out, nil
}

// compile-time checks
var (
	_ EmbeddingProvider = (*PseudoEmbedder)(nil)
	_ EmbeddingProvider = (*ChainEmbedder)(nil)
	_ EmbeddingProvider = (*cachedEmbedder)(nil)
)
