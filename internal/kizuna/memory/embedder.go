package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder produces vector embeddings for text. Long-term memory embeds
// fragments on index and query text on retrieval with the same Embedder, so
// both sides of a similarity comparison come from the same model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultHashDimensions is the vector size produced by HashEmbedder.
const DefaultHashDimensions = 256

// HashEmbedder is a deterministic, offline Embedder based on feature hashing
// of lower-cased word tokens. Texts that share words score higher than texts
// that don't. It needs no network and is the default when no embedding
// provider is configured.
type HashEmbedder struct {
	Dimensions int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of dims entries.
// A non-positive dims selects DefaultHashDimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbedder{Dimensions: dims}
}

// Embed hashes each token of text into a bucket and returns the L2-normalised
// bucket counts. Empty or token-free text yields the zero vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := e.Dimensions
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	vec := make([]float32, dims)

	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		vec[int(sum%uint32(dims))] += sign
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

// tokenize splits text into lower-case words, dropping punctuation and a
// handful of very common words that carry no recall signal.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := words[:0]
	for _, w := range words {
		if _, skip := stopWords[w]; skip {
			continue
		}
		out = append(out, w)
	}
	return out
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "is": {}, "are": {},
	"was": {}, "to": {}, "of": {}, "in": {}, "on": {}, "it": {}, "i": {},
	"you": {}, "me": {}, "my": {}, "do": {}, "does": {}, "did": {}, "what": {},
	"where": {}, "that": {}, "this": {}, "for": {}, "with": {}, "at": {},
}

// Compile-time interface satisfaction check.
var _ Embedder = (*HashEmbedder)(nil)
