package memory

import (
	"cmp"
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultTopK is the number of fragments retrieved per query.
const DefaultTopK = 3

// LongTermStore is the persistent, searchable tier. Implementations embed
// fragment content with their Embedder on Index and the query text on Query.
type LongTermStore interface {
	// Index embeds and persists f. A missing ID or CreatedAt is filled in.
	// The stored fragment is returned.
	Index(ctx context.Context, f Fragment) (Fragment, error)

	// Query returns up to topK fragments of the session, ranked by cosine
	// similarity to text, highest first. A session with no fragments yields
	// an empty slice and no error.
	Query(ctx context.Context, sessionID, text string, topK int) ([]Fragment, error)

	// List returns every fragment of the session in creation order.
	List(ctx context.Context, sessionID string) ([]Fragment, error)
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewFragmentID returns a new lexically sortable fragment identifier.
func NewFragmentID(at time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), idEntropy).String()
}

// prepare validates f and fills its defaults before it is stored.
func prepare(f Fragment, now func() time.Time) (Fragment, error) {
	if f.SessionID == "" {
		return Fragment{}, fmt.Errorf("fragment: missing session id")
	}
	if !f.Kind.Valid() {
		return Fragment{}, fmt.Errorf("fragment: unknown kind %q", f.Kind)
	}
	if strings.TrimSpace(f.Content) == "" {
		return Fragment{}, fmt.Errorf("fragment: empty content")
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now().UTC()
	}
	if f.ID == "" {
		f.ID = NewFragmentID(f.CreatedAt)
	}
	f.Score = 0
	return f, nil
}

// scored pairs a fragment with its embedding for ranking.
type scored struct {
	frag      Fragment
	embedding []float32
}

// rank scores candidates against query and returns the best topK. Ties are
// broken by ID so the order is deterministic.
func rank(query []float32, candidates []scored, topK int) []Fragment {
	if topK <= 0 || len(candidates) == 0 {
		return []Fragment{}
	}

	out := make([]Fragment, 0, len(candidates))
	for _, c := range candidates {
		f := c.frag
		f.Score = cosineSimilarity(query, c.embedding)
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b Fragment) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	if topK < len(out) {
		out = out[:topK]
	}
	return out
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if the lengths differ, either vector is empty, or either has zero
// magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
