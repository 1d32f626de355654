// Package similarity scores trademark pairs on two independent
// channels: semantic similarity from text embeddings and phonetic
// similarity from metaphone encodings and edit distance. Both channels
// produce values in [0,1] and are deterministic for a given input.
package similarity

import (
	"context"
	"fmt"
	"math"

	"github.com/joelkehle/markscreen/internal/record"
)

// Embedder produces a fixed-dimension vector for a piece of text. The
// embedding backend is expected to be deterministic: same input, same
// vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Score is the similarity result for one ordered pair of marks.
type Score struct {
	RecordA  string  `json:"record_a"`
	RecordB  string  `json:"record_b"`
	Semantic float64 `json:"semantic"`
	Phonetic float64 `json:"phonetic"`
}

// ScoringError reports a pair whose similarity could not be computed.
type ScoringError struct {
	RecordA string
	RecordB string
	Reason  string
	Err     error
}

func (e *ScoringError) Error() string {
	msg := fmt.Sprintf("scoring %q vs %q: %s", e.RecordA, e.RecordB, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ScoringError) Unwrap() error { return e.Err }

// Scorer computes pair similarity scores using an embedding backend for
// the semantic channel. The phonetic channel is computed in-process.
type Scorer struct {
	embedder Embedder
}

func NewScorer(embedder Embedder) *Scorer {
	return &Scorer{embedder: embedder}
}

// Score computes both similarity channels for a pair. The computation
// is symmetric: each name is embedded independently and cosine
// similarity does not depend on argument order.
func (s *Scorer) Score(ctx context.Context, a, b record.TrademarkRecord) (Score, error) {
	na, nb := Normalize(a.Name), Normalize(b.Name)
	if na == "" || nb == "" {
		return Score{}, &ScoringError{RecordA: a.ID(), RecordB: b.ID(), Reason: "name empty after normalization"}
	}
	// Identical normalized names are an exact match on both channels.
	// Computing cosine of a vector with itself loses a ulp to float
	// rounding, so the short circuit is what guarantees a clean 1.
	if na == nb {
		return Score{RecordA: a.ID(), RecordB: b.ID(), Semantic: 1, Phonetic: 1}, nil
	}

	va, err := s.embedder.Embed(ctx, na)
	if err != nil {
		return Score{}, &ScoringError{RecordA: a.ID(), RecordB: b.ID(), Reason: "embedding failed", Err: err}
	}
	vb, err := s.embedder.Embed(ctx, nb)
	if err != nil {
		return Score{}, &ScoringError{RecordA: a.ID(), RecordB: b.ID(), Reason: "embedding failed", Err: err}
	}
	if len(va) == 0 || len(va) != len(vb) {
		return Score{}, &ScoringError{
			RecordA: a.ID(), RecordB: b.ID(),
			Reason: fmt.Sprintf("embedding dimension mismatch: %d vs %d", len(va), len(vb)),
		}
	}

	return Score{
		RecordA:  a.ID(),
		RecordB:  b.ID(),
		Semantic: clamp01(cosine(va, vb)),
		Phonetic: PhoneticSimilarity(a.Name, b.Name),
	}, nil
}

// cosine returns the cosine similarity of two equal-length vectors, or
// 0 when either has zero magnitude.
func cosine(a, b []float32) float64 {
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

// clamp01 pins a value into [0,1]. Cosine similarity of embeddings can
// go slightly negative or drift past 1 from float rounding.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
