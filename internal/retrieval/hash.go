package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimensions is the vector length of a HashEmbedder built with
// a non-positive dimension.
const DefaultHashDimensions = 256

// HashEmbedder is a deterministic, offline Provider based on feature hashing
// of lowercase tokens. It needs no model server, so it backs tests and
// air-gapped deployments. Similarity reflects shared vocabulary only.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of length dim.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultHashDimensions
	}
	return &HashEmbedder{dim: dim}
}

// Embed hashes every token of text into a bucket and returns the
// L2-normalized bucket counts. Text without tokens yields a zero vector.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dim)
	for _, tok := range tokenize(text) {
		f := fnv.New32a()
		f.Write([]byte(tok))
		sum := f.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int((sum>>1)%uint32(h.dim))] += sign
	}

	var sq float64
	for _, v := range vec {
		sq += float64(v) * float64(v)
	}
	if sq == 0 {
		return vec, nil
	}
	n := float32(math.Sqrt(sq))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

// tokenize lowercases text and splits it on runes that are neither letters,
// digits nor dots, so decimal values such as 0.022 stay whole. Leading and
// trailing dots are trimmed from each token.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.'
	})
	tokens := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
