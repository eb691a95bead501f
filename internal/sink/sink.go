// Package sink stores chunk embeddings keyed by chunk key. Every backend has
// last-write-wins upsert semantics, so re-running a pass overwrites.
package sink

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrWrite wraps every upsert failure.
var ErrWrite = errors.New("vector sink write failed")

// TextField is the metadata key the chunk text is stored under for backends
// without a dedicated text column.
const TextField = "text"

type Match struct {
	Key      string         `json:"key"`
	Score    float32        `json:"score"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Stats struct {
	Backend   string `json:"backend"`
	Vectors   int    `json:"vectors"`
	Dimension int    `json:"dimension"`
}

type Sink interface {
	Upsert(ctx context.Context, key string, vector []float32, text string, metadata map[string]any) error
	// Query returns up to topK matches by cosine similarity. filter entries
	// must equal the string form of the corresponding metadata value.
	Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]Match, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

func writeErr(key string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrWrite, key, err)
}

func validateUpsert(key string, vector []float32) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrWrite)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: %s: empty vector", ErrWrite, key)
	}
	return nil
}

// cosine returns 0 when either vector has zero magnitude, so a zero query
// vector ranks everything equally.
func cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func matchesFilter(md map[string]any, filter map[string]string) bool {
	for k, want := range filter {
		v, ok := md[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// rank sorts by score, then key for a stable order, and keeps topK.
func rank(matches []Match, topK int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

func cloneMetadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
