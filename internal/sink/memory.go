package sink

import (
	"context"
	"sync"
)

type memoryEntry struct {
	vector   []float32
	text     string
	metadata map[string]any
}

// Memory is an in-process sink for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	upserts int
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Upsert(ctx context.Context, key string, vector []float32, text string, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return writeErr(key, err)
	}
	if err := validateUpsert(key, vector); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{
		vector:   append([]float32(nil), vector...),
		text:     text,
		metadata: cloneMetadata(metadata),
	}
	m.upserts++
	return nil
}

func (m *Memory) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Match
	for key, e := range m.entries {
		if !matchesFilter(e.metadata, filter) {
			continue
		}
		out = append(out, Match{
			Key:      key,
			Score:    cosine(vector, e.vector),
			Text:     e.text,
			Metadata: cloneMetadata(e.metadata),
		})
	}
	return rank(out, topK), nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Backend: "memory", Vectors: len(m.entries)}
	for _, e := range m.entries {
		st.Dimension = len(e.vector)
		break
	}
	return st, nil
}

func (m *Memory) Close() error { return nil }

// Keys returns the stored keys.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// Upserts counts successful writes, including overwrites.
func (m *Memory) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}
