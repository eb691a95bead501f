package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseSink(t *testing.T, s Sink) {
	t.Helper()
	ctx := context.Background()

	md := map[string]any{"channel_name": "general", "update_type": "incremental", "chunk_index": 1}
	require.NoError(t, s.Upsert(ctx, "C1_1.0_incremental", []float32{1, 0, 0}, "first", md))
	require.NoError(t, s.Upsert(ctx, "C2_1.0_incremental", []float32{0, 1, 0}, "other", map[string]any{"channel_name": "creative"}))
	// Same key again overwrites.
	require.NoError(t, s.Upsert(ctx, "C1_1.0_incremental", []float32{1, 0, 0}, "first, edited", md))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Vectors)
	assert.Equal(t, 3, st.Dimension)

	matches, err := s.Query(ctx, []float32{1, 0.1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "C1_1.0_incremental", matches[0].Key)
	assert.Equal(t, "first, edited", matches[0].Text)

	filtered, err := s.Query(ctx, []float32{0, 0, 0}, 10, map[string]string{"channel_name": "creative"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "C2_1.0_incremental", filtered[0].Key)

	byIndex, err := s.Query(ctx, []float32{0, 0, 0}, 10, map[string]string{"chunk_index": "1"})
	require.NoError(t, err)
	assert.Len(t, byIndex, 1)

	top1, err := s.Query(ctx, []float32{0, 1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, top1, 1)
	assert.Equal(t, "C2_1.0_incremental", top1[0].Key)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseSink(t, m)
	assert.Equal(t, 3, m.Upserts())
	assert.ElementsMatch(t, []string{"C1_1.0_incremental", "C2_1.0_incremental"}, m.Keys())
}

func TestSQLite(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseSink(t, s)
}

func TestUpsert_RejectsEmptyInput(t *testing.T) {
	m := NewMemory()
	assert.ErrorIs(t, m.Upsert(context.Background(), "", []float32{1}, "x", nil), ErrWrite)
	assert.ErrorIs(t, m.Upsert(context.Background(), "k", nil, "x", nil), ErrWrite)
}

func TestPinecone(t *testing.T) {
	var upserted pineconeUpsertRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "pc-key", r.Header.Get("Api-Key"))
		switch r.URL.Path {
		case "/vectors/upsert":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&upserted))
			_, _ = w.Write([]byte(`{"upsertedCount":1}`))
		case "/query":
			var q pineconeQueryRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
			assert.Equal(t, 5, q.TopK)
			assert.Equal(t, map[string]any{"$eq": "general"}, q.Filter["channel_name"])
			_, _ = w.Write([]byte(`{"matches":[{"id":"C1_1.0_incremental","score":0.9,"metadata":{"text":"hello","channel_name":"general"}}]}`))
		case "/describe_index_stats":
			_, _ = w.Write([]byte(`{"dimension":1536,"totalVectorCount":12,"namespaces":{"slack":{"vectorCount":7}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	p, err := NewPinecone(PineconeOptions{BaseURL: srv.URL, APIKey: "pc-key", Namespace: "slack"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.Upsert(ctx, "C1_1.0_incremental", []float32{0.5}, "hello", map[string]any{"channel_name": "general"}))
	require.Len(t, upserted.Vectors, 1)
	assert.Equal(t, "slack", upserted.Namespace)
	assert.Equal(t, "hello", upserted.Vectors[0].Metadata[TextField])

	matches, err := p.Query(ctx, []float32{0.5}, 5, map[string]string{"channel_name": "general"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "hello", matches[0].Text)

	st, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Backend: "pinecone", Vectors: 7, Dimension: 1536}, st)
}

func TestPinecone_UpsertFailureWrapsErrWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	p, err := NewPinecone(PineconeOptions{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	err = p.Upsert(context.Background(), "k1", []float32{1}, "t", nil)
	assert.ErrorIs(t, err, ErrWrite)
}

func TestBuild(t *testing.T) {
	s, err := Build("memory://", BuildOptions{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Build("sqlite://"+filepath.Join(t.TempDir(), "index.db"), BuildOptions{})
	require.NoError(t, err)
	assert.IsType(t, &SQL{}, s)

	s, err = Build("postgres://u:p@localhost/db?sslmode=disable", BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, "postgres", s.(*SQL).dialect.name)

	s, err = Build("pinecone://idx.svc.pinecone.io?namespace=ns", BuildOptions{PineconeAPIKey: "k"})
	require.NoError(t, err)
	pc := s.(*Pinecone)
	assert.Equal(t, "https://idx.svc.pinecone.io", pc.baseURL)
	assert.Equal(t, "ns", pc.namespace)

	_, err = Build("pinecone://idx", BuildOptions{})
	assert.Error(t, err, "api key required")

	_, err = Build("redis://localhost", BuildOptions{})
	assert.Error(t, err)
}
