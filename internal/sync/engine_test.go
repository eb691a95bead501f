package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slack-indexer/internal/checkpoint"
	"slack-indexer/internal/chunker"
	"slack-indexer/internal/embed"
	"slack-indexer/internal/queue"
	"slack-indexer/internal/sink"
	"slack-indexer/internal/source"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeUpstream struct {
	mu        stdsync.Mutex
	refs      []source.SourceRef
	listErr   error
	messages  map[string][]source.RawMessage
	fetchErrs map[string]error
	authors   map[string]string
	since     map[string]float64
}

func (f *fakeUpstream) ListSources(ctx context.Context) ([]source.SourceRef, error) {
	return f.refs, f.listErr
}

// FetchMessagesSince ignores since on purpose so the engine's own boundary
// filter is exercised.
func (f *fakeUpstream) FetchMessagesSince(ctx context.Context, id string, since float64) ([]source.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.since == nil {
		f.since = make(map[string]float64)
	}
	f.since[id] = since
	return append([]source.RawMessage(nil), f.messages[id]...), f.fetchErrs[id]
}

func (f *fakeUpstream) ListAuthors(ctx context.Context) (map[string]string, error) {
	return f.authors, nil
}

type fakeEmbedder struct {
	mu    stdsync.Mutex
	calls int
	fail  func(text string) bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil && f.fail(text) {
		return nil, fmt.Errorf("%w: boom", embed.ErrService)
	}
	return []float32{float32(len(text)), 1}, nil
}

type flakySink struct {
	*sink.Memory
	failKeys map[string]bool
}

func (s *flakySink) Upsert(ctx context.Context, key string, vector []float32, text string, md map[string]any) error {
	if s.failKeys[key] {
		return fmt.Errorf("%w: %s: unavailable", sink.ErrWrite, key)
	}
	return s.Memory.Upsert(ctx, key, vector, text, md)
}

func msg(ts float64, text string) source.RawMessage {
	s := fmt.Sprintf("%.6f", ts)
	return source.RawMessage{ID: s, TS: s, Timestamp: ts, Author: "U1", Text: text}
}

func msgs(tss ...float64) []source.RawMessage {
	out := make([]source.RawMessage, 0, len(tss))
	for _, ts := range tss {
		out = append(out, msg(ts, fmt.Sprintf("message at %.0f", ts)))
	}
	return out
}

var (
	general  = source.SourceRef{ID: "C1", Name: "general"}
	creative = source.SourceRef{ID: "C2", Name: "creative"}
)

// newStore seeds channel_tracking.json with the given watermarks.
func newStore(t *testing.T, dir string, watermarks map[string]float64, processed ...string) *checkpoint.Store {
	t.Helper()
	store := checkpoint.NewStore(checkpoint.Options{
		Dir:             dir,
		MaxProcessedIDs: 1000,
		Now:             func() time.Time { return fixedNow },
	})
	if len(watermarks) > 0 {
		rec := checkpoint.NewRecord()
		for name, wm := range watermarks {
			rec.Sources[name] = checkpoint.SourceState{Watermark: wm}
		}
		for _, id := range processed {
			rec.Processed.Add(id)
		}
		require.NoError(t, store.Save(rec))
	}
	return store
}

func newEngine(up source.Upstream, emb embed.Embedder, snk sink.Sink, store *checkpoint.Store, q *queue.Queue, mutate ...func(*Options)) *Engine {
	opts := Options{
		Chunker:  chunker.DefaultOptions(),
		Now:      func() time.Time { return fixedNow },
		NewRunID: func() string { return "run-1" },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return NewEngine(up, emb, snk, store, q, opts)
}

func TestRun_DiscardsAtOrBelowWatermark(t *testing.T) {
	up := &fakeUpstream{
		refs:     []source.SourceRef{general},
		messages: map[string][]source.RawMessage{"C1": msgs(95, 100, 101, 105)},
		authors:  map[string]string{"U1": "dana"},
	}
	mem := sink.NewMemory()
	store := newStore(t, t.TempDir(), map[string]float64{"general": 100})

	report, err := newEngine(up, &fakeEmbedder{}, mem, store, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	res, ok := report.Result("general")
	require.True(t, ok)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, float64(100), up.since["C1"])
	assert.Equal(t, 2, res.MessagesSeen)
	assert.Equal(t, float64(100), res.OldWatermark)
	assert.Equal(t, float64(105), res.NewWatermark)
	assert.Equal(t, 1, res.ChunksAdded)

	matches, err := mem.Query(context.Background(), []float32{1, 1}, 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "C1_101.000000_incremental", matches[0].Key)
	assert.Equal(t, "[dana]: message at 101\n[dana]: message at 105", matches[0].Text)
	assert.Equal(t, matches[0].Text, matches[0].Metadata[sink.TextField])

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, float64(105), rec.Sources["general"].Watermark)
	assert.True(t, rec.Processed.Contains("C1:101.000000"))
	assert.False(t, rec.Processed.Contains("C1:95.000000"))
}

func TestRun_DuplicatesAreFilteredButAdvanceWatermark(t *testing.T) {
	up := &fakeUpstream{
		refs:     []source.SourceRef{general},
		messages: map[string][]source.RawMessage{"C1": msgs(101, 102, 103)},
	}
	mem := sink.NewMemory()
	store := newStore(t, t.TempDir(), map[string]float64{"general": 100}, "C1:101.000000", "C1:103.000000")

	report, err := newEngine(up, &fakeEmbedder{}, mem, store, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("general")
	assert.Equal(t, 2, res.Duplicates)
	assert.Equal(t, 1, res.MessagesSeen)
	assert.Equal(t, float64(103), res.NewWatermark)
	assert.Equal(t, []string{"C1_102.000000_incremental"}, mem.Keys())
}

func TestRun_SameTimestampInTwoChannels(t *testing.T) {
	up := &fakeUpstream{
		refs: []source.SourceRef{general, creative},
		messages: map[string][]source.RawMessage{
			"C1": msgs(101),
			"C2": msgs(101),
		},
	}
	mem := sink.NewMemory()
	store := newStore(t, t.TempDir(), map[string]float64{"general": 100, "creative": 100})

	report, err := newEngine(up, &fakeEmbedder{}, mem, store, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	for _, name := range []string{"general", "creative"} {
		res, _ := report.Result(name)
		assert.Equal(t, 1, res.MessagesSeen, name)
		assert.Zero(t, res.Duplicates, name)
	}
	assert.ElementsMatch(t, []string{
		"C1_101.000000_incremental",
		"C2_101.000000_incremental",
	}, mem.Keys())

	rec, err := store.Load()
	require.NoError(t, err)
	assert.True(t, rec.Processed.Contains("C1:101.000000"))
	assert.True(t, rec.Processed.Contains("C2:101.000000"))
}

func TestRun_BareLegacyIDsDoNotSuppress(t *testing.T) {
	up := &fakeUpstream{
		refs:     []source.SourceRef{general},
		messages: map[string][]source.RawMessage{"C1": msgs(101)},
	}
	mem := sink.NewMemory()
	store := newStore(t, t.TempDir(), map[string]float64{"general": 100}, "101.000000")

	report, err := newEngine(up, &fakeEmbedder{}, mem, store, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("general")
	assert.Zero(t, res.Duplicates)
	assert.Equal(t, []string{"C1_101.000000_incremental"}, mem.Keys())
}

func TestRun_NoNewMessagesKeepsWatermark(t *testing.T) {
	up := &fakeUpstream{
		refs:     []source.SourceRef{general},
		messages: map[string][]source.RawMessage{"C1": msgs(100)},
	}
	dir := t.TempDir()
	store := newStore(t, dir, map[string]float64{"general": 100})
	before, err := os.ReadFile(filepath.Join(dir, checkpoint.TrackingFile))
	require.NoError(t, err)

	report, err := newEngine(up, &fakeEmbedder{}, sink.NewMemory(), store, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("general")
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, res.OldWatermark, res.NewWatermark)
	assert.Zero(t, res.ChunksAdded)

	after, err := os.ReadFile(filepath.Join(dir, checkpoint.TrackingFile))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestRun_RepeatedPassesDoNotGrowSink(t *testing.T) {
	up := &fakeUpstream{
		refs:     []source.SourceRef{general},
		messages: map[string][]source.RawMessage{"C1": msgs(101, 102, 103, 104, 105, 106, 107)},
	}
	mem := sink.NewMemory()

	// First pass upserts, then the process dies before committing: no
	// checkpoint survives.
	crashed := newStore(t, t.TempDir(), map[string]float64{"general": 100})
	_, err := newEngine(up, &fakeEmbedder{}, mem, crashed, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)
	firstKeys := mem.Keys()
	require.Len(t, firstKeys, 3)

	resumed := newStore(t, t.TempDir(), map[string]float64{"general": 100})
	report, err := newEngine(up, &fakeEmbedder{}, mem, resumed, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, firstKeys, mem.Keys())
	assert.Equal(t, 6, mem.Upserts())
	res, _ := report.Result("general")
	assert.Equal(t, float64(107), res.NewWatermark)

	// A third pass on the committed store sees nothing new.
	report, err = newEngine(up, &fakeEmbedder{}, mem, resumed, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)
	res, _ = report.Result("general")
	assert.Zero(t, res.MessagesSeen)
	assert.Equal(t, 6, mem.Upserts())
}

func TestRun_PartialFetchRecordsIDsButKeepsWatermark(t *testing.T) {
	up := &fakeUpstream{
		refs:      []source.SourceRef{general},
		messages:  map[string][]source.RawMessage{"C1": msgs(150, 160)},
		fetchErrs: map[string]error{"C1": fmt.Errorf("page 2: %w", source.ErrTransient)},
	}
	store := newStore(t, t.TempDir(), map[string]float64{"general": 100})

	report, err := newEngine(up, &fakeEmbedder{}, sink.NewMemory(), store, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("general")
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.Partial)
	assert.ErrorIs(t, res.Err, source.ErrTransient)
	assert.Equal(t, 1, res.ChunksAdded)
	assert.Equal(t, float64(100), res.NewWatermark)

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, float64(100), rec.Sources["general"].Watermark)
	assert.True(t, rec.Processed.Contains("C1:150.000000"))
}

func TestRun_FailedChannelDoesNotStopOthers(t *testing.T) {
	up := &fakeUpstream{
		refs: []source.SourceRef{general, creative},
		messages: map[string][]source.RawMessage{
			"C2": msgs(201),
		},
		fetchErrs: map[string]error{"C1": &source.RateLimitedError{RetryAfter: time.Second}},
	}
	store := newStore(t, t.TempDir(), map[string]float64{"general": 100, "creative": 200})

	report, err := newEngine(up, &fakeEmbedder{}, sink.NewMemory(), store, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	failed, _ := report.Result("general")
	assert.Equal(t, StateFailed, failed.State)
	assert.ErrorIs(t, failed.Err, source.ErrRateLimited)
	assert.Equal(t, float64(100), failed.NewWatermark)
	assert.NotEmpty(t, failed.Error)

	done, _ := report.Result("creative")
	assert.Equal(t, StateDone, done.State)
	assert.Equal(t, float64(201), done.NewWatermark)

	assert.Equal(t, Totals{Sources: 2, Done: 1, Failed: 1, MessagesSeen: 1, ChunksAdded: 1}, report.Totals)
}

func TestRun_ChunkFailuresAreCountedAndQueued(t *testing.T) {
	up := &fakeUpstream{
		refs:     []source.SourceRef{general},
		messages: map[string][]source.RawMessage{"C1": msgs(101, 102, 103, 104, 105, 106, 107)},
	}
	dir := t.TempDir()
	qcfg := queue.DefaultConfig(dir)
	qcfg.InitialBackoff = 0
	q, err := queue.New(qcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	snk := &flakySink{Memory: sink.NewMemory(), failKeys: map[string]bool{"C1_101.000000_incremental": true}}
	store := newStore(t, dir, map[string]float64{"general": 100})

	report, err := newEngine(up, &fakeEmbedder{}, snk, store, q).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("general")
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, res.ChunksFailed)
	assert.Equal(t, 1, res.ChunksQueued)
	assert.Equal(t, 2, res.ChunksAdded)
	assert.Equal(t, float64(107), res.NewWatermark)

	// The sink recovers; the next run replays the queued chunk first.
	snk.failKeys = nil
	report, err = newEngine(up, &fakeEmbedder{}, snk, store, q).RunIncrementalSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replayed.Succeeded)
	assert.ElementsMatch(t, []string{
		"C1_101.000000_incremental",
		"C1_104.000000_incremental",
		"C1_107.000000_incremental",
	}, snk.Keys())
}

func TestRun_EmbeddingFailureIsASinkWriteError(t *testing.T) {
	up := &fakeUpstream{
		refs:     []source.SourceRef{general},
		messages: map[string][]source.RawMessage{"C1": {msg(101, "FAIL please"), msg(102, "ok")}},
	}
	emb := &fakeEmbedder{fail: func(text string) bool { return strings.Contains(text, "FAIL") }}
	store := newStore(t, t.TempDir(), map[string]float64{"general": 100})

	report, err := newEngine(up, emb, sink.NewMemory(), store, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)
	res, _ := report.Result("general")
	assert.Equal(t, 1, res.ChunksFailed)
	assert.Zero(t, res.ChunksQueued)
}

func TestRun_UnknownConfiguredChannelIsSkipped(t *testing.T) {
	up := &fakeUpstream{
		refs:     []source.SourceRef{general},
		messages: map[string][]source.RawMessage{"C1": msgs(101)},
	}
	store := newStore(t, t.TempDir(), map[string]float64{"general": 100})
	engine := newEngine(up, &fakeEmbedder{}, sink.NewMemory(), store, nil, func(o *Options) {
		o.Channels = []string{"#general", "missing"}
	})

	report, err := engine.RunIncrementalSync(context.Background())
	require.NoError(t, err)

	skipped, ok := report.Result("missing")
	require.True(t, ok)
	assert.Equal(t, StateSkipped, skipped.State)
	assert.Equal(t, 1, report.Totals.Done)
	assert.Equal(t, 1, report.Totals.Skipped)
}

func TestRun_TotalFailure(t *testing.T) {
	t.Run("listing fails", func(t *testing.T) {
		up := &fakeUpstream{listErr: fmt.Errorf("auth: %w", errors.New("invalid_auth"))}
		report, err := newEngine(up, &fakeEmbedder{}, sink.NewMemory(), newStore(t, t.TempDir(), nil), nil).
			RunIncrementalSync(context.Background())
		assert.ErrorIs(t, err, ErrTotalFailure)
		assert.Equal(t, "run-1", report.RunID)
	})

	t.Run("every channel fails", func(t *testing.T) {
		up := &fakeUpstream{
			refs:      []source.SourceRef{general, creative},
			fetchErrs: map[string]error{"C1": source.ErrTransient, "C2": source.ErrTransient},
		}
		report, err := newEngine(up, &fakeEmbedder{}, sink.NewMemory(), newStore(t, t.TempDir(), nil), nil).
			RunIncrementalSync(context.Background())
		assert.ErrorIs(t, err, ErrTotalFailure)
		assert.True(t, report.TotalFailure())
	})

	t.Run("no channels is not a failure", func(t *testing.T) {
		report, err := newEngine(&fakeUpstream{}, &fakeEmbedder{}, sink.NewMemory(), newStore(t, t.TempDir(), nil), nil).
			RunIncrementalSync(context.Background())
		require.NoError(t, err)
		assert.Empty(t, report.Sources)
	})
}

func TestRun_InvalidChunkerOptionsFailBeforeNetwork(t *testing.T) {
	up := &fakeUpstream{listErr: errors.New("must not be called")}
	engine := newEngine(up, &fakeEmbedder{}, sink.NewMemory(), newStore(t, t.TempDir(), nil), nil, func(o *Options) {
		o.Chunker = chunker.Options{WindowSize: 2, Overlap: 2}
	})
	_, err := engine.RunIncrementalSync(context.Background())
	assert.ErrorIs(t, err, chunker.ErrInvalidConfig)
	assert.NotErrorIs(t, err, ErrTotalFailure)
}

func TestRun_FreshStateStartsAtDefaultLookback(t *testing.T) {
	recent := source.Seconds(fixedNow.Add(-time.Hour))
	old := source.Seconds(fixedNow.Add(-48 * time.Hour))
	up := &fakeUpstream{
		refs:     []source.SourceRef{general},
		messages: map[string][]source.RawMessage{"C1": {msg(old, "ancient"), msg(recent, "fresh")}},
	}
	store := newStore(t, t.TempDir(), nil)

	report, err := newEngine(up, &fakeEmbedder{}, sink.NewMemory(), store, nil).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	res, _ := report.Result("general")
	assert.InDelta(t, source.Seconds(fixedNow.Add(-24*time.Hour)), up.since["C1"], 1e-3)
	assert.Equal(t, 1, res.MessagesSeen)
	assert.Equal(t, recent, res.NewWatermark)
}

func TestRun_ConcurrentChannels(t *testing.T) {
	var refs []source.SourceRef
	messages := make(map[string][]source.RawMessage)
	watermarks := make(map[string]float64)
	for i := 0; i < 8; i++ {
		ref := source.SourceRef{ID: fmt.Sprintf("C%d", i), Name: fmt.Sprintf("chan-%d", i)}
		refs = append(refs, ref)
		messages[ref.ID] = msgs(101, 102, 103)
		watermarks[ref.Name] = 100
	}
	up := &fakeUpstream{refs: refs, messages: messages}
	mem := sink.NewMemory()
	store := newStore(t, t.TempDir(), watermarks)

	report, err := newEngine(up, &fakeEmbedder{}, mem, store, nil, func(o *Options) {
		o.Concurrency = 4
	}).RunIncrementalSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 8, report.Totals.Done)
	assert.Len(t, mem.Keys(), 8)
	rec, err := store.Load()
	require.NoError(t, err)
	for _, ref := range refs {
		assert.Equal(t, float64(103), rec.Sources[ref.Name].Watermark, ref.Name)
	}
}
