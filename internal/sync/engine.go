// Package sync runs incremental passes from the upstream chat workspace into
// the vector sink, bracketing each channel with its checkpoint.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"slack-indexer/internal/checkpoint"
	"slack-indexer/internal/chunker"
	"slack-indexer/internal/embed"
	"slack-indexer/internal/queue"
	"slack-indexer/internal/retry"
	"slack-indexer/internal/sink"
	"slack-indexer/internal/source"
)

type Options struct {
	Chunker chunker.Options
	// Channels restricts the run to these names; empty means every channel
	// the upstream lists.
	Channels    []string
	Concurrency int
	UpsertDelay time.Duration
	ReplayBatch int

	Now      func() time.Time
	NewRunID func() string
}

type Engine struct {
	upstream source.Upstream
	embedder embed.Embedder
	sink     sink.Sink
	store    *checkpoint.Store
	queue    *queue.Queue // nil disables queueing of failed upserts
	opts     Options
}

func NewEngine(up source.Upstream, emb embed.Embedder, snk sink.Sink, store *checkpoint.Store, q *queue.Queue, opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return &Engine{
		upstream: up,
		embedder: emb,
		sink:     snk,
		store:    store,
		queue:    q,
		opts:     opts,
	}
}

// RunIncrementalSync performs one pass over every selected channel. Failures
// of individual channels end up in the report; the returned error is only
// set for configuration problems or when no channel could be synced.
func (e *Engine) RunIncrementalSync(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     e.opts.NewRunID(),
		StartedAt: e.opts.Now(),
	}
	if err := e.opts.Chunker.Validate(); err != nil {
		report.finish(e.opts.Now())
		return report, err
	}

	logger := log.With().Str("run_id", report.RunID).Logger()
	logger.Info().Msg("Starting incremental sync")

	refs, err := e.upstream.ListSources(ctx)
	if err != nil {
		report.finish(e.opts.Now())
		return report, fmt.Errorf("%w: list channels: %w", ErrTotalFailure, err)
	}
	targets, skipped := e.selectSources(refs)

	if _, err := e.store.LoadOrMigrate(targets); err != nil {
		logger.Error().Err(err).Msg("Failed to persist checkpoint migration, continuing with in-memory state")
	}

	authors, err := e.upstream.ListAuthors(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list authors, falling back to raw ids")
		authors = nil
	}

	report.Replayed = e.replayQueue(ctx)

	results := make([]SourceResult, len(targets))
	sem := make(chan struct{}, e.opts.Concurrency)
	var wg sync.WaitGroup
	for i, ref := range targets {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, ref source.SourceRef) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.syncSource(ctx, ref, source.Authors(authors))
		}(i, ref)
	}
	wg.Wait()

	report.Sources = append(results, skipped...)
	report.finish(e.opts.Now())

	logger.Info().
		Int("channels", report.Totals.Sources).
		Int("done", report.Totals.Done).
		Int("failed", report.Totals.Failed).
		Int("skipped", report.Totals.Skipped).
		Int("chunks_added", report.Totals.ChunksAdded).
		Int("chunks_failed", report.Totals.ChunksFailed).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Incremental sync finished")

	if report.TotalFailure() {
		return report, fmt.Errorf("%w: %d of %d channels failed", ErrTotalFailure, report.Totals.Failed+report.Totals.Skipped, report.Totals.Sources)
	}
	return report, nil
}

// Loop runs a pass immediately and then every interval until ctx is done.
func (e *Engine) Loop(ctx context.Context, interval time.Duration, onReport func(*Report, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	onReport(e.RunIncrementalSync(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			onReport(e.RunIncrementalSync(ctx))
		}
	}
}

func (e *Engine) selectSources(refs []source.SourceRef) ([]source.SourceRef, []SourceResult) {
	if len(e.opts.Channels) == 0 {
		return refs, nil
	}
	var (
		targets []source.SourceRef
		skipped []SourceResult
	)
	for _, name := range e.opts.Channels {
		ref, ok := source.FindByName(refs, name)
		if !ok {
			log.Warn().Str("channel", name).Msg("Channel not found upstream, skipping")
			skipped = append(skipped, SourceResult{
				Source: name,
				State:  StateSkipped,
				Err:    fmt.Errorf("channel %q not found", name),
			})
			continue
		}
		targets = append(targets, ref)
	}
	return targets, skipped
}

func (e *Engine) syncSource(ctx context.Context, ref source.SourceRef, authors source.Authors) SourceResult {
	res := SourceResult{Source: ref.Name, SourceID: ref.ID, State: StateIdle}
	logger := log.With().Str("channel", ref.Name).Logger()

	fail := func(err error) SourceResult {
		logger.Error().Err(err).Str("state", string(res.State)).Msg("Channel sync failed")
		res.Err = err
		res.State = StateFailed
		res.NewWatermark = res.OldWatermark
		return res
	}

	old, _ := e.store.Watermark(ref.Name)
	res.OldWatermark = old
	res.NewWatermark = old

	res.State = StateFetching
	msgs, fetchErr := e.upstream.FetchMessagesSince(ctx, ref.ID, old)
	res.MessagesFetched = len(msgs)
	if fetchErr != nil {
		if len(msgs) == 0 {
			return fail(fmt.Errorf("fetch messages: %w", fetchErr))
		}
		res.Partial = true
		res.Err = fetchErr
		logger.Warn().Err(fetchErr).Int("messages", len(msgs)).Msg("Fetch incomplete, processing what was received")
	}

	// The upstream bound is inclusive.
	var (
		fresh  []source.RawMessage
		ids    []string
		newest = old
	)
	for _, m := range msgs {
		if m.Timestamp <= old {
			continue
		}
		fresh = append(fresh, m)
		ids = append(ids, processedID(ref, m))
		if m.Timestamp > newest {
			newest = m.Timestamp
		}
	}

	res.State = StateDeduplicating
	toChunk := make([]source.RawMessage, 0, len(fresh))
	for _, m := range fresh {
		if e.store.IsProcessed(processedID(ref, m)) {
			res.Duplicates++
			continue
		}
		toChunk = append(toChunk, m)
	}
	res.MessagesSeen = len(toChunk)

	res.State = StateChunking
	chunks, err := chunker.Group(ref, toChunk, authors, e.opts.Chunker)
	if err != nil {
		return fail(err)
	}

	res.State = StateUpserting
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		md := chunkMetadata(c)
		if err := e.upsert(ctx, c.Key, c.Text, md); err != nil {
			res.ChunksFailed++
			logger.Warn().Err(err).Str("key", c.Key).Msg("Chunk upsert failed")
			if e.enqueue(c, md, err) {
				res.ChunksQueued++
			}
		} else {
			res.ChunksAdded++
		}
		if i < len(chunks)-1 {
			if err := retry.Wait(ctx, e.opts.UpsertDelay); err != nil {
				return fail(err)
			}
		}
	}

	res.State = StateCommitting
	watermark := newest
	if res.Partial {
		// The history API pages newest first, so what is missing is older
		// than what arrived. Keep the cursor and only record the ids.
		watermark = old
	}
	if len(ids) > 0 || watermark > old {
		if err := e.store.Commit(ref, watermark, ids); err != nil {
			res.CommitErr = err
			logger.Error().Err(err).Msg("Failed to persist checkpoint, channel will be reprocessed next run")
		}
	}
	res.NewWatermark = watermark
	res.State = StateDone

	logger.Info().
		Int("fetched", res.MessagesFetched).
		Int("duplicates", res.Duplicates).
		Int("messages", res.MessagesSeen).
		Int("chunks_added", res.ChunksAdded).
		Int("chunks_failed", res.ChunksFailed).
		Float64("watermark", res.NewWatermark).
		Msg("Channel synced")
	return res
}

// processedID scopes a message id to its channel. Slack timestamps are only
// unique within one channel. Bare ids left by older runs never match, which
// costs at most one refetch.
func processedID(ref source.SourceRef, m source.RawMessage) string {
	scope := ref.ID
	if scope == "" {
		scope = ref.Name
	}
	return scope + ":" + m.ID
}

func chunkMetadata(c chunker.Chunk) map[string]any {
	md := c.Metadata()
	md[sink.TextField] = c.Text
	return md
}

func (e *Engine) upsert(ctx context.Context, key, text string, md map[string]any) error {
	vector, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", sink.ErrWrite, key, err)
	}
	return e.sink.Upsert(ctx, key, vector, text, md)
}

func (e *Engine) enqueue(c chunker.Chunk, md map[string]any, cause error) bool {
	if e.queue == nil || errors.Is(cause, context.Canceled) {
		return false
	}
	err := e.queue.Enqueue(queue.FailedUpsert{
		Key:        c.Key,
		SourceID:   c.SourceID,
		SourceName: c.SourceName,
		Text:       c.Text,
		Metadata:   md,
	}, cause.Error())
	if err != nil {
		log.Error().Err(err).Str("key", c.Key).Msg("Failed to queue chunk for retry")
		return false
	}
	return true
}

func (e *Engine) replayQueue(ctx context.Context) queue.ReplayResult {
	if e.queue == nil {
		return queue.ReplayResult{}
	}
	res, err := e.queue.Replay(ctx, func(ctx context.Context, u queue.FailedUpsert) error {
		return e.upsert(ctx, u.Key, u.Text, u.Metadata)
	}, e.opts.ReplayBatch)
	if err != nil {
		log.Error().Err(err).Msg("Failed to replay queued upserts")
	}
	return res
}
