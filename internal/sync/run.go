package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"slack-indexer/internal/checkpoint"
	"slack-indexer/internal/config"
	"slack-indexer/internal/embed"
	"slack-indexer/internal/queue"
	"slack-indexer/internal/sink"
	"slack-indexer/internal/source/slack"
)

// Build wires an engine from configuration. The returned close function
// releases the sink and queue.
func Build(cfg *config.Config) (*Engine, func() error, error) {
	if err := cfg.ValidateForSync(); err != nil {
		return nil, nil, err
	}

	policy := cfg.RetryPolicy()
	upstream := slack.NewClient(slack.Options{
		Token:     cfg.Slack.Token,
		BaseURL:   cfg.Slack.BaseURL,
		PageSize:  cfg.Slack.PageSize,
		PageDelay: cfg.PageDelay(),
		Policy:    policy,
	})
	embedder := embed.NewOpenAI(embed.Options{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Policy:     policy,
	})

	snk, err := sink.Build(cfg.Vector.DSN, cfg.SinkOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: vector.dsn: %w", config.ErrInvalid, err)
	}

	var q *queue.Queue
	if cfg.Queue.Enabled {
		q, err = queue.New(cfg.QueueConfig())
		if err != nil {
			_ = snk.Close()
			return nil, nil, err
		}
	}

	store := checkpoint.NewStore(cfg.CheckpointOptions())
	engine := NewEngine(upstream, embedder, snk, store, q, Options{
		Chunker:     cfg.ChunkerOptions(),
		Channels:    cfg.Sync.Channels,
		Concurrency: cfg.Sync.Concurrency,
		UpsertDelay: cfg.UpsertDelay(),
		ReplayBatch: cfg.Queue.BatchSize,
	})

	closeFn := func() error {
		var errs []error
		if q != nil {
			errs = append(errs, q.Close())
		}
		errs = append(errs, snk.Close())
		return errors.Join(errs...)
	}
	return engine, closeFn, nil
}

// RunIncrementalSync builds the real components from cfg and runs one pass.
func RunIncrementalSync(ctx context.Context, cfg *config.Config) (*Report, error) {
	engine, closeFn, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sync resources")
		}
	}()
	return engine.RunIncrementalSync(ctx)
}
