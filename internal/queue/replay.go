package queue

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Handler re-embeds and upserts one queued chunk.
type Handler func(ctx context.Context, u FailedUpsert) error

// ReplayResult counts what one Replay pass did.
type ReplayResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Purged    int `json:"purged"`
}

// Replay drains due entries through handler, at most batchSize of them.
// Handler failures reschedule the entry; they are not returned.
func (q *Queue) Replay(ctx context.Context, handler Handler, batchSize int) (ReplayResult, error) {
	var res ReplayResult

	purged, err := q.PurgeExpired()
	if err != nil {
		log.Error().Err(err).Msg("Failed to purge expired upserts")
	}
	res.Purged = int(purged)

	if batchSize <= 0 {
		batchSize = 100
	}
	entries, err := q.Pending(batchSize)
	if err != nil {
		return res, err
	}
	if len(entries) == 0 {
		return res, nil
	}

	log.Info().Int("count", len(entries)).Msg("Replaying queued upserts")

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := handler(ctx, e.Upsert); err != nil {
			log.Warn().
				Err(err).
				Int64("id", e.ID).
				Str("key", e.Upsert.Key).
				Int("retries", e.Retries+1).
				Msg("Queued upsert failed again")

			if err := q.MarkFailed(e.ID, err.Error()); err != nil {
				log.Error().Err(err).Int64("id", e.ID).Msg("Failed to reschedule queued upsert")
			}
			res.Failed++
			continue
		}
		if err := q.MarkSuccess(e.ID); err != nil {
			log.Error().Err(err).Int64("id", e.ID).Msg("Failed to remove replayed upsert")
		}
		res.Succeeded++
	}

	log.Info().
		Int("success", res.Succeeded).
		Int("failed", res.Failed).
		Msg("Queue replay complete")

	return res, nil
}
