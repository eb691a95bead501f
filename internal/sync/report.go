package sync

import (
	"errors"
	"time"

	"slack-indexer/internal/queue"
)

// ErrTotalFailure is returned when a run made no progress at all.
var ErrTotalFailure = errors.New("sync made no progress")

// State is where a source's pass stopped.
type State string

const (
	StateIdle          State = "idle"
	StateFetching      State = "fetching_new"
	StateDeduplicating State = "deduplicating"
	StateChunking      State = "chunking"
	StateUpserting     State = "upserting"
	StateCommitting    State = "committing"
	StateDone          State = "done"
	StateSkipped       State = "skipped"
	StateFailed        State = "failed"
)

type SourceResult struct {
	Source   string `json:"source"`
	SourceID string `json:"source_id,omitempty"`
	State    State  `json:"state"`

	MessagesFetched int `json:"messages_fetched"`
	Duplicates      int `json:"duplicates"`
	// MessagesSeen counts messages handed to the chunker.
	MessagesSeen int `json:"messages_seen"`
	ChunksAdded  int `json:"chunks_added"`
	ChunksFailed int `json:"chunks_failed"`
	ChunksQueued int `json:"chunks_queued"`

	OldWatermark float64 `json:"old_watermark"`
	NewWatermark float64 `json:"new_watermark"`
	Partial      bool    `json:"partial,omitempty"`

	// Err is set for failed and skipped sources and for partial fetches.
	Err error `json:"-"`
	// CommitErr means the data reached the sink but the checkpoint did not
	// persist; the next run will reprocess this source.
	CommitErr error `json:"-"`

	Error       string `json:"error,omitempty"`
	CommitError string `json:"commit_error,omitempty"`
}

type Totals struct {
	Sources      int `json:"sources"`
	Done         int `json:"done"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	MessagesSeen int `json:"messages_seen"`
	ChunksAdded  int `json:"chunks_added"`
	ChunksFailed int `json:"chunks_failed"`
	CommitErrors int `json:"commit_errors"`
}

type Report struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Sources    []SourceResult     `json:"sources"`
	Replayed   queue.ReplayResult `json:"replayed"`
	Totals     Totals             `json:"totals"`
}

// Result returns the result for a source name.
func (r *Report) Result(name string) (SourceResult, bool) {
	for _, res := range r.Sources {
		if res.Source == name {
			return res, true
		}
	}
	return SourceResult{}, false
}

func (r *Report) finish(at time.Time) {
	r.FinishedAt = at
	r.Totals = Totals{Sources: len(r.Sources)}
	for i := range r.Sources {
		res := &r.Sources[i]
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		if res.CommitErr != nil {
			res.CommitError = res.CommitErr.Error()
			r.Totals.CommitErrors++
		}
		switch res.State {
		case StateDone:
			r.Totals.Done++
		case StateSkipped:
			r.Totals.Skipped++
		default:
			r.Totals.Failed++
		}
		r.Totals.MessagesSeen += res.MessagesSeen
		r.Totals.ChunksAdded += res.ChunksAdded
		r.Totals.ChunksFailed += res.ChunksFailed
	}
}

// TotalFailure reports whether sources were attempted and none finished.
func (r *Report) TotalFailure() bool {
	return r.Totals.Sources > 0 && r.Totals.Done == 0
}
