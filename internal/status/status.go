// Package status answers "is the indexer keeping up?" from the state
// directory and the vector sink. Nothing here writes.
package status

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"slack-indexer/internal/checkpoint"
	"slack-indexer/internal/queue"
	"slack-indexer/internal/source"
)

// DefaultStaleAfter is how old a channel's watermark may get before it is
// reported as stale.
const DefaultStaleAfter = 25 * time.Hour

type Verdict string

const (
	VerdictOK    Verdict = "ok"
	VerdictStale Verdict = "stale"
	VerdictNever Verdict = "never_synced"
)

type Health string

const (
	HealthHealthy       Health = "healthy"
	HealthDegraded      Health = "degraded"
	HealthUninitialized Health = "uninitialized"
)

type Options struct {
	StaleAfter time.Duration
	// Queue adds failed-upsert counts to the report when set.
	Queue *queue.Queue
	Now   func() time.Time
	// RetryDelay is the pause before re-reading a file that failed to parse.
	RetryDelay time.Duration
}

type SourceStatus struct {
	Name      string        `json:"name"`
	SourceID  string        `json:"source_id,omitempty"`
	Watermark float64       `json:"watermark"`
	LastSync  time.Time     `json:"last_sync"`
	Readable  string        `json:"last_sync_readable"`
	Age       time.Duration `json:"age_ns"`
	UpdatedAt *time.Time    `json:"updated_at,omitempty"`
	Migrated  bool          `json:"migrated"`
	Note      string        `json:"note,omitempty"`
	Verdict   Verdict       `json:"verdict"`
}

type Report struct {
	StateDir    string         `json:"state_dir"`
	GeneratedAt time.Time      `json:"generated_at"`
	Health      Health         `json:"health"`
	Sources     []SourceStatus `json:"sources"`
	Stale       int            `json:"stale"`

	ProcessedIDs int        `json:"processed_ids"`
	LastRun      *time.Time `json:"last_run,omitempty"`

	TrackingExists  bool                     `json:"tracking_exists"`
	LegacyExists    bool                     `json:"legacy_exists"`
	LegacyWatermark float64                  `json:"legacy_watermark,omitempty"`
	Migration       *checkpoint.MigrationLog `json:"migration,omitempty"`

	Queue    *queue.Stats `json:"queue,omitempty"`
	Warnings []string     `json:"warnings,omitempty"`
}

type Reporter struct {
	store *checkpoint.Store
	opts  Options
}

func NewReporter(store *checkpoint.Store, opts Options) *Reporter {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	return &Reporter{store: store, opts: opts}
}

// Report reads the checkpoint files once, or twice when the first read
// catches a file mid-replace.
func (r *Reporter) Report() (*Report, error) {
	ins, err := r.store.Inspect()
	if errors.Is(err, checkpoint.ErrCorruptState) {
		log.Debug().Err(err).Msg("State unreadable, retrying once")
		time.Sleep(r.opts.RetryDelay)
		ins, err = r.store.Inspect()
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	now := r.opts.Now()
	rep := &Report{
		StateDir:        r.store.Dir(),
		GeneratedAt:     now,
		ProcessedIDs:    ins.Record.Processed.Len(),
		TrackingExists:  ins.TrackingExists,
		LegacyExists:    ins.LegacyExists,
		LegacyWatermark: ins.LegacyWatermark,
		Migration:       ins.Migration,
	}
	if ins.Record.LastRun > 0 {
		t := source.TimeOf(ins.Record.LastRun)
		rep.LastRun = &t
	}

	for name, st := range ins.Record.Sources {
		ss := r.sourceStatus(name, st, now)
		if ss.Verdict != VerdictOK {
			rep.Stale++
		}
		rep.Sources = append(rep.Sources, ss)
	}
	sort.Slice(rep.Sources, func(i, j int) bool { return rep.Sources[i].Name < rep.Sources[j].Name })

	if r.opts.Queue != nil {
		qs, err := r.opts.Queue.Stats()
		if err != nil {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("retry queue: %v", err))
		} else {
			rep.Queue = qs
			if qs.ExpiredCount > 0 {
				rep.Warnings = append(rep.Warnings, fmt.Sprintf("%d chunk upserts exhausted their retries", qs.ExpiredCount))
			}
		}
	}

	switch {
	case !rep.TrackingExists:
		rep.Health = HealthUninitialized
		if rep.LegacyExists {
			rep.Warnings = append(rep.Warnings, "legacy checkpoint present, run migrate or sync to convert it")
		}
	case rep.Stale > 0 || len(rep.Warnings) > 0:
		rep.Health = HealthDegraded
	default:
		rep.Health = HealthHealthy
	}
	return rep, nil
}

func (r *Reporter) sourceStatus(name string, st checkpoint.SourceState, now time.Time) SourceStatus {
	ss := SourceStatus{
		Name:      name,
		SourceID:  st.SourceID,
		Watermark: st.Watermark,
		Migrated:  st.Migrated,
		Note:      st.Note,
	}
	if !st.UpdatedAt.IsZero() {
		t := st.UpdatedAt
		ss.UpdatedAt = &t
	}
	if st.Watermark <= 0 {
		ss.Verdict = VerdictNever
		return ss
	}
	ss.LastSync = source.TimeOf(st.Watermark)
	ss.Readable = ss.LastSync.UTC().Format("2006-01-02 15:04:05")
	ss.Age = now.Sub(ss.LastSync)
	ss.Verdict = VerdictOK
	if ss.Age > r.opts.StaleAfter {
		ss.Verdict = VerdictStale
	}
	return ss
}
