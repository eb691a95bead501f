package checkpoint

import (
	"time"

	"slack-indexer/internal/source"
)

// DefaultMaxProcessedIDs bounds processed_messages.json.
const DefaultMaxProcessedIDs = 10000

// DefaultLookback is how far back a source with no usable watermark starts.
const DefaultLookback = 24 * time.Hour

// SourceState is the per-source cursor.
type SourceState struct {
	SourceID  string
	Watermark float64
	UpdatedAt time.Time
	Migrated  bool
	Note      string

	// OldFormat is set when the entry was read from a bare number rather
	// than an object. It is not persisted: the next save normalises it.
	OldFormat bool
}

// Record is the full checkpoint: every source watermark plus the processed
// message ID set.
type Record struct {
	Sources   map[string]SourceState // keyed by source name
	Processed *ProcessedIDs
	LastRun   float64
}

func NewRecord() *Record {
	return &Record{
		Sources:   make(map[string]SourceState),
		Processed: NewProcessedIDs(),
	}
}

// DefaultRecord seeds every source at now-lookback.
func DefaultRecord(known []source.SourceRef, now time.Time, lookback time.Duration) *Record {
	rec := NewRecord()
	seedMissing(rec, known, now, lookback)
	return rec
}

// Watermark returns the source's watermark and whether it is tracked.
func (r *Record) Watermark(name string) (float64, bool) {
	st, ok := r.Sources[name]
	return st.Watermark, ok
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		Sources:   make(map[string]SourceState, len(r.Sources)),
		Processed: r.Processed.Clone(),
		LastRun:   r.LastRun,
	}
	for name, st := range r.Sources {
		out.Sources[name] = st
	}
	return out
}

func seedMissing(rec *Record, known []source.SourceRef, now time.Time, lookback time.Duration) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	seed := source.Seconds(now.Add(-lookback))
	for _, ref := range known {
		st, ok := rec.Sources[ref.Name]
		if !ok {
			rec.Sources[ref.Name] = SourceState{
				SourceID:  ref.ID,
				Watermark: seed,
				UpdatedAt: now,
				Note:      "seeded with default lookback",
			}
			continue
		}
		if st.SourceID == "" {
			st.SourceID = ref.ID
			rec.Sources[ref.Name] = st
		}
	}
}

// merge folds update into base. Watermarks only move forward; sources
// present only in base are kept.
func merge(base, update *Record, maxIDs int) *Record {
	out := base.Clone()
	if out == nil {
		out = NewRecord()
	}
	if update == nil {
		return out
	}
	for name, st := range update.Sources {
		cur, ok := out.Sources[name]
		if ok && cur.Watermark > st.Watermark {
			st.Watermark = cur.Watermark
		}
		if st.SourceID == "" {
			st.SourceID = cur.SourceID
		}
		st.OldFormat = false
		out.Sources[name] = st
	}
	for _, id := range update.Processed.IDs() {
		out.Processed.Add(id)
	}
	TrimProcessedIDs(out.Processed, maxIDs)
	if update.LastRun > out.LastRun {
		out.LastRun = update.LastRun
	}
	return out
}
