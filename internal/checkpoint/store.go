// Package checkpoint persists per-channel watermarks and the set of recently
// processed message IDs between sync runs.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slack-indexer/internal/source"
)

const processedNote = "Recent message IDs already indexed; oldest entries are evicted first."

type Options struct {
	Dir             string
	DefaultLookback time.Duration
	MaxProcessedIDs int
	Now             func() time.Time
}

// Store owns the checkpoint files in a state directory. All writes go
// through one mutex so concurrent source workers commit in turn.
type Store struct {
	dir      string
	lookback time.Duration
	maxIDs   int
	now      func() time.Time

	mu  sync.Mutex
	rec *Record
}

func NewStore(opts Options) *Store {
	s := &Store{
		dir:      opts.Dir,
		lookback: opts.DefaultLookback,
		maxIDs:   opts.MaxProcessedIDs,
		now:      opts.Now,
	}
	if s.lookback <= 0 {
		s.lookback = DefaultLookback
	}
	if s.maxIDs == 0 {
		s.maxIDs = DefaultMaxProcessedIDs
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Path(file string) string {
	return filepath.Join(s.dir, file)
}

// Load reads the tracking and processed files as they are. It returns
// ErrNoState when no tracking file exists and ErrCorruptState when either
// file cannot be parsed.
func (s *Store) Load() (*Record, error) {
	sources, err := s.loadTracking()
	if err != nil {
		return nil, err
	}
	rec := NewRecord()
	rec.Sources = sources
	ids, lastRun, err := s.loadProcessed()
	switch {
	case err == nil:
		rec.Processed = ids
		rec.LastRun = lastRun
	case !errors.Is(err, ErrNoState):
		return nil, err
	}
	return rec, nil
}

// LoadOrMigrate prepares the record for a run. A missing tracking file is
// seeded from the legacy global timestamp when one exists. Unreadable files
// degrade to the default lookback instead of failing. Every source in known
// ends up with a watermark.
//
// A non-nil record is always returned; the error only reports that a
// migration could not be written and will be retried on the next commit.
func (s *Store) LoadOrMigrate(known []source.SourceRef) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := NewRecord()

	ids, lastRun, err := s.loadProcessed()
	switch {
	case err == nil:
		rec.Processed = ids
		rec.LastRun = lastRun
	case errors.Is(err, ErrNoState):
	default:
		log.Warn().Err(err).Msg("Processed message IDs unreadable, starting with an empty set")
		s.quarantine(ProcessedFile, now)
	}

	var persistErr error
	sources, err := s.loadTracking()
	switch {
	case err == nil:
		rec.Sources = sources
	case errors.Is(err, ErrNoState):
		persistErr = s.migrateLegacy(rec, known, now)
	default:
		log.Warn().Err(err).Msg("Channel tracking unreadable, falling back to default lookback")
		s.quarantine(TrackingFile, now)
	}

	seedMissing(rec, known, now, s.lookback)
	s.rec = rec.Clone()
	return rec, persistErr
}

// migrateLegacy copies the old global timestamp onto every known source and
// writes the new files. The legacy file itself is left untouched.
func (s *Store) migrateLegacy(rec *Record, known []source.SourceRef, now time.Time) error {
	ts, readableTS, err := s.loadLegacy()
	if err != nil {
		if !errors.Is(err, ErrNoState) {
			log.Warn().Err(err).Msg("Legacy timestamp unreadable, skipping migration")
		}
		return nil
	}
	if len(known) == 0 {
		log.Warn().Msg("No channels known yet, deferring legacy migration")
		return nil
	}

	names := make([]string, 0, len(known))
	for _, ref := range known {
		rec.Sources[ref.Name] = SourceState{
			SourceID:  ref.ID,
			Watermark: ts,
			UpdatedAt: now,
			Migrated:  true,
			Note:      "Migrated from " + LegacyFile,
		}
		names = append(names, ref.Name)
	}
	if ts > rec.LastRun {
		rec.LastRun = ts
	}
	sort.Strings(names)

	log.Info().
		Float64("last_update", ts).
		Int("channels", len(names)).
		Msg("Migrating legacy checkpoint to per-channel tracking")

	entry := MigrationLog{
		MigrationDate: now.UTC().Format(time.RFC3339),
		OldSystem: MigrationOld{
			LastUpdate:         ts,
			LastUpdateReadable: readableTS,
			FileExisted:        true,
		},
		NewSystem: MigrationNew{
			ChannelsTracked: len(names),
			Channels:        names,
			FilesCreated:    []string{TrackingFile, ProcessedFile},
		},
	}

	writeErr := s.write(rec)
	entry.Success = writeErr == nil
	if writeErr != nil {
		entry.Notes = append(entry.Notes, writeErr.Error())
	}
	if err := writeJSONAtomic(s.Path(MigrationLogFile), entry); err != nil {
		log.Warn().Err(err).Msg("Failed to write migration log")
	}
	return writeErr
}

// Save merges rec into what is on disk and persists the result atomically.
// Watermarks never move backwards through Save.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(rec)
}

// Commit records that a source's messages up to watermark, and the given
// ids, are indexed, then persists immediately.
func (s *Store) Commit(ref source.SourceRef, watermark float64, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec == nil {
		s.rec = NewRecord()
	}
	now := s.now()
	st := s.rec.Sources[ref.Name]
	if watermark > st.Watermark {
		st.Watermark = watermark
		st.Note = ""
	}
	if ref.ID != "" {
		st.SourceID = ref.ID
	}
	st.UpdatedAt = now
	s.rec.Sources[ref.Name] = st

	for _, id := range ids {
		s.rec.Processed.Add(id)
	}
	TrimProcessedIDs(s.rec.Processed, s.maxIDs)
	if run := source.Seconds(now); run > s.rec.LastRun {
		s.rec.LastRun = run
	}
	return s.saveLocked(s.rec)
}

// IsProcessed reports whether id was already indexed.
func (s *Store) IsProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec != nil && s.rec.Processed.Contains(id)
}

// Watermark returns the in-memory watermark for a source name.
func (s *Store) Watermark(name string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return 0, false
	}
	return s.rec.Watermark(name)
}

// Snapshot returns a copy of the in-memory record.
func (s *Store) Snapshot() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return NewRecord()
	}
	return s.rec.Clone()
}

// Reset forces the named sources (all tracked sources when names is empty)
// to watermark, bypassing the forward-only merge. It is an operator action.
func (s *Store) Reset(names []string, watermark float64, clearProcessed bool) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Load()
	if err != nil {
		if !errors.Is(err, ErrNoState) && !errors.Is(err, ErrCorruptState) {
			return nil, err
		}
		rec = NewRecord()
	}
	if len(names) == 0 {
		for name := range rec.Sources {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("reset: no channels tracked")
	}

	now := s.now()
	for _, name := range names {
		st := rec.Sources[name]
		st.Watermark = watermark
		st.UpdatedAt = now
		st.Note = "Reset by operator"
		rec.Sources[name] = st
	}
	if clearProcessed {
		rec.Processed = NewProcessedIDs()
	}
	if err := s.write(rec); err != nil {
		return nil, err
	}
	s.rec = rec.Clone()
	return rec, nil
}

// Inspection is the state directory as seen by a read-only observer.
type Inspection struct {
	Record          *Record
	TrackingExists  bool
	ProcessedExists bool
	LegacyExists    bool
	LegacyWatermark float64
	Migration       *MigrationLog
}

// Inspect reads the state directory without modifying it.
func (s *Store) Inspect() (*Inspection, error) {
	out := &Inspection{Record: NewRecord()}

	sources, err := s.loadTracking()
	switch {
	case err == nil:
		out.TrackingExists = true
		out.Record.Sources = sources
	case !errors.Is(err, ErrNoState):
		return nil, err
	}

	ids, lastRun, err := s.loadProcessed()
	switch {
	case err == nil:
		out.ProcessedExists = true
		out.Record.Processed = ids
		out.Record.LastRun = lastRun
	case !errors.Is(err, ErrNoState):
		return nil, err
	}

	ts, _, err := s.loadLegacy()
	if err == nil {
		out.LegacyExists = true
		out.LegacyWatermark = ts
	} else if errors.Is(err, ErrCorruptState) {
		out.LegacyExists = true
	}

	var ml MigrationLog
	if err := readJSON(s.Path(MigrationLogFile), &ml); err == nil {
		out.Migration = &ml
	}
	return out, nil
}

func (s *Store) saveLocked(rec *Record) error {
	base := NewRecord()
	if sources, err := s.loadTracking(); err == nil {
		base.Sources = sources
	}
	if ids, lastRun, err := s.loadProcessed(); err == nil {
		base.Processed = ids
		base.LastRun = lastRun
	}
	merged := merge(base, rec, s.maxIDs)
	if err := s.write(merged); err != nil {
		return err
	}
	s.rec = merged
	return nil
}

// write persists rec. The processed set goes first: if the process dies in
// between, the next run refetches from the old watermark and drops the
// already-recorded ids.
func (s *Store) write(rec *Record) error {
	now := s.now().UTC().Format(time.RFC3339)

	pf := processedFile{
		ProcessedIDs: rec.Processed.IDs(),
		TotalCount:   rec.Processed.Len(),
		LastUpdated:  now,
		LastRun:      rec.LastRun,
		Note:         processedNote,
	}
	if pf.ProcessedIDs == nil {
		pf.ProcessedIDs = []string{}
	}
	if err := writeJSONAtomic(s.Path(ProcessedFile), pf); err != nil {
		return err
	}

	tf := make(trackingFile, len(rec.Sources))
	for name, st := range rec.Sources {
		updated := ""
		if !st.UpdatedAt.IsZero() {
			updated = st.UpdatedAt.UTC().Format(time.RFC3339)
		}
		tf[name] = trackingEntry{
			LastUpdate:         st.Watermark,
			LastUpdateReadable: readable(st.Watermark),
			LastUpdatedAt:      updated,
			Migrated:           st.Migrated,
			ChannelID:          st.SourceID,
			Note:               st.Note,
		}
	}
	return writeJSONAtomic(s.Path(TrackingFile), tf)
}

func (s *Store) loadTracking() (map[string]SourceState, error) {
	var tf trackingFile
	if err := readJSON(s.Path(TrackingFile), &tf); err != nil {
		return nil, err
	}
	out := make(map[string]SourceState, len(tf))
	for name, e := range tf {
		st := SourceState{
			SourceID:  e.ChannelID,
			Watermark: e.LastUpdate,
			Migrated:  e.Migrated,
			Note:      e.Note,
			OldFormat: e.bare,
		}
		if e.LastUpdatedAt != "" {
			if t, err := time.Parse(time.RFC3339, e.LastUpdatedAt); err == nil {
				st.UpdatedAt = t
			}
		}
		out[name] = st
	}
	return out, nil
}

func (s *Store) loadProcessed() (*ProcessedIDs, float64, error) {
	var pf processedFile
	if err := readJSON(s.Path(ProcessedFile), &pf); err != nil {
		return nil, 0, err
	}
	return NewProcessedIDs(pf.ProcessedIDs...), pf.LastRun, nil
}

func (s *Store) loadLegacy() (float64, string, error) {
	path := s.Path(LegacyFile)
	var lf legacyFile
	if err := readJSON(path, &lf); err != nil {
		return 0, "", err
	}
	ts, err := lf.LastUpdate.Float64()
	if err != nil || ts <= 0 {
		return 0, "", fmt.Errorf("%w: %s: last_update %q is not a timestamp", ErrCorruptState, path, lf.LastUpdate)
	}
	return ts, lf.LastUpdateReadable, nil
}

// quarantine moves an unreadable file aside so the next write does not
// destroy it.
func (s *Store) quarantine(file string, now time.Time) {
	src := s.Path(file)
	dst := fmt.Sprintf("%s.corrupt-%d", src, now.Unix())
	if err := os.Rename(src, dst); err != nil {
		log.Warn().Err(err).Str("file", src).Msg("Failed to move corrupt state aside")
		return
	}
	log.Warn().Str("file", dst).Msg("Moved corrupt state aside")
}
