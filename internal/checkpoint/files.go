package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	TrackingFile     = "channel_tracking.json"
	ProcessedFile    = "processed_messages.json"
	LegacyFile       = "last_update.json"
	MigrationLogFile = "migration_log.json"

	readableLayout = "2006-01-02 15:04:05"
)

var (
	// ErrCorruptState means a state file exists but cannot be parsed.
	ErrCorruptState = errors.New("corrupt checkpoint state")
	// ErrPersistence means a state file could not be written.
	ErrPersistence = errors.New("checkpoint persistence failed")
	// ErrNoState means the file has never been written.
	ErrNoState = errors.New("no checkpoint state")
)

// trackingEntry is one value of channel_tracking.json. Older files stored a
// bare timestamp instead of an object; both are accepted on read.
type trackingEntry struct {
	LastUpdate         float64 `json:"last_update" jsonschema:"description=Unix seconds of the newest indexed message"`
	LastUpdateReadable string  `json:"last_update_readable,omitempty"`
	LastUpdatedAt      string  `json:"last_updated_at,omitempty" jsonschema:"format=date-time"`
	Migrated           bool    `json:"migrated_from_old_system,omitempty"`
	ChannelID          string  `json:"channel_id,omitempty"`
	Note               string  `json:"note,omitempty"`

	bare bool
}

func (e *trackingEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty tracking entry")
	}
	switch data[0] {
	case '{':
		type plain trackingEntry
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*e = trackingEntry(p)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("tracking entry %q is not a timestamp", s)
		}
		*e = trackingEntry{LastUpdate: f, bare: true}
		return nil
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*e = trackingEntry{LastUpdate: f, bare: true}
		return nil
	}
}

type trackingFile map[string]trackingEntry

type processedFile struct {
	ProcessedIDs []string `json:"processed_ids"`
	TotalCount   int      `json:"total_count"`
	LastUpdated  string   `json:"last_updated,omitempty" jsonschema:"format=date-time"`
	LastRun      float64  `json:"last_run,omitempty" jsonschema:"description=Unix seconds of the last completed run"`
	Note         string   `json:"note,omitempty"`
}

// legacyFile is the single global timestamp written by the old system. It
// is only ever read.
type legacyFile struct {
	LastUpdate         json.Number `json:"last_update"`
	LastUpdateReadable string      `json:"last_update_readable,omitempty"`
}

// MigrationLog records a one-shot legacy migration.
type MigrationLog struct {
	MigrationDate string       `json:"migration_date"`
	OldSystem     MigrationOld `json:"old_system"`
	NewSystem     MigrationNew `json:"new_system"`
	Success       bool         `json:"migration_success"`
	Notes         []string     `json:"notes,omitempty"`
}

type MigrationOld struct {
	LastUpdate         float64 `json:"last_update"`
	LastUpdateReadable string  `json:"last_update_readable"`
	FileExisted        bool    `json:"file_existed"`
}

type MigrationNew struct {
	ChannelsTracked int      `json:"channels_tracked"`
	Channels        []string `json:"channels"`
	FilesCreated    []string `json:"files_created"`
}

func readable(ts float64) string {
	if ts <= 0 {
		return ""
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(readableLayout)
}

// readJSON decodes path into v. A missing file yields ErrNoState, a parse
// failure ErrCorruptState.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoState, path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrCorruptState, path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistence, path, err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// writeFileAtomic writes via a sibling temp file and rename so readers see
// either the old or the new content.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
