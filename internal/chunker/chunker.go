// Package chunker groups ordered channel messages into overlapping context
// windows ready for embedding.
package chunker

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"slack-indexer/internal/source"
)

const (
	DefaultWindowSize = 5
	DefaultOverlap    = 2

	// PassIncremental discriminates chunk keys written by incremental runs
	// from those of a full export.
	PassIncremental = "incremental"
)

// ErrInvalidConfig is returned for a window/overlap combination that cannot
// make progress.
var ErrInvalidConfig = errors.New("invalid chunker config")

// Options controls the sliding window.
type Options struct {
	WindowSize int
	Overlap    int
	Pass       string
}

// DefaultOptions returns the 5/2 window used for incremental runs.
func DefaultOptions() Options {
	return Options{
		WindowSize: DefaultWindowSize,
		Overlap:    DefaultOverlap,
		Pass:       PassIncremental,
	}
}

// Validate checks 0 < overlap < windowSize.
func (o Options) Validate() error {
	if o.WindowSize <= 0 {
		return fmt.Errorf("%w: window size must be > 0, got %d", ErrInvalidConfig, o.WindowSize)
	}
	if o.Overlap <= 0 {
		return fmt.Errorf("%w: overlap must be > 0, got %d", ErrInvalidConfig, o.Overlap)
	}
	if o.Overlap >= o.WindowSize {
		return fmt.Errorf("%w: overlap (%d) must be smaller than window size (%d)", ErrInvalidConfig, o.Overlap, o.WindowSize)
	}
	return nil
}

// Chunk is one rendered window of messages.
type Chunk struct {
	Key          string   `json:"key"`
	SourceID     string   `json:"source_id"`
	SourceName   string   `json:"source_name"`
	Index        int      `json:"chunk_index"` // 1-based within the pass
	Total        int      `json:"total_chunks"`
	MessageCount int      `json:"message_count"`
	Timestamp    string   `json:"timestamp"` // TS of the window's first message
	Text         string   `json:"text"`
	MessageIDs   []string `json:"message_ids"`
	Pass         string   `json:"update_type"`
}

// Metadata is what gets stored next to the vector.
func (c Chunk) Metadata() map[string]any {
	return map[string]any{
		"channel_name":  c.SourceName,
		"channel_id":    c.SourceID,
		"chunk_index":   c.Index,
		"total_chunks":  c.Total,
		"message_count": c.MessageCount,
		"timestamp":     c.Timestamp,
		"update_type":   c.Pass,
	}
}

// Key derives the idempotency key of a chunk. It never depends on anything
// but its inputs, so re-running a pass overwrites instead of duplicating.
func Key(sourceID, firstTS, pass string) string {
	if pass == "" {
		return sourceID + "_" + firstTS
	}
	return sourceID + "_" + firstTS + "_" + pass
}

// Group slides a window of opts.WindowSize messages over msgs, advancing by
// WindowSize-Overlap each step. msgs must already be sorted by timestamp.
func Group(ref source.SourceRef, msgs []source.RawMessage, authors source.Authors, opts Options) ([]Chunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	step := opts.WindowSize - opts.Overlap
	var chunks []Chunk
	for start := 0; start < len(msgs); start += step {
		end := start + opts.WindowSize
		if end > len(msgs) {
			end = len(msgs)
		}
		window := msgs[start:end]

		lines := make([]string, 0, len(window))
		for _, m := range window {
			if line, ok := render(m, authors); ok {
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			continue
		}

		ids := make([]string, 0, len(window))
		for _, m := range window {
			ids = append(ids, m.ID)
		}

		chunks = append(chunks, Chunk{
			Key:          Key(ref.ID, window[0].TS, opts.Pass),
			SourceID:     ref.ID,
			SourceName:   ref.Name,
			MessageCount: len(lines),
			Timestamp:    window[0].TS,
			Text:         strings.Join(lines, "\n"),
			MessageIDs:   ids,
			Pass:         opts.Pass,
		})
	}

	for i := range chunks {
		chunks[i].Index = i + 1
		chunks[i].Total = len(chunks)
	}
	return chunks, nil
}

// render formats a message as "[author]: text". Messages without an author
// or text (joins, bot posts, file shares) are not renderable.
func render(m source.RawMessage, authors source.Authors) (string, bool) {
	if m.Author == "" || strings.TrimSpace(m.Text) == "" {
		return "", false
	}
	name := norm.NFC.String(authors.Name(m.Author))
	text := norm.NFC.String(m.Text)
	return "[" + name + "]: " + text, true
}
