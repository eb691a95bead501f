package status

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"slack-indexer/internal/sink"
)

type InspectOptions struct {
	// SampleSize is how many vectors the sample query pulls.
	SampleSize int
	// Recent is the window counted as recent by chunk timestamp.
	Recent  time.Duration
	Samples int
	Now     func() time.Time
}

func DefaultInspectOptions() InspectOptions {
	return InspectOptions{
		SampleSize: 50,
		Recent:     24 * time.Hour,
		Samples:    3,
		Now:        time.Now,
	}
}

type Sample struct {
	Key     string `json:"key"`
	Channel string `json:"channel"`
	Pass    string `json:"update_type"`
	Preview string `json:"preview"`
}

type IndexReport struct {
	Stats      sink.Stats     `json:"stats"`
	Sampled    int            `json:"sampled"`
	ByChannel  map[string]int `json:"by_channel"`
	ByPass     map[string]int `json:"by_update_type"`
	Recent     int            `json:"recent"`
	RecentSpan time.Duration  `json:"recent_span_ns"`
	Samples    []Sample       `json:"samples,omitempty"`
}

// Channels returns the sampled channel names, busiest first.
func (r *IndexReport) Channels() []string {
	out := make([]string, 0, len(r.ByChannel))
	for name := range r.ByChannel {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		if r.ByChannel[out[i]] != r.ByChannel[out[j]] {
			return r.ByChannel[out[i]] > r.ByChannel[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// Inspect samples the sink with a zero vector, which scores every entry
// equally, and breaks the sample down by channel and pass.
func Inspect(ctx context.Context, snk sink.Sink, opts InspectOptions) (*IndexReport, error) {
	def := DefaultInspectOptions()
	if opts.SampleSize <= 0 {
		opts.SampleSize = def.SampleSize
	}
	if opts.Recent <= 0 {
		opts.Recent = def.Recent
	}
	if opts.Samples < 0 {
		opts.Samples = 0
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}

	stats, err := snk.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("sink stats: %w", err)
	}
	rep := &IndexReport{
		Stats:      stats,
		ByChannel:  make(map[string]int),
		ByPass:     make(map[string]int),
		RecentSpan: opts.Recent,
	}
	if stats.Vectors == 0 {
		return rep, nil
	}

	dim := stats.Dimension
	if dim <= 0 {
		dim = 1
	}
	matches, err := snk.Query(ctx, make([]float32, dim), opts.SampleSize, nil)
	if err != nil {
		return nil, fmt.Errorf("sample query: %w", err)
	}

	cutoff := float64(opts.Now().Add(-opts.Recent).UnixNano()) / 1e9
	rep.Sampled = len(matches)
	for i, m := range matches {
		channel := metaString(m.Metadata, "channel_name", "unknown")
		pass := metaString(m.Metadata, "update_type", "unknown")
		rep.ByChannel[channel]++
		rep.ByPass[pass]++
		if ts, err := strconv.ParseFloat(metaString(m.Metadata, "timestamp", ""), 64); err == nil && ts >= cutoff {
			rep.Recent++
		}
		if i < opts.Samples {
			text := m.Text
			if text == "" {
				text = metaString(m.Metadata, sink.TextField, "")
			}
			rep.Samples = append(rep.Samples, Sample{
				Key:     m.Key,
				Channel: channel,
				Pass:    pass,
				Preview: preview(text, 100),
			})
		}
	}
	return rep, nil
}

func metaString(md map[string]any, key, fallback string) string {
	v, ok := md[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func preview(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}
