package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTransient marks upstream failures that are worth retrying (network
// errors, 5xx responses).
var ErrTransient = errors.New("transient upstream error")

// ErrRateLimited is matched by RateLimitedError via errors.Is.
var ErrRateLimited = errors.New("rate limited")

// RateLimitedError is returned when the upstream asked us to slow down.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter <= 0 {
		return "rate limited"
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited || target == ErrTransient
}

// SourceRef identifies a channel/feed being synchronized.
type SourceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RawMessage is a single upstream message.
//
// TS keeps the upstream timestamp exactly as delivered so that chunk keys
// derived from it are stable; Timestamp is its parsed value.
type RawMessage struct {
	ID        string  `json:"id"`
	Author    string  `json:"author,omitempty"`
	Text      string  `json:"text,omitempty"`
	TS        string  `json:"ts"`
	Timestamp float64 `json:"timestamp"`
}

// Upstream is the paginated chat API the sync engine reads from.
type Upstream interface {
	// ListSources returns every channel visible to the credentials.
	ListSources(ctx context.Context) ([]SourceRef, error)

	// FetchMessagesSince drains all messages with timestamp >= since, sorted
	// ascending. If draining fails part way, the messages collected so far are
	// returned together with the error.
	FetchMessagesSince(ctx context.Context, sourceID string, since float64) ([]RawMessage, error)

	// ListAuthors maps author IDs to display names.
	ListAuthors(ctx context.Context) (map[string]string, error)
}

// Authors is a read-only author ID to display name lookup.
type Authors map[string]string

// Name resolves an author ID, falling back to the ID itself.
func (a Authors) Name(id string) string {
	if name, ok := a[id]; ok && name != "" {
		return name
	}
	return id
}

// TrimChannelPrefix strips leading '#' characters from a channel name.
func TrimChannelPrefix(name string) string {
	return strings.TrimLeft(name, "#")
}

// FindByName returns the source whose name matches, ignoring a leading '#'.
func FindByName(refs []SourceRef, name string) (SourceRef, bool) {
	name = TrimChannelPrefix(name)
	for _, ref := range refs {
		if ref.Name == name {
			return ref, true
		}
	}
	return SourceRef{}, false
}

// TimeOf converts a float seconds timestamp into a time.Time.
func TimeOf(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// Seconds converts a time.Time into float seconds.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
