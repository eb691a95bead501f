package slack

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slack-indexer/internal/retry"
	"slack-indexer/internal/source"
)

func noSleepPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts}.WithSleep(func(ctx context.Context, d time.Duration) error {
		return nil
	})
}

func newTestClient(t *testing.T, handler http.HandlerFunc, attempts int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		Token:   "xoxb-test",
		BaseURL: srv.URL,
		Policy:  noSleepPolicy(attempts),
	})
}

func TestFetchMessagesSince_PaginatesAndSortsAscending(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations.history", r.URL.Path)
		require.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		require.Equal(t, "C1", r.URL.Query().Get("channel"))
		require.Equal(t, "100.000000", r.URL.Query().Get("oldest"))

		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"ok":true,"has_more":true,"response_metadata":{"next_cursor":"page2"},
				"messages":[{"user":"U1","text":"newest","ts":"105.000200"},{"user":"U2","text":"middle","ts":"103.000100"}]}`)
		case "page2":
			fmt.Fprint(w, `{"ok":true,"has_more":false,"messages":[{"user":"U1","text":"oldest","ts":"101.000000"},{"text":"bad","ts":"nope"}]}`)
		default:
			t.Fatalf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}, 1)

	msgs, err := client.FetchMessagesSince(context.Background(), "C1", 100)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "101.000000", msgs[0].ID)
	assert.Equal(t, "103.000100", msgs[1].ID)
	assert.Equal(t, "105.000200", msgs[2].TS)
	assert.InDelta(t, 105.0002, msgs[2].Timestamp, 1e-9)
	assert.Equal(t, "U1", msgs[0].Author)
}

func TestFetchMessagesSince_ReturnsPartialOnFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{"ok":true,"has_more":true,"response_metadata":{"next_cursor":"p2"},"messages":[{"user":"U1","text":"a","ts":"200.1"}]}`)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}, 2)

	msgs, err := client.FetchMessagesSince(context.Background(), "C1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrTransient)
	require.Len(t, msgs, 1)
	assert.Equal(t, "200.1", msgs[0].ID)
}

func TestCall_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"ok":true,"channels":[{"id":"C1","name":"general"},{"id":"C2","name":"creative"}]}`)
	}, 3)

	refs, err := client.ListSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []source.SourceRef{{ID: "C1", Name: "general"}, {ID: "C2", Name: "creative"}}, refs)
}

func TestCall_APIErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"ok":false,"error":"channel_not_found"}`)
	}, 5)

	_, err := client.FetchMessagesSince(context.Background(), "CX", 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "channel_not_found", apiErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListAuthors_PrefersDisplayName(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users.list", r.URL.Path)
		fmt.Fprint(w, `{"ok":true,"members":[
			{"id":"U1","name":"alice","profile":{"display_name":"Ali","real_name":"Alice A"}},
			{"id":"U2","name":"bob","profile":{"display_name":"","real_name":"Bob B"}},
			{"id":"U3","name":"carol","profile":{}}]}`)
	}, 1)

	authors, err := client.ListAuthors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"U1": "Ali", "U2": "Bob B", "U3": "carol"}, authors)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
