package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"slack-indexer/internal/retry"
	"slack-indexer/internal/source"
)

const defaultBaseURL = "https://slack.com/api"

// APIError is a Slack response with ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

type Options struct {
	Token      string
	BaseURL    string
	PageSize   int
	PageDelay  time.Duration // pause between history pages
	Policy     retry.Policy
	HTTPClient *http.Client
}

// Client implements source.Upstream against the Slack Web API.
type Client struct {
	baseURL    string
	token      string
	pageSize   int
	pageDelay  time.Duration
	policy     retry.Policy
	httpClient *http.Client
}

var _ source.Upstream = (*Client)(nil)

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		pageSize:   pageSize,
		pageDelay:  opts.PageDelay,
		policy:     opts.Policy,
		httpClient: httpClient,
	}
}

type responseMetadata struct {
	NextCursor string `json:"next_cursor"`
}

type envelope struct {
	OK               bool             `json:"ok"`
	Error            string           `json:"error"`
	ResponseMetadata responseMetadata `json:"response_metadata"`
}

type channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type conversationsListResponse struct {
	envelope
	Channels []channel `json:"channels"`
}

type message struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	User    string `json:"user"`
	BotID   string `json:"bot_id"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
}

type historyResponse struct {
	envelope
	Messages []message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

type member struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Profile struct {
		DisplayName string `json:"display_name"`
		RealName    string `json:"real_name"`
	} `json:"profile"`
}

type usersListResponse struct {
	envelope
	Members []member `json:"members"`
}

func (c *Client) ListSources(ctx context.Context) ([]source.SourceRef, error) {
	var refs []source.SourceRef
	cursor := ""
	for {
		q := url.Values{}
		q.Set("types", "public_channel,private_channel")
		q.Set("exclude_archived", "true")
		q.Set("limit", "200")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp conversationsListResponse
		if err := c.call(ctx, "conversations.list", q, &resp); err != nil {
			return refs, err
		}
		for _, ch := range resp.Channels {
			refs = append(refs, source.SourceRef{ID: ch.ID, Name: ch.Name})
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return refs, nil
		}
	}
}

func (c *Client) FetchMessagesSince(ctx context.Context, sourceID string, since float64) ([]source.RawMessage, error) {
	var out []source.RawMessage
	cursor := ""
	pages := 0
	for {
		q := url.Values{}
		q.Set("channel", sourceID)
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("oldest", strconv.FormatFloat(since, 'f', 6, 64))
		q.Set("inclusive", "true")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp historyResponse
		if err := c.call(ctx, "conversations.history", q, &resp); err != nil {
			sortAscending(out)
			return out, err
		}
		pages++
		for _, m := range resp.Messages {
			raw, ok := toRawMessage(m)
			if !ok {
				continue
			}
			out = append(out, raw)
		}

		cursor = resp.ResponseMetadata.NextCursor
		if !resp.HasMore || cursor == "" {
			break
		}
		if err := retry.Wait(ctx, c.pageDelay); err != nil {
			sortAscending(out)
			return out, err
		}
	}

	sortAscending(out)
	log.Debug().
		Str("channel", sourceID).
		Int("pages", pages).
		Int("messages", len(out)).
		Msg("Fetched channel history")
	return out, nil
}

func (c *Client) ListAuthors(ctx context.Context) (map[string]string, error) {
	authors := make(map[string]string)
	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", "200")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp usersListResponse
		if err := c.call(ctx, "users.list", q, &resp); err != nil {
			return authors, err
		}
		for _, m := range resp.Members {
			authors[m.ID] = displayName(m)
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return authors, nil
		}
	}
}

func displayName(m member) string {
	if m.Profile.DisplayName != "" {
		return m.Profile.DisplayName
	}
	if m.Profile.RealName != "" {
		return m.Profile.RealName
	}
	return m.Name
}

func toRawMessage(m message) (source.RawMessage, bool) {
	ts, err := strconv.ParseFloat(m.TS, 64)
	if err != nil {
		return source.RawMessage{}, false
	}
	return source.RawMessage{
		ID:        m.TS,
		Author:    m.User,
		Text:      m.Text,
		TS:        m.TS,
		Timestamp: ts,
	}, true
}

func sortAscending(msgs []source.RawMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}

// call performs one Web API method under the retry policy.
func (c *Client) call(ctx context.Context, method string, q url.Values, out any) error {
	return c.policy.Do(ctx, method, func(ctx context.Context) error {
		return c.do(ctx, method, q, out)
	})
}

func (c *Client) do(ctx context.Context, method string, q url.Values, out any) error {
	endpoint := c.baseURL + "/" + method
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %v: %w", method, err, source.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %v: %w", method, err, source.ErrTransient)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &source.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s returned %d: %w", method, resp.StatusCode, source.ErrTransient)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d - %s", method, resp.StatusCode, string(body))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !env.OK {
		if env.Error == "ratelimited" {
			return &source.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		}
		return &APIError{Method: method, Code: env.Error}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

