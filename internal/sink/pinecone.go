package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type PineconeOptions struct {
	// BaseURL is the index host, e.g. https://my-index-abc123.svc.pinecone.io.
	BaseURL    string
	APIKey     string
	Namespace  string
	HTTPClient *http.Client
}

// Pinecone talks to a Pinecone index over its data-plane REST API.
type Pinecone struct {
	baseURL    string
	apiKey     string
	namespace  string
	httpClient *http.Client
}

func NewPinecone(opts PineconeOptions) (*Pinecone, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("pinecone sink: empty index host")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("pinecone sink: missing api key")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pinecone{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		namespace:  opts.Namespace,
		httpClient: hc,
	}, nil
}

type pineconeVector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type pineconeUpsertRequest struct {
	Vectors   []pineconeVector `json:"vectors"`
	Namespace string           `json:"namespace,omitempty"`
}

type pineconeQueryRequest struct {
	Vector          []float32      `json:"vector"`
	TopK            int            `json:"topK"`
	IncludeMetadata bool           `json:"includeMetadata"`
	Namespace       string         `json:"namespace,omitempty"`
	Filter          map[string]any `json:"filter,omitempty"`
}

type pineconeQueryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float32        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

type pineconeStatsResponse struct {
	Dimension        int `json:"dimension"`
	TotalVectorCount int `json:"totalVectorCount"`
	Namespaces       map[string]struct {
		VectorCount int `json:"vectorCount"`
	} `json:"namespaces"`
}

// Upsert stores the chunk text in metadata under TextField.
func (p *Pinecone) Upsert(ctx context.Context, key string, vector []float32, text string, metadata map[string]any) error {
	if err := validateUpsert(key, vector); err != nil {
		return err
	}
	md := cloneMetadata(metadata)
	md[TextField] = text
	body := pineconeUpsertRequest{
		Vectors:   []pineconeVector{{ID: key, Values: vector, Metadata: md}},
		Namespace: p.namespace,
	}
	if err := p.post(ctx, "/vectors/upsert", body, nil); err != nil {
		return writeErr(key, err)
	}
	return nil
}

func (p *Pinecone) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]Match, error) {
	req := pineconeQueryRequest{
		Vector:          vector,
		TopK:            topK,
		IncludeMetadata: true,
		Namespace:       p.namespace,
	}
	if len(filter) > 0 {
		req.Filter = make(map[string]any, len(filter))
		for k, v := range filter {
			req.Filter[k] = map[string]any{"$eq": v}
		}
	}
	var resp pineconeQueryResponse
	if err := p.post(ctx, "/query", req, &resp); err != nil {
		return nil, fmt.Errorf("pinecone query: %w", err)
	}
	out := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		match := Match{Key: m.ID, Score: m.Score, Metadata: m.Metadata}
		if text, ok := m.Metadata[TextField].(string); ok {
			match.Text = text
		}
		out = append(out, match)
	}
	return out, nil
}

func (p *Pinecone) Stats(ctx context.Context) (Stats, error) {
	var resp pineconeStatsResponse
	if err := p.post(ctx, "/describe_index_stats", map[string]any{}, &resp); err != nil {
		return Stats{Backend: "pinecone"}, fmt.Errorf("pinecone stats: %w", err)
	}
	st := Stats{Backend: "pinecone", Vectors: resp.TotalVectorCount, Dimension: resp.Dimension}
	if p.namespace != "" {
		st.Vectors = resp.Namespaces[p.namespace].VectorCount
	}
	return st, nil
}

func (p *Pinecone) Close() error { return nil }

func (p *Pinecone) post(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Api-Key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d - %s", path, resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
