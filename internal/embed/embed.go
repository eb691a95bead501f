// Package embed turns chunk text into vectors.
package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"slack-indexer/internal/retry"
	"slack-indexer/internal/source"
)

// ErrService wraps every embedding failure.
var ErrService = errors.New("embedding service error")

const DefaultModel = openai.EmbeddingModelTextEmbedding3Small

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Policy     retry.Policy
}

type OpenAI struct {
	client     openai.Client
	model      string
	dimensions int
	policy     retry.Policy
}

func NewOpenAI(opts Options) *OpenAI {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		// retries go through policy
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	model := opts.Model
	if model == "" {
		model = string(DefaultModel)
	}
	return &OpenAI{
		client:     openai.NewClient(reqOpts...),
		model:      model,
		dimensions: opts.Dimensions,
		policy:     opts.Policy,
	}
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty input", ErrService)
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(o.model),
	}
	if o.dimensions > 0 {
		params.Dimensions = openai.Int(int64(o.dimensions))
	}

	var vector []float32
	err := o.policy.Do(ctx, "embeddings", func(ctx context.Context) error {
		resp, err := o.client.Embeddings.New(ctx, params)
		if err != nil {
			return classify(err)
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return fmt.Errorf("%w: empty embedding in response", ErrService)
		}
		vector = make([]float32, len(resp.Data[0].Embedding))
		for i, v := range resp.Data[0].Embedding {
			vector[i] = float32(v)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrService) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrService, err)
	}
	return vector, nil
}

// classify maps an API error onto the retryable error kinds. Errors without
// an HTTP status are network failures and count as transient.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w: %v", ErrService, source.ErrTransient, err)
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrService, &source.RateLimitedError{})
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: %w: %v", ErrService, source.ErrTransient, err)
	default:
		return fmt.Errorf("%w: %v", ErrService, err)
	}
}
