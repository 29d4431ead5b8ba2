// Package llm wraps the OpenAI API behind the two call shapes the pipeline
// uses: strict-schema structured completions and embeddings.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/metrics"
)

// Embedding inputs beyond this are truncated before the API call.
const maxEmbeddingInputChars = 8000

// ErrEmptyResponse indicates the model returned no usable content.
// Callers classify it as a worker failure, not a process failure.
var ErrEmptyResponse = errors.New("llm returned empty response")

type Client struct {
	api openai.Client
	log zerolog.Logger
}

func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		api: openai.NewClient(option.WithAPIKey(apiKey)),
		log: log,
	}
}

// StructuredRequest is one strict-JSON-schema chat completion.
type StructuredRequest struct {
	Model      string
	System     string
	User       string
	SchemaName string
	Schema     map[string]any
	MaxTokens  int64
	Timeout    time.Duration
}

// Structured issues a single chat completion constrained to the given JSON
// schema and returns the raw JSON payload. The caller unmarshals into its
// own result type; decode failures there are worker failures.
func (c *Client) Structured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Strict: openai.Bool(true),
					Schema: req.Schema,
				},
			},
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		metrics.LLMCallsTotal.WithLabelValues(req.SchemaName, "error").Inc()
		return nil, fmt.Errorf("chat completion %q: %w", req.SchemaName, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		metrics.LLMCallsTotal.WithLabelValues(req.SchemaName, "empty").Inc()
		return nil, ErrEmptyResponse
	}

	content := resp.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		metrics.LLMCallsTotal.WithLabelValues(req.SchemaName, "invalid").Inc()
		return nil, fmt.Errorf("chat completion %q: response is not valid JSON", req.SchemaName)
	}

	metrics.LLMCallsTotal.WithLabelValues(req.SchemaName, "ok").Inc()
	c.log.Debug().
		Str("schema", req.SchemaName).
		Str("model", req.Model).
		Dur("elapsed", time.Since(start)).
		Msg("structured completion")
	return json.RawMessage(content), nil
}

// Truncate caps s at max bytes, backing the cut up to a rune boundary so
// a multi-byte character is never split.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// Embed returns the embedding vector for one text. Inputs are truncated to
// the per-model limit before the call.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float64, error) {
	text = Truncate(text, maxEmbeddingInputChars)

	resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		metrics.EmbeddingCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		metrics.EmbeddingCallsTotal.WithLabelValues("empty").Inc()
		return nil, ErrEmptyResponse
	}

	metrics.EmbeddingCallsTotal.WithLabelValues("ok").Inc()
	return resp.Data[0].Embedding, nil
}
