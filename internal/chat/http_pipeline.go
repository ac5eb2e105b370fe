package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultPipelineTimeout = 120 * time.Second

	maxPipelineResponseBytes = 4 << 20
)

var (
	// ErrPipelineUnavailable reports transport failures and non-2xx answers.
	ErrPipelineUnavailable = errors.New("chat: pipeline unavailable")
	// ErrInvalidPipelineConfig reports a pipeline without an endpoint.
	ErrInvalidPipelineConfig = errors.New("chat: invalid pipeline config")
)

// HTTPPipelineConfig configures the remote answer pipeline.
type HTTPPipelineConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPPipeline asks a remote retrieval service for a complete answer and
// replays it word by word.
type HTTPPipeline struct {
	url    string
	apiKey string
	client *http.Client
}

type pipelineRequest struct {
	Question string `json:"question"`
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
}

type pipelineResponse struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	Usage     TokenUsage `json:"usage"`
}

// NewHTTPPipeline validates config.
func NewHTTPPipeline(config HTTPPipelineConfig) (*HTTPPipeline, error) {
	endpoint := strings.TrimSpace(config.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidPipelineConfig)
	}
	client := config.Client
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = DefaultPipelineTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPPipeline{url: endpoint, apiKey: strings.TrimSpace(config.APIKey), client: client}, nil
}

func (pipeline *HTTPPipeline) Open(ctx context.Context, question Question) (Stream, error) {
	body, err := json.Marshal(pipelineRequest{
		Question: question.Text,
		ThreadID: question.ThreadID.String(),
		UserID:   question.UserID.String(),
	})
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, pipeline.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if pipeline.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+pipeline.apiKey)
	}
	response, err := pipeline.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPipelineUnavailable, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxPipelineResponseBytes))
		return nil, fmt.Errorf("%w: status %d", ErrPipelineUnavailable, response.StatusCode)
	}
	var decoded pipelineResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, maxPipelineResponseBytes)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode answer: %v", ErrPipelineUnavailable, err)
	}
	if decoded.Usage.InputTokens < 0 || decoded.Usage.OutputTokens < 0 {
		return nil, fmt.Errorf("%w: negative token usage", ErrPipelineUnavailable)
	}
	return NewStaticStream(decoded.Answer, decoded.Usage, decoded.Citations), nil
}

// StaticStream replays an already computed answer.
type StaticStream struct {
	chunks    []string
	next      int
	usage     TokenUsage
	citations []Citation
}

// NewStaticStream splits answer after each space.
func NewStaticStream(answer string, usage TokenUsage, citations []Citation) *StaticStream {
	var chunks []string
	if answer != "" {
		chunks = strings.SplitAfter(answer, " ")
	}
	return &StaticStream{chunks: chunks, usage: usage, citations: citations}
}

func (stream *StaticStream) Next(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	for stream.next < len(stream.chunks) {
		chunk := stream.chunks[stream.next]
		stream.next++
		if chunk != "" {
			return chunk, true, nil
		}
	}
	return "", false, nil
}

// Usage is the full usage reported by the pipeline; the remote side has
// already spent it by the time the stream exists.
func (stream *StaticStream) Usage() TokenUsage {
	return stream.usage
}

func (stream *StaticStream) Citations() []Citation {
	return stream.citations
}

func (stream *StaticStream) Close() error {
	return nil
}
