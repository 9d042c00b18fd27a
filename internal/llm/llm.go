package llm

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

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/service/logger"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrEmptyCompletion = errors.New("llm: completion has no choices")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm backend returned HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to an OpenAI compatible chat completions endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	maxRetries uint64
	retryBase  time.Duration
}

func NewClient(cfg *config.LLMConfig) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.TIMEOUT) * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL:    strings.TrimRight(cfg.BASE_URL, "/"),
		apiKey:     cfg.API_KEY,
		maxRetries: 3,
		retryBase:  time.Second,
	}
}

// Complete returns the first choice's content. With jsonMode the backend is
// asked for a JSON object. Rate limits, server errors and network failures
// are retried with exponential backoff.
func (c *Client) Complete(ctx context.Context, model string, messages []Message, jsonMode bool) (string, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "LLM/Complete",
		trace.WithAttributes(attribute.String("model", model)),
	)
	defer span.End()

	req := chatRequest{Model: model, Messages: messages}
	if jsonMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(req)
	if err != nil {
		util.RecordSpanError(span, err)
		return "", err
	}

	var content string
	op := func() error {
		out, err := c.do(ctx, body)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.retryable() {
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrEmptyCompletion) {
				return backoff.Permanent(err)
			}
			return err
		}
		content = out
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryBase
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		l := logger.FromContext(ctx)
		l.Warn().Err(err).Str("model", model).Dur("retry_in", wait).Msg("llm request failed, retrying")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		util.RecordSpanError(span, err)
		return "", err
	}
	return content, nil
}

func (c *Client) do(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm backend connection error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("failed to parse llm response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return cr.Choices[0].Message.Content, nil
}

func errorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return strings.TrimSpace(string(data))
}
