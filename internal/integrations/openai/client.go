package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"concierge-agent/internal/domain"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 500
	defaultTimeout   = 30 * time.Second
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

// KeyFunc resolves the API key.
type KeyFunc func(ctx context.Context) (string, error)

// StaticKey returns a KeyFunc for a fixed key.
func StaticKey(key string) KeyFunc {
	return func(context.Context) (string, error) { return key, nil }
}

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// Client is a focused OpenAI-compatible client for chat completions. The API
// key is resolved on the first call and reused for the lifetime of the
// process; a failed resolution is retried on the next call.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	keys        KeyFunc
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration

	mu  sync.Mutex
	api chatAPI
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(baseURL); s != "" {
			c.baseURL = s
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithDefaults sets the per-request defaults used when a CompletionRequest
// leaves a field zero.
func WithDefaults(model string, maxTokens int, temperature float32, timeout time.Duration) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
		if maxTokens > 0 {
			c.maxTokens = maxTokens
		}
		c.temperature = temperature
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func NewClient(keys KeyFunc, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("openai: key source must not be nil")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{},
		keys:        keys,
		model:       defaultModel,
		maxTokens:   defaultMaxTokens,
		temperature: 0.7,
		timeout:     defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPI(ctx context.Context) (chatAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key, err := c.keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai: resolve api key: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("openai: API key is empty")
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(c.baseURL, "/")
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

// Complete sends one chat completion and returns the first choice.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", errors.New("openai: messages must not be empty")
	}
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}

	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := api.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", statusError(err))
	}
	if len(res.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	content := strings.TrimSpace(res.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("openai: empty completion")
	}
	return content, nil
}

func (c *Client) buildRequest(req domain.CompletionRequest) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	out := goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if req.Model != "" {
		out.Model = req.Model
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	// The SDK omits a zero temperature and the API then applies its own
	// default of 1.0.
	if out.Temperature == 0 {
		out.Temperature = math.SmallestNonzeroFloat32
	}
	if req.JSON {
		out.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}

// statusError maps the SDK's error types onto HTTPStatusError so callers can
// detect 429s without importing the SDK.
func statusError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.HTTPStatus, Err: err}
	}
	return err
}
