package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	messagesPath     = "/v1/messages"
	defaultBaseURL   = "https://api.anthropic.com"
	defaultVersion   = "2023-06-01"
	defaultMaxTokens = 400
)

// AnthropicOptions parameterise the Messages API client.
type AnthropicOptions struct {
	BaseURL    string
	APIKey     string
	Model      string
	Version    string
	MaxTokens  int
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	opts    AnthropicOptions
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	logger  zerolog.Logger
}

// APIError is a non-success HTTP answer from the service.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("reasoning api error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("reasoning api error (%d)", e.StatusCode)
}

// IsRateLimited reports whether the service throttled the request.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// NewAnthropic constructs a Messages API client.
func NewAnthropic(opts AnthropicOptions, logger zerolog.Logger) *Anthropic {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Version == "" {
		opts.Version = defaultVersion
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}

	return &Anthropic{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: baseURL,
		logger:  logger.With().Str("component", "reasoning_anthropic").Logger(),
	}
}

// Complete sends a single-turn message and returns the first text block.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	if a.opts.APIKey == "" {
		return "", ErrDisabled
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.opts.MaxTokens
	}

	body, err := json.Marshal(messagesRequest{
		Model:     a.opts.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []message{{Role: "user", Content: req.User}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal messages request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create messages request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.opts.APIKey)
	httpReq.Header.Set("anthropic-version", a.opts.Version)

	started := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send messages request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read messages response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", parseAPIError(resp.StatusCode, payload)
	}

	var decoded messagesResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("decode messages response: %w", err)
	}

	a.logger.Debug().
		Dur("took", time.Since(started)).
		Int("input_tokens", decoded.Usage.InputTokens).
		Int("output_tokens", decoded.Usage.OutputTokens).
		Msg("reasoning call completed")

	for _, block := range decoded.Content {
		if block.Type == "text" {
			return strings.TrimSpace(block.Text), nil
		}
	}
	return "", ErrEmptyResponse
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseAPIError(status int, payload []byte) error {
	apiErr := &APIError{StatusCode: status}
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Type = envelope.Error.Type
		apiErr.Message = envelope.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(payload))
	return apiErr
}

var _ Client = (*Anthropic)(nil)
