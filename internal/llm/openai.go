// Package llm adapts OpenAI-compatible chat completion endpoints to
// pipeline.LanguageModel.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/metrics"
	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
	"github.com/JakeFAU/newsfacts-pipeline/internal/retry"
)

// Config selects the endpoint and model.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// DefaultPolicy is the retry policy for model calls: two attempts, 1.2s apart,
// transient failures only.
var DefaultPolicy = retry.Policy{
	MaxAttempts: 2,
	Backoff:     retry.Constant(1200 * time.Millisecond),
	Retryable:   IsTransient,
}

// Client calls the chat completions API.
type Client struct {
	api    *openai.Client
	cfg    Config
	policy retry.Policy
	logger *zap.Logger
}

// New builds a Client. policy controls retries of each Complete call.
func New(cfg Config, policy retry.Policy, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm.api_key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error) {
			logger.Warn("llm call failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
	return &Client{
		api:    openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		policy: policy,
		logger: logger,
	}, nil
}

// Complete sends prompt and returns the first choice.
func (c *Client) Complete(ctx context.Context, prompt pipeline.Prompt) (pipeline.Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: prompt.Temperature,
		MaxTokens:   prompt.MaxTokens,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	if prompt.System != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt.System,
		})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt.User,
	})
	if prompt.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	out, err := retry.Value(ctx, c.policy, func(ctx context.Context) (pipeline.Completion, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		resp, err := c.api.CreateChatCompletion(callCtx, req)
		if err != nil {
			return pipeline.Completion{}, err //nolint:wrapcheck // wrapped below once retries are exhausted
		}
		if len(resp.Choices) == 0 {
			return pipeline.Completion{}, fmt.Errorf("no choices in completion")
		}
		return pipeline.Completion{
			Content:     strings.TrimSpace(resp.Choices[0].Message.Content),
			TotalTokens: resp.Usage.TotalTokens,
		}, nil
	})
	if err != nil {
		metrics.ObserveLLMRequest("error")
		return pipeline.Completion{}, fmt.Errorf("chat completion: %w", err)
	}
	metrics.ObserveLLMRequest("ok")
	return out, nil
}

// IsTransient reports rate limiting, server errors and timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
