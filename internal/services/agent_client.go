package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tradedesk/internal/config"
	"tradedesk/internal/observability"
	"tradedesk/pkg/utils"
)

// AgentRequest 调用 AI 代理的参数
type AgentRequest struct {
	AgentID string
	Prompt  string
	UserID  uint
	Options AgentOptions
}

// AgentOptions 可选参数，零值使用客户端默认值
type AgentOptions struct {
	Model        string  `json:"model,omitempty"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
}

// AgentResponse AI 代理返回结果
type AgentResponse struct {
	Content    string `json:"content"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokensUsed"`
}

// AgentClient is the contract the call_agent executor needs.
type AgentClient interface {
	AskAgent(ctx context.Context, req AgentRequest) (*AgentResponse, error)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// OpenAIAgentClient talks to an OpenAI-compatible chat completions endpoint.
type OpenAIAgentClient struct {
	cfg     config.OpenAIConfig
	client  *http.Client
	breaker *CircuitBreaker
	logger  *logrus.Logger
}

// NewOpenAIAgentClient 创建 AI 代理客户端；breakerCfg.Enabled=false 时不启用熔断
func NewOpenAIAgentClient(cfg config.OpenAIConfig, breakerCfg config.CircuitBreakerConfig, logger *logrus.Logger) *OpenAIAgentClient {
	if logger == nil {
		logger = logrus.New()
	}
	c := &OpenAIAgentClient{
		cfg:    cfg,
		client: observability.HTTPClient(&http.Client{Timeout: cfg.Timeout}),
		logger: logger,
	}
	if breakerCfg.Enabled {
		c.breaker = NewCircuitBreaker("openai", breakerCfg)
	}
	return c
}

// Status 用于健康检查
func (c *OpenAIAgentClient) Status() map[string]interface{} {
	st := map[string]interface{}{
		"model":      c.cfg.Model,
		"configured": c.cfg.APIKey != "",
	}
	if c.breaker != nil {
		st["circuit_breaker"] = c.breaker.Stats()
	}
	return st
}

// AskAgent 发送 prompt 并返回回复
func (c *OpenAIAgentClient) AskAgent(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, invalidf("prompt is required")
	}
	if c.cfg.APIKey == "" {
		return nil, &ProviderError{Provider: "openai", Message: "api key not configured"}
	}

	var out *AgentResponse
	call := func() error {
		var err error
		out, err = c.chat(ctx, req)
		return err
	}
	if c.breaker == nil {
		if err := call(); err != nil {
			return nil, err
		}
		return out, nil
	}
	err := c.breaker.Execute(call, func(err error) bool { return !errors.Is(err, ErrInvalidInput) })
	if errors.Is(err, ErrCircuitOpen) {
		return nil, &ProviderError{Provider: "openai", Message: err.Error()}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OpenAIAgentClient) chat(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	model := req.Options.Model
	if model == "" {
		model = c.cfg.Model
	}
	ctx, span := observability.Tracer().Start(ctx, "AgentClient.AskAgent")
	span.SetAttributes(attribute.String("model", model), attribute.String("agent_id", req.AgentID))
	defer span.End()

	system := req.Options.SystemPrompt
	if system == "" {
		system = fmt.Sprintf("You are the %q assistant of an import/export trade desk. Answer concisely.", req.AgentID)
	}
	temperature := req.Options.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		User:        fmt.Sprintf("user-%d", req.UserID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &ProviderError{Provider: "openai", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Message: "read response: " + err.Error()}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Message: utils.Truncate(string(raw), 200)}
	}
	if parsed.Error != nil {
		span.SetStatus(codes.Error, parsed.Error.Message)
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Message: parsed.Error.Message}
	}
	if resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Message: utils.Truncate(string(raw), 200)}
	}
	if len(parsed.Choices) == 0 {
		span.SetStatus(codes.Error, "no response choices")
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Message: "no response choices"}
	}

	if parsed.Model != "" {
		model = parsed.Model
	}
	c.logger.WithFields(logrus.Fields{"agent_id": req.AgentID, "model": model, "tokens": parsed.Usage.TotalTokens}).Debug("agent call completed")
	return &AgentResponse{
		Content:    parsed.Choices[0].Message.Content,
		Provider:   "openai",
		Model:      model,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}
