package telegram

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

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ErrNotConfigured is returned when no bot token is set.
var ErrNotConfigured = errors.New("telegram bot token not configured")

// Sender 发送 Telegram 消息
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) (*Message, error)
}

// Client Telegram Bot API HTTP 客户端
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// NewClient 创建新的 Telegram 客户端。httpClient 为空时按配置超时新建
func NewClient(config *Config, httpClient *http.Client, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		token:      config.BotToken,
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
}

// SendMessage 发送文本消息
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (*Message, error) {
	if c.token == "" {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("chat id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}

	var msg Message
	err := c.doRequestWithRetry(ctx, "sendMessage", &SendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) createRequest(ctx context.Context, method string, body interface{}) (*http.Request, error) {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TradeDesk-Telegram-Client/1.0")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url 中包含 token，不直接返回 *url.Error
		return fmt.Errorf("http request failed: %s", redact(err.Error(), c.token))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debugf("Telegram API Response: %d %s", resp.StatusCode, string(body))

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Description: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode >= 400 || !envelope.OK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Description: envelope.Description}
		if envelope.ErrorCode != 0 {
			apiErr.StatusCode = envelope.ErrorCode
		}
		if envelope.Parameters != nil {
			apiErr.RetryAfter = envelope.Parameters.RetryAfter
		}
		return apiErr
	}

	if result != nil {
		raw := gjson.GetBytes(body, "result").Raw
		if raw == "" {
			return fmt.Errorf("decode response: missing result")
		}
		if err := json.Unmarshal([]byte(raw), result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, method string, body interface{}, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(attempt)
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
				delay = time.Duration(apiErr.RetryAfter) * time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			c.logger.Warnf("Telegram API retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		req, err := c.createRequest(ctx, method, body)
		if err != nil {
			return err
		}
		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			if shouldRetry(err) {
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

// 只有 429 和 5xx 可以重试；4xx 说明请求本身有问题
func shouldRetry(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return false
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "<redacted>")
}
