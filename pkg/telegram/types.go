package telegram

import (
	"fmt"
	"time"
)

// Config Telegram Bot API 客户端配置
type Config struct {
	BaseURL    string
	BotToken   string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "https://api.telegram.org",
		Timeout:    10 * time.Second,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
	}
}

// SendMessageRequest sendMessage 请求体
type SendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// Message is the subset of the Bot API message object we read back.
type Message struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// APIError Bot API 返回的错误
type APIError struct {
	StatusCode  int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram API error [%d]: %s", e.StatusCode, e.Description)
}

// Temporary reports whether a retry could succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
