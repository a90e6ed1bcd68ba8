package utils

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageLength Telegram 单条消息长度上限
const MaxMessageLength = 4096

// NewHookKey 生成入站 webhook 的路径密钥
func NewHookKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FormatTime 时间格式化
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// ValidateMessage 验证消息内容
func ValidateMessage(content string) bool {
	n := utf8.RuneCountInString(content)
	return n > 0 && n <= MaxMessageLength
}

// Truncate shortens s to at most max runes, appending "..." when cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// CloneMap returns a shallow copy; nil yields an empty map.
func CloneMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
