package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewHookKey(t *testing.T) {
	a, b := NewHookKey(), NewHookKey()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "-")
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2026, 5, 4, 13, 2, 1, 0, time.FixedZone("BRT", -3*3600))
	assert.Equal(t, "2026-05-04 16:02:01 UTC", FormatTime(ts))
}

func TestValidateMessage(t *testing.T) {
	assert.False(t, ValidateMessage(""))
	assert.True(t, ValidateMessage("embarque liberado"))
	assert.True(t, ValidateMessage(strings.Repeat("é", MaxMessageLength)))
	assert.False(t, ValidateMessage(strings.Repeat("a", MaxMessageLength+1)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestCloneMap(t *testing.T) {
	src := map[string]interface{}{"a": 1}
	c := CloneMap(src)
	c["b"] = 2
	assert.Len(t, src, 1)
	assert.NotNil(t, CloneMap(nil))
}
