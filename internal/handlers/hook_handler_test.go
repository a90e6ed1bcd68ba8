package handlers

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/models"
)

func TestHookHandler_FiresMatchingAutomation(t *testing.T) {
	s := newTestServer(t)
	a := s.createAutomation(models.TriggerWebhook, map[string]interface{}{}, true)
	key, _ := a.TriggerConfig["hookKey"].(string)
	require.NotEmpty(t, key)

	w := s.doWith(http.MethodPost, "/hooks/"+key, []byte(`{"a": 5}`), false, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	s.engine.Wait()
	assert.EqualValues(t, 1, s.countLogs(a.ID))
	assert.EqualValues(t, 1, s.exec.calls.Load())
}

func TestHookHandler_UnknownKeyAndDisabled(t *testing.T) {
	s := newTestServer(t)
	a := s.createAutomation(models.TriggerWebhook, map[string]interface{}{}, false)
	key, _ := a.TriggerConfig["hookKey"].(string)

	assert.Equal(t, http.StatusNotFound, s.doWith(http.MethodPost, "/hooks/nope", nil, false, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.doWith(http.MethodPost, "/hooks/"+key, nil, false, nil).Code)
	assert.Zero(t, s.countLogs(a.ID))
}

func TestHookHandler_RejectsNonObjectBody(t *testing.T) {
	s := newTestServer(t)
	a := s.createAutomation(models.TriggerWebhook, map[string]interface{}{}, true)
	key, _ := a.TriggerConfig["hookKey"].(string)

	w := s.doWith(http.MethodPost, "/hooks/"+key, []byte(`[1,2]`), false, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHookHandler_RateLimitedByIP(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < testHookLimit; i++ {
		require.Equal(t, http.StatusNotFound, s.doWith(http.MethodPost, "/hooks/missing", nil, false, nil).Code)
	}
	w := s.doWith(http.MethodPost, "/hooks/missing", nil, false, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHookHandler_VerifiesSignatureWhenSecretSet(t *testing.T) {
	s := newTestServer(t)
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("inbound-hook-secret-0123456789ab"))
	a := s.createAutomation(models.TriggerWebhook, map[string]interface{}{"secret": secret}, true)
	key, _ := a.TriggerConfig["hookKey"].(string)
	body := []byte(`{"invoice":"INV-1"}`)

	w := s.doWith(http.MethodPost, "/hooks/"+key, body, false, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	wh, err := standardwebhooks.NewWebhook(secret)
	require.NoError(t, err)
	msgID := "msg_" + uuid.NewString()
	now := time.Now()
	sig, err := wh.Sign(msgID, now, body)
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set("webhook-id", msgID)
	headers.Set("webhook-timestamp", strconv.FormatInt(now.Unix(), 10))
	headers.Set("webhook-signature", sig)

	w = s.doWith(http.MethodPost, "/hooks/"+key, body, false, headers)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	s.engine.Wait()
	assert.EqualValues(t, 1, s.countLogs(a.ID))
}
