package handlers

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth_DatabaseUp(t *testing.T) {
	s := newTestServer(t)

	w := s.doWith(http.MethodGet, "/health", nil, false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	services := body["services"].(map[string]interface{})
	assert.Equal(t, "healthy", services["database"].(map[string]interface{})["status"])
	assert.Equal(t, "disabled", services["redis"].(map[string]interface{})["status"])
	assert.Equal(t, "healthy", body["status"])

	w = s.doWith(http.MethodGet, "/ready", nil, false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_DegradedWhenCronIdle(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.cron.Register("idle_job", "0 0 1 1 *", func(ctx context.Context) (map[string]interface{}, error) {
		return nil, nil
	}))
	w := s.doWith(http.MethodGet, "/health", nil, false, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestHealth_DatabaseDown(t *testing.T) {
	s := newTestServer(t)
	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := s.doWith(http.MethodGet, "/health", nil, false, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["status"])
	assert.Equal(t, http.StatusServiceUnavailable, s.doWith(http.MethodGet, "/ready", nil, false, nil).Code)
}

func TestExchangeRateHandler_FallsBackToDefaults(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/exchange-rates/usd", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "USD", body["currency"])
	assert.EqualValues(t, 5.0, body["rate"])
	assert.Equal(t, "default", body["source"])

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/exchange-rates/dollars", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/exchange-rates/JPY", nil).Code)
}

func TestNotificationHandler_ListAndMarkRead(t *testing.T) {
	s := newTestServer(t)
	n, err := s.notifier.Create(context.Background(), testActorID, "Automation failed", "boom", "/automations/1")
	require.NoError(t, err)
	_, err = s.notifier.Create(context.Background(), testActorID+1, "someone else", "", "")
	require.NoError(t, err)

	w := s.do(http.MethodGet, "/api/v1/notifications?unread=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Automation failed")
	assert.NotContains(t, w.Body.String(), "someone else")

	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, fmt.Sprintf("/api/v1/notifications/%d/read", n.ID), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/v1/notifications/999/read", nil).Code)

	w = s.do(http.MethodGet, "/api/v1/notifications?unread=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Automation failed")
}
