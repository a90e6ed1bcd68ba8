package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/config"
	"tradedesk/internal/models"
)

func TestAutomationHandler_RequiresToken(t *testing.T) {
	s := newTestServer(t)
	w := s.doWith(http.MethodGet, "/api/v1/automations", nil, false, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAutomationHandler_CreateGetUpdateVersions(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/automations", map[string]interface{}{
		"name":          "notify on approval",
		"triggerType":   models.TriggerProcessStatusChange,
		"triggerConfig": map[string]interface{}{"toStatus": "in_progress"},
		"actionType":    stubAction,
		"actionConfig":  map[string]interface{}{},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	id := uint(created["id"].(float64))
	assert.EqualValues(t, 1, created["version"])

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/automations/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPut, fmt.Sprintf("/api/v1/automations/%d", id), map[string]interface{}{"name": "renamed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decode(t, w)["version"])

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/automations/%d/versions", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":2`)
	assert.Contains(t, w.Body.String(), `"version":1`)
}

func TestAutomationHandler_AuditRecordsClientInfo(t *testing.T) {
	s := newTestServer(t)
	headers := http.Header{}
	headers.Set("User-Agent", "tradedesk-ops/1.0")
	w := s.doWith(http.MethodPost, "/api/v1/automations", map[string]interface{}{
		"name":        "audited",
		"triggerType": models.TriggerProcessCreated,
		"actionType":  stubAction,
	}, true, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var entry models.AuditLog
	require.NoError(t, s.db.Where("action = ?", "automation.create").First(&entry).Error)
	assert.EqualValues(t, testActorID, entry.UserID)
	assert.Equal(t, "192.0.2.1", entry.IP)
	assert.Equal(t, "tradedesk-ops/1.0", entry.UserAgent)
}

func TestAutomationHandler_CreateRejectsUnknownAction(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/api/v1/automations", map[string]interface{}{
		"name":        "bad",
		"triggerType": models.TriggerProcessCreated,
		"actionType":  "teleport",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_NotFoundAndBadID(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/automations/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/automations/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/v1/automations/999/run", nil).Code)
}

func TestAutomationHandler_RunDisabledAutomation(t *testing.T) {
	s := newTestServer(t)
	a := s.createAutomation(models.TriggerProcessCreated, nil, false)

	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/run", a.ID), map[string]interface{}{
		"input": map[string]interface{}{"a": 1},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, models.LogStatusSuccess, body["status"])
	assert.NotZero(t, body["logId"])
	assert.EqualValues(t, 1, s.countLogs(a.ID))
}

func TestAutomationHandler_RunExecutorFailureIs502(t *testing.T) {
	s := newTestServer(t)
	a := s.createAutomation(models.TriggerProcessCreated, nil, true)
	s.exec.fail.Store(true)

	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/run", a.ID), nil)
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	body := decode(t, w)
	assert.NotZero(t, body["logId"])
	assert.Equal(t, models.LogStatusError, body["status"])
	assert.Contains(t, body["message"], "stub exploded")
	assert.EqualValues(t, 1, s.countLogs(a.ID))
}

func TestAutomationHandler_RunRateLimited(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Automation.ManualRunLimit = 1 })
	a := s.createAutomation(models.TriggerProcessCreated, nil, true)
	path := fmt.Sprintf("/api/v1/automations/%d/run", a.ID)

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, path, nil).Code)
	w := s.do(http.MethodPost, path, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.EqualValues(t, 1, s.countLogs(a.ID))
}

func TestAutomationHandler_RerunFromLog(t *testing.T) {
	s := newTestServer(t)
	a := s.createAutomation(models.TriggerProcessCreated, nil, true)
	other := s.createAutomation(models.TriggerProcessCreated, nil, true)

	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/run", a.ID), map[string]interface{}{
		"input": map[string]interface{}{"a": 1},
	})
	require.Equal(t, http.StatusOK, w.Code)
	logID := uint(decode(t, w)["logId"].(float64))

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/rerun/%d", a.ID, logID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rerunID := uint(decode(t, w)["logId"].(float64))

	rerun, err := s.logs.Get(t.Context(), rerunID)
	require.NoError(t, err)
	assert.Equal(t, "rerun", rerun.Trigger)
	assert.Equal(t, json.Number("1"), rerun.Input["a"])
	assert.Equal(t, json.Number(fmt.Sprint(logID)), rerun.Input["_rerunFromLogId"])
	assert.NotContains(t, rerun.Input, "_manualRun")

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/rerun/%d", other.ID, logID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_SimulateHasNoSideEffects(t *testing.T) {
	s := newTestServer(t)
	a := s.createAutomation(models.TriggerProcessCreated, nil, false)

	for i := 0; i < 2; i++ {
		w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/simulate", a.ID), map[string]interface{}{
			"input": map[string]interface{}{"a": 1},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, true, body["dryRun"])
		assert.Equal(t, false, body["wouldTrigger"])
		assert.Equal(t, "Would run stub", body["expectedOutcome"])
	}
	assert.Zero(t, s.countLogs(a.ID))
	assert.Zero(t, s.exec.calls.Load())
}

func TestAutomationHandler_UpdateSchedule(t *testing.T) {
	s := newTestServer(t)
	a := s.createAutomation(models.TriggerSchedule, map[string]interface{}{"cron": "0 9 * * *"}, true)
	path := fmt.Sprintf("/api/v1/automations/%d/schedule", a.ID)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, path, map[string]interface{}{"cron": "0 9 * *"}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, path, map[string]interface{}{"cron": "0 9 * * * *"}).Code)

	w := s.do(http.MethodPut, path, map[string]interface{}{"cron": "*/15 * * * *"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "*/15 * * * *")
}

func TestAutomationHandler_LogsStatsAndCleanup(t *testing.T) {
	s := newTestServer(t)
	a := s.createAutomation(models.TriggerProcessCreated, nil, true)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, s.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/run", a.ID), nil).Code)
	}

	w := s.do(http.MethodGet, fmt.Sprintf("/api/v1/automations/logs?automationId=%d&page_size=2", a.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w)
	assert.EqualValues(t, 3, page["total"])
	assert.EqualValues(t, 2, page["pages"])

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/automations/%d/stats", a.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["success"])

	w = s.do(http.MethodPost, "/api/v1/automations/logs/cleanup", map[string]interface{}{
		"retentionDays": 30,
		"confirmation":  "delete automation logs",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/automations/logs/cleanup", map[string]interface{}{
		"retentionDays": 0,
		"confirmation":  s.cfg.Automation.CleanupConfirmation,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 0, body["deletedCount"])
	assert.EqualValues(t, 1, body["retentionDays"])
	assert.EqualValues(t, 3, s.countLogs(a.ID))
}

func TestAutomationHandler_WebhookTest(t *testing.T) {
	s := newTestServer(t)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer remote.Close()

	w := s.do(http.MethodPost, "/api/v1/automations/webhook-test", map[string]interface{}{"url": remote.URL})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 200, body["statusCode"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	w = s.do(http.MethodPost, "/api/v1/automations/webhook-test", map[string]interface{}{"url": failing.URL})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "HTTP 500", body["error"])

	w = s.do(http.MethodPost, "/api/v1/automations/webhook-test", map[string]interface{}{"url": "ftp://example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_DuplicateAndDelete(t *testing.T) {
	s := newTestServer(t)
	a := s.createAutomation(models.TriggerProcessCreated, nil, true)

	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/duplicate", a.ID), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	dup := decode(t, w)
	assert.Equal(t, false, dup["enabled"])
	assert.Equal(t, a.Name+" (copy)", dup["name"])

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/automations/%d/enabled", a.ID), map[string]interface{}{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["enabled"])

	assert.Equal(t, http.StatusOK, s.do(http.MethodDelete, fmt.Sprintf("/api/v1/automations/%d", a.ID), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, fmt.Sprintf("/api/v1/automations/%d", a.ID), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, fmt.Sprintf("/api/v1/automations/%d", a.ID), nil).Code)
}
