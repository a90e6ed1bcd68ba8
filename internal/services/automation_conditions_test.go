package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"

	"tradedesk/internal/models"
)

func automationWith(trigger string, cfg map[string]interface{}) *models.Automation {
	return &models.Automation{TriggerType: trigger, TriggerConfig: datatypes.JSONMap(cfg)}
}

func TestConditions_StatusChange(t *testing.T) {
	c := NewConditionEvaluator()
	a := automationWith(models.TriggerProcessStatusChange, map[string]interface{}{
		"fromStatus": "pending_approval",
		"toStatus":   []interface{}{"in_progress", "completed"},
	})

	ok := c.Evaluate(a, Event{Type: models.TriggerProcessStatusChange, Data: map[string]interface{}{
		"oldStatus": "pending_approval", "newStatus": "in_progress",
	}}, EvalOptions{})
	assert.True(t, ok.Passed)
	assert.Len(t, ok.Checks, 2)

	miss := c.Evaluate(a, Event{Type: models.TriggerProcessStatusChange, Data: map[string]interface{}{
		"oldStatus": "draft", "newStatus": "in_progress",
	}}, EvalOptions{})
	assert.False(t, miss.Passed)

	wrongType := c.Evaluate(a, Event{Type: models.TriggerProcessCreated}, EvalOptions{})
	assert.False(t, wrongType.Passed)
}

func TestConditions_Filters(t *testing.T) {
	c := NewConditionEvaluator()
	data := map[string]interface{}{
		"amount":   1500.5,
		"currency": "USD",
		"client":   map[string]interface{}{"name": "Acme Importadora", "tags": []interface{}{"vip", "br"}},
	}
	cases := []struct {
		filter map[string]interface{}
		want   bool
	}{
		{map[string]interface{}{"field": "currency", "op": "eq", "value": "USD"}, true},
		{map[string]interface{}{"field": "currency", "op": "neq", "value": "USD"}, false},
		{map[string]interface{}{"field": "client.name", "op": "contains", "value": "Acme"}, true},
		{map[string]interface{}{"field": "client.tags", "op": "contains", "value": "vip"}, true},
		{map[string]interface{}{"field": "currency", "op": "in", "value": []interface{}{"EUR", "USD"}}, true},
		{map[string]interface{}{"field": "amount", "op": "gt", "value": 1000}, true},
		{map[string]interface{}{"field": "amount", "op": "lt", "value": 1000}, false},
		{map[string]interface{}{"field": "client.cnpj", "op": "exists"}, false},
		{map[string]interface{}{"field": "client.cnpj", "op": "exists", "value": false}, true},
		{map[string]interface{}{"field": "missing", "op": "neq", "value": "x"}, true},
	}
	for _, tc := range cases {
		a := automationWith(models.TriggerProcessCreated, map[string]interface{}{"filters": []interface{}{tc.filter}})
		res := c.Evaluate(a, Event{Type: models.TriggerProcessCreated, Data: data}, EvalOptions{})
		assert.Equal(t, tc.want, res.Passed, "filter %v", tc.filter)
	}
}

func TestConditions_Expression(t *testing.T) {
	c := NewConditionEvaluator()
	a := automationWith(models.TriggerInvoiceOverdue, map[string]interface{}{
		"expression": `daysOverdue > 7 && currency in ["USD", "EUR"]`,
	})
	pass := c.Evaluate(a, Event{Type: models.TriggerInvoiceOverdue, Data: map[string]interface{}{"daysOverdue": 10, "currency": "EUR"}}, EvalOptions{})
	assert.True(t, pass.Passed)

	fail := c.Evaluate(a, Event{Type: models.TriggerInvoiceOverdue, Data: map[string]interface{}{"daysOverdue": 3, "currency": "EUR"}}, EvalOptions{})
	assert.False(t, fail.Passed)

	assert.Error(t, c.Compile("daysOverdue >"))
	assert.NoError(t, c.Compile("missingField == nil"))
}

func TestConditions_WebhookAndSchedule(t *testing.T) {
	c := NewConditionEvaluator()
	hook := automationWith(models.TriggerWebhook, map[string]interface{}{"hookKey": "abc"})
	assert.True(t, c.Evaluate(hook, Event{Type: models.TriggerWebhook, HookKey: "abc"}, EvalOptions{}).Passed)
	assert.False(t, c.Evaluate(hook, Event{Type: models.TriggerWebhook, HookKey: "zzz"}, EvalOptions{}).Passed)
	assert.True(t, c.Evaluate(hook, Event{Type: models.TriggerWebhook}, EvalOptions{Simulated: true}).Passed)

	sched := automationWith(models.TriggerSchedule, map[string]interface{}{"cron": "30 9 * * 1"})
	monday := time.Date(2026, 5, 4, 9, 30, 20, 0, time.UTC)
	assert.True(t, c.Evaluate(sched, Event{Type: models.TriggerSchedule, At: monday}, EvalOptions{}).Passed)
	assert.False(t, c.Evaluate(sched, Event{Type: models.TriggerSchedule, At: monday.Add(time.Minute)}, EvalOptions{}).Passed)
	assert.True(t, c.Evaluate(sched, Event{Type: models.TriggerSchedule, At: monday.Add(time.Minute)}, EvalOptions{Simulated: true}).Passed)
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.NoError(t, ValidateCronExpression("0 3 * * 1-5"))
	for _, bad := range []string{"", "* * * *", "0 0 0 * * *", "@daily", "99 * * * *"} {
		assert.ErrorIs(t, ValidateCronExpression(bad), ErrInvalidInput, bad)
	}
}
