package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/models"
)

func TestAuditService_ClientInfoFromContext(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuditService(db, quietLogger())

	ctx := WithClientInfo(context.Background(), "10.0.0.8", "curl/8.0")
	svc.LogAudit(ctx, AuditEntry{UserID: 3, Action: "automation.delete", Entity: "automation", EntityID: "4"})
	// 显式字段优先
	svc.LogAudit(ctx, AuditEntry{UserID: 3, Action: "automation.update", IP: "203.0.113.5"})
	svc.LogAudit(context.Background(), AuditEntry{UserID: 3, Action: "automation.cleanup"})

	var rows []models.AuditLog
	require.NoError(t, db.Order("id").Find(&rows).Error)
	require.Len(t, rows, 3)
	assert.Equal(t, "10.0.0.8", rows[0].IP)
	assert.Equal(t, "curl/8.0", rows[0].UserAgent)
	assert.Equal(t, "203.0.113.5", rows[1].IP)
	assert.Equal(t, "curl/8.0", rows[1].UserAgent)
	assert.Empty(t, rows[2].IP)
}
