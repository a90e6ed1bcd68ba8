package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"

	"tradedesk/internal/config"
	"tradedesk/internal/models"
	"tradedesk/internal/ratelimit"
	"tradedesk/internal/services"
)

const maxHookBody = 1 << 20

// HookHandler 入站 webhook：POST /hooks/:hookKey 触发对应的自动化
type HookHandler struct {
	store   *services.AutomationService
	events  services.EventDispatcher
	limiter ratelimit.Limiter
	cfg     config.AutomationConfig
	logger  *logrus.Logger
}

func NewHookHandler(store *services.AutomationService, events services.EventDispatcher, limiter ratelimit.Limiter,
	cfg config.AutomationConfig, logger *logrus.Logger) *HookHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HookHandler{store: store, events: events, limiter: limiter, cfg: cfg, logger: logger}
}

// Receive 按 IP 限流；配置了 secret 时按 standard-webhooks 校验签名
func (h *HookHandler) Receive(c *gin.Context) {
	hookKey := c.Param("hookKey")
	if h.limiter != nil {
		key := ratelimit.Key("inbound_webhook", c.ClientIP())
		if res := h.limiter.Check(c.Request.Context(), key, h.cfg.InboundWebhookLimit, h.cfg.InboundWebhookWindow); !res.Allowed {
			respondError(c, "Too many requests", &services.RateLimitError{Key: key, RetryAfter: res.RetryAfterSeconds})
			return
		}
	}

	list, err := h.store.FindByHookKey(c.Request.Context(), hookKey)
	if err != nil {
		respondError(c, "Failed to resolve webhook", err)
		return
	}
	if len(list) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown webhook", Message: "no enabled automation for this hook", Code: http.StatusNotFound})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxHookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	for _, a := range list {
		secret, _ := a.TriggerConfig["secret"].(string)
		if secret == "" {
			continue
		}
		if err := verifyHook(secret, body, c.Request.Header); err != nil {
			h.logger.WithError(err).WithField("automation_id", a.ID).Warn("inbound webhook: signature rejected")
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid signature", Message: "webhook signature verification failed", Code: http.StatusUnauthorized})
			return
		}
	}

	data := map[string]interface{}{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Message: "body must be a JSON object"})
			return
		}
	}

	h.events.FireTriggerAsync(c.Request.Context(), services.Event{
		Type:    models.TriggerWebhook,
		HookKey: hookKey,
		Data:    data,
	})
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "automations": len(list)})
}

func verifyHook(secret string, body []byte, headers http.Header) error {
	wh, err := standardwebhooks.NewWebhook(secret)
	if err != nil {
		return err
	}
	return wh.Verify(body, headers)
}

func RegisterHookRoutes(r gin.IRoutes, handler *HookHandler) {
	r.POST("/hooks/:hookKey", handler.Receive)
}
