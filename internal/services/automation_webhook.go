package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"

	"tradedesk/internal/models"
	"tradedesk/internal/observability"
	"tradedesk/pkg/utils"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookTarget 出站 webhook 目标
type WebhookTarget struct {
	URL     string            `json:"url" binding:"required"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Secret  string            `json:"secret"`
}

// WebhookDelivery is the outcome of one outbound call. StatusCode is nil when
// no response was received.
type WebhookDelivery struct {
	Success      bool   `json:"success"`
	StatusCode   *int   `json:"statusCode"`
	ResponseTime int64  `json:"responseTime"`
	Error        string `json:"error,omitempty"`
	ResponseBody string `json:"-"`
}

// WebhookExecutor webhook：POST JSON 到外部地址
type WebhookExecutor struct {
	client  *http.Client
	timeout time.Duration
	tpl     *templateRenderer
	now     func() time.Time
}

// NewWebhookExecutor bounds every call by timeout (default 10s).
func NewWebhookExecutor(timeout time.Duration, client *http.Client) *WebhookExecutor {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if client == nil {
		client = observability.HTTPClient(nil)
	}
	return &WebhookExecutor{client: client, timeout: timeout, tpl: newTemplateRenderer(), now: time.Now}
}

func (e *WebhookExecutor) Type() string { return models.ActionWebhook }

func (e *WebhookExecutor) Validate(cfg map[string]interface{}) error {
	_, err := targetFromConfig(cfg)
	return err
}

func (e *WebhookExecutor) Describe(cfg map[string]interface{}) string {
	method := strings.ToUpper(cfgString(cfg, "method"))
	if method == "" {
		method = http.MethodPost
	}
	desc := fmt.Sprintf("Would send %s request to %s", method, cfgString(cfg, "url"))
	if cfgString(cfg, "secret") != "" {
		desc += " (signed)"
	}
	return desc
}

func (e *WebhookExecutor) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	target, err := targetFromConfig(req.Config)
	if err != nil {
		return ExecutionResult{}, err
	}
	if target.URL, err = e.tpl.render(target.URL, req); err != nil {
		return ExecutionResult{}, err
	}

	payload := map[string]interface{}{
		"event":     req.Trigger,
		"data":      req.Input,
		"timestamp": e.now().UTC().Format(time.RFC3339),
	}
	if req.Automation != nil {
		payload["automationId"] = req.Automation.ID
		payload["automationName"] = req.Automation.Name
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	d := e.Deliver(ctx, target, body)
	out := map[string]interface{}{
		"url":          target.URL,
		"statusCode":   nil,
		"responseTime": d.ResponseTime,
	}
	if d.StatusCode != nil {
		out["statusCode"] = *d.StatusCode
	}
	if d.ResponseBody != "" {
		out["responseBody"] = d.ResponseBody
	}
	if !d.Success {
		return ExecutionResult{Output: out}, errors.New(d.Error)
	}
	return ExecutionResult{Output: out}, nil
}

// Deliver sends body to target and never returns an error: failures are
// described by the returned delivery.
func (e *WebhookExecutor) Deliver(ctx context.Context, target WebhookTarget, body []byte) WebhookDelivery {
	method := strings.ToUpper(target.Method)
	if method == "" {
		method = http.MethodPost
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(body))
	if err != nil {
		return WebhookDelivery{Error: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TradeDesk-Automation/1.0")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	if target.Secret != "" {
		if err := e.sign(req, target.Secret, body); err != nil {
			return WebhookDelivery{Error: err.Error()}
		}
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	elapsed := elapsedMillis(time.Since(start))
	if err != nil {
		return WebhookDelivery{ResponseTime: elapsed, Error: describeTransportError(err, e.timeout)}
	}
	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	code := resp.StatusCode
	d := WebhookDelivery{
		StatusCode:   &code,
		ResponseTime: elapsed,
		ResponseBody: utils.Truncate(strings.TrimSpace(string(excerpt)), 500),
	}
	if code < 200 || code > 299 {
		d.Error = fmt.Sprintf("HTTP %d", code)
		return d
	}
	d.Success = true
	return d
}

func (e *WebhookExecutor) sign(req *http.Request, secret string, body []byte) error {
	wh, err := standardwebhooks.NewWebhook(secret)
	if err != nil {
		return fmt.Errorf("invalid webhook secret: %w", err)
	}
	msgID := "msg_" + uuid.NewString()
	ts := e.now()
	signature, err := wh.Sign(msgID, ts, body)
	if err != nil {
		return fmt.Errorf("sign payload: %w", err)
	}
	req.Header.Set("webhook-id", msgID)
	req.Header.Set("webhook-timestamp", fmt.Sprintf("%d", ts.Unix()))
	req.Header.Set("webhook-signature", signature)
	return nil
}

func targetFromConfig(cfg map[string]interface{}) (WebhookTarget, error) {
	t := WebhookTarget{
		URL:    cfgString(cfg, "url"),
		Method: strings.ToUpper(cfgString(cfg, "method")),
		Secret: cfgString(cfg, "secret"),
	}
	if err := validateWebhookURL(t.URL); err != nil {
		return t, err
	}
	switch t.Method {
	case "", http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return t, fmt.Errorf("method must be POST, PUT or PATCH")
	}
	if raw, ok := cfg["headers"]; ok && raw != nil {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return t, errors.New("headers must be an object")
		}
		t.Headers = make(map[string]string, len(m))
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return t, fmt.Errorf("header %q must be a string", k)
			}
			t.Headers[k] = s
		}
	}
	if t.Secret != "" {
		if _, err := standardwebhooks.NewWebhook(t.Secret); err != nil {
			return t, fmt.Errorf("secret must be a base64 signing key (whsec_...): %v", err)
		}
	}
	return t, nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	if isTemplate(raw) {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	return nil
}

func describeTransportError(err error, timeout time.Duration) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Sprintf("request timed out after %s", timeout)
	}
	return err.Error()
}

// elapsedMillis rounds up so any completed call reports at least 1ms.
func elapsedMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 || ms == 0 {
		ms++
	}
	return ms
}
