package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"gorm.io/gorm"

	"tradedesk/internal/models"
	"tradedesk/pkg/mailer"
	"tradedesk/pkg/telegram"
	"tradedesk/pkg/utils"
)

const (
	targetCreator = "creator"
	targetActor   = "actor"
)

func isTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// validateTarget accepts "creator", "actor", a numeric id or a template.
func validateTarget(cfg map[string]interface{}, key string) error {
	raw, present := cfg[key]
	if !present || raw == nil {
		return nil
	}
	s := cfgString(cfg, key)
	if s == "" || s == targetCreator || s == targetActor || isTemplate(s) {
		return nil
	}
	if _, ok := toUint(raw); !ok {
		return fmt.Errorf("%s must be %q, %q or a positive id", key, targetCreator, targetActor)
	}
	return nil
}

func resolveUserTarget(t *templateRenderer, cfg map[string]interface{}, key string, req ExecutionRequest) (uint, error) {
	s := cfgString(cfg, key)
	switch s {
	case "", targetCreator:
		if req.Automation == nil || req.Automation.CreatedBy == 0 {
			return 0, fmt.Errorf("automation has no creator to notify")
		}
		return req.Automation.CreatedBy, nil
	case targetActor:
		if req.ActorID == 0 {
			return 0, fmt.Errorf("event has no actor")
		}
		return req.ActorID, nil
	}
	rendered, err := t.render(s, req)
	if err != nil {
		return 0, err
	}
	id, ok := toUint(rendered)
	if !ok {
		return 0, fmt.Errorf("invalid %s %q", key, rendered)
	}
	return id, nil
}

func describeTarget(cfg map[string]interface{}, key string) string {
	switch s := cfgString(cfg, key); s {
	case "", targetCreator:
		return "the automation creator"
	case targetActor:
		return "the user who triggered the event"
	default:
		return "user " + s
	}
}

// NotificationExecutor create_notification
type NotificationExecutor struct {
	notifications *NotificationService
	tpl           *templateRenderer
}

func NewNotificationExecutor(notifications *NotificationService) *NotificationExecutor {
	return &NotificationExecutor{notifications: notifications, tpl: newTemplateRenderer()}
}

func (e *NotificationExecutor) Type() string { return models.ActionCreateNotification }

func (e *NotificationExecutor) Validate(cfg map[string]interface{}) error {
	if cfgString(cfg, "title") == "" {
		return errors.New("title is required")
	}
	return validateTarget(cfg, "userId")
}

func (e *NotificationExecutor) Describe(cfg map[string]interface{}) string {
	return fmt.Sprintf("Would create an in-app notification %q for %s", cfgString(cfg, "title"), describeTarget(cfg, "userId"))
}

func (e *NotificationExecutor) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	userID, err := resolveUserTarget(e.tpl, req.Config, "userId", req)
	if err != nil {
		return ExecutionResult{}, err
	}
	title, err := e.tpl.render(cfgString(req.Config, "title"), req)
	if err != nil {
		return ExecutionResult{}, err
	}
	message, err := e.tpl.render(cfgString(req.Config, "message"), req)
	if err != nil {
		return ExecutionResult{}, err
	}
	link, err := e.tpl.render(cfgString(req.Config, "link"), req)
	if err != nil {
		return ExecutionResult{}, err
	}

	n, err := e.notifications.Create(ctx, userID, title, message, link)
	if err != nil {
		return ExecutionResult{}, err
	}
	return ExecutionResult{Output: map[string]interface{}{
		"notificationId": n.ID,
		"userId":         userID,
	}}, nil
}

// EmailExecutor send_email
type EmailExecutor struct {
	sender mailer.Sender
	tpl    *templateRenderer
}

func NewEmailExecutor(sender mailer.Sender) *EmailExecutor {
	return &EmailExecutor{sender: sender, tpl: newTemplateRenderer()}
}

func (e *EmailExecutor) Type() string { return models.ActionSendEmail }

func (e *EmailExecutor) Validate(cfg map[string]interface{}) error {
	to := cfgStrings(cfg, "to")
	if len(to) == 0 {
		return errors.New("to is required")
	}
	for _, addr := range to {
		if isTemplate(addr) {
			continue
		}
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("invalid recipient %q", addr)
		}
	}
	if cfgString(cfg, "subject") == "" {
		return errors.New("subject is required")
	}
	return nil
}

func (e *EmailExecutor) Describe(cfg map[string]interface{}) string {
	return fmt.Sprintf("Would send email %q to %s", cfgString(cfg, "subject"), strings.Join(cfgStrings(cfg, "to"), ", "))
}

func (e *EmailExecutor) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	var to []string
	for _, addr := range cfgStrings(req.Config, "to") {
		rendered, err := e.tpl.render(addr, req)
		if err != nil {
			return ExecutionResult{}, err
		}
		to = append(to, rendered)
	}
	subject, err := e.tpl.render(cfgString(req.Config, "subject"), req)
	if err != nil {
		return ExecutionResult{}, err
	}
	body, err := e.tpl.render(cfgString(req.Config, "body"), req)
	if err != nil {
		return ExecutionResult{}, err
	}

	msg := mailer.Message{To: to, Subject: subject, Body: body, HTML: cfgBool(req.Config, "html")}
	if err := e.sender.Send(ctx, msg); err != nil {
		return ExecutionResult{}, &ProviderError{Provider: "smtp", Message: err.Error()}
	}
	return ExecutionResult{Output: map[string]interface{}{
		"to":      to,
		"subject": subject,
	}}, nil
}

// AgentExecutor call_agent
type AgentExecutor struct {
	client AgentClient
	tpl    *templateRenderer
}

func NewAgentExecutor(client AgentClient) *AgentExecutor {
	return &AgentExecutor{client: client, tpl: newTemplateRenderer()}
}

func (e *AgentExecutor) Type() string { return models.ActionCallAgent }

func (e *AgentExecutor) Validate(cfg map[string]interface{}) error {
	if cfgString(cfg, "agentId") == "" {
		return errors.New("agentId is required")
	}
	if cfgString(cfg, "prompt") == "" {
		return errors.New("prompt is required")
	}
	if raw, ok := cfg["options"]; ok && raw != nil && cfgMap(cfg, "options") == nil {
		return errors.New("options must be an object")
	}
	return nil
}

func (e *AgentExecutor) Describe(cfg map[string]interface{}) string {
	return fmt.Sprintf("Would ask AI agent %q: %s", cfgString(cfg, "agentId"), utils.Truncate(cfgString(cfg, "prompt"), 80))
}

func (e *AgentExecutor) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	prompt, err := e.tpl.render(cfgString(req.Config, "prompt"), req)
	if err != nil {
		return ExecutionResult{}, err
	}
	opts := AgentOptions{}
	if o := cfgMap(req.Config, "options"); o != nil {
		opts.Model = cfgString(o, "model")
		opts.SystemPrompt = cfgString(o, "systemPrompt")
		if v, ok := cfgFloat(o, "temperature"); ok {
			opts.Temperature = v
		}
		if v, ok := toUint(o["maxTokens"]); ok {
			opts.MaxTokens = int(v)
		}
	}
	userID := req.ActorID
	if userID == 0 && req.Automation != nil {
		userID = req.Automation.CreatedBy
	}

	resp, err := e.client.AskAgent(ctx, AgentRequest{
		AgentID: cfgString(req.Config, "agentId"),
		Prompt:  prompt,
		UserID:  userID,
		Options: opts,
	})
	if err != nil {
		if errors.Is(err, ErrProvider) {
			return ExecutionResult{}, err
		}
		return ExecutionResult{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return ExecutionResult{Output: map[string]interface{}{
		"content":    resp.Content,
		"provider":   resp.Provider,
		"model":      resp.Model,
		"tokensUsed": resp.TokensUsed,
	}}, nil
}

// TelegramExecutor send_telegram
type TelegramExecutor struct {
	sender telegram.Sender
	db     *gorm.DB
	tpl    *templateRenderer
}

func NewTelegramExecutor(sender telegram.Sender, db *gorm.DB) *TelegramExecutor {
	return &TelegramExecutor{sender: sender, db: db, tpl: newTemplateRenderer()}
}

func (e *TelegramExecutor) Type() string { return models.ActionSendTelegram }

func (e *TelegramExecutor) Validate(cfg map[string]interface{}) error {
	text := cfgString(cfg, "text")
	if text == "" {
		return errors.New("text is required")
	}
	if !isTemplate(text) && !utils.ValidateMessage(text) {
		return fmt.Errorf("text exceeds %d characters", utils.MaxMessageLength)
	}
	return nil
}

func (e *TelegramExecutor) Describe(cfg map[string]interface{}) string {
	target := cfgString(cfg, "chatId")
	if target == "" || target == targetCreator {
		target = "the automation creator's chat"
	} else {
		target = "chat " + target
	}
	return fmt.Sprintf("Would send a Telegram message to %s: %s", target, utils.Truncate(cfgString(cfg, "text"), 80))
}

func (e *TelegramExecutor) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	chatID, err := e.resolveChat(ctx, req)
	if err != nil {
		return ExecutionResult{}, err
	}
	text, err := e.tpl.render(cfgString(req.Config, "text"), req)
	if err != nil {
		return ExecutionResult{}, err
	}
	if !utils.ValidateMessage(text) {
		return ExecutionResult{}, fmt.Errorf("rendered text is empty or exceeds %d characters", utils.MaxMessageLength)
	}

	msg, err := e.sender.SendMessage(ctx, chatID, text)
	if err != nil {
		pe := &ProviderError{Provider: "telegram", Message: err.Error()}
		var apiErr *telegram.APIError
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.StatusCode
			pe.Message = apiErr.Description
		}
		return ExecutionResult{}, pe
	}
	return ExecutionResult{Output: map[string]interface{}{
		"chatId":    chatID,
		"messageId": msg.MessageID,
	}}, nil
}

func (e *TelegramExecutor) resolveChat(ctx context.Context, req ExecutionRequest) (string, error) {
	s := cfgString(req.Config, "chatId")
	if s != "" && s != targetCreator {
		return e.tpl.render(s, req)
	}
	if req.Automation == nil || req.Automation.CreatedBy == 0 {
		return "", errors.New("automation has no creator")
	}
	var user models.User
	if err := e.db.WithContext(ctx).Select("id", "telegram_chat_id").First(&user, req.Automation.CreatedBy).Error; err != nil {
		return "", fmt.Errorf("load creator: %w", err)
	}
	if user.TelegramChatID == "" {
		return "", fmt.Errorf("user %d has no linked Telegram chat", user.ID)
	}
	return user.TelegramChatID, nil
}
