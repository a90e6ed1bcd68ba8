// Package mailer sends transactional email over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// ErrDisabled is returned by Send when mail delivery is switched off.
var ErrDisabled = errors.New("mail delivery is disabled")

// Message 待发送邮件
type Message struct {
	To      []string
	Subject string
	Body    string
	HTML    bool
}

// Sender 发送邮件
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Config SMTP 配置
type Config struct {
	Enabled   bool
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	Timeout   time.Duration
	// TLSPolicy: "mandatory", "opportunistic" or "none"
	TLSPolicy string
}

// SMTPMailer delivers messages with go-mail.
type SMTPMailer struct {
	cfg Config
}

// New 创建 SMTP 发送器
func New(cfg Config) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}
}

// Send 发送一封邮件
func (s *SMTPMailer) Send(ctx context.Context, m Message) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	msg, err := s.buildMessage(m)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (s *SMTPMailer) buildMessage(m Message) (*mail.Msg, error) {
	if len(m.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return nil, fmt.Errorf("subject is required")
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(s.cfg.FromName, s.cfg.FromEmail); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.To(m.To...); err != nil {
		return nil, fmt.Errorf("invalid recipient email: %w", err)
	}
	msg.Subject(m.Subject)
	if m.HTML {
		msg.SetBodyString(mail.TypeTextHTML, m.Body)
	} else {
		msg.SetBodyString(mail.TypeTextPlain, m.Body)
	}
	return msg, nil
}

func (s *SMTPMailer) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.cfg.Timeout),
	}
	switch s.cfg.TLSPolicy {
	case "mandatory":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}
