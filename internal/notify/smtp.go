package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/xkilldash9x/classbot/internal/config"
)

// mailSender is satisfied by *gomail.Dialer.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTP mails each notification. Mail cannot be edited or recalled, so Edit
// sends a follow-up threaded on the original and Delete only logs.
type SMTP struct {
	from   string
	to     []string
	opts   Options
	sender mailSender
	logger *zap.Logger
}

// NewSMTP builds a mail channel from cfg.
func NewSMTP(cfg config.SMTPConfig, opts Options, logger *zap.Logger) *SMTP {
	return &SMTP{
		from:   cfg.From,
		to:     cfg.To,
		opts:   opts.withDefaults(),
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		logger: logger.Named("smtp"),
	}
}

func (s *SMTP) compose(id string, msg Message, replyTo string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", s.to...)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s", BotName, msg.Title))
	m.SetHeader("Message-ID", messageID(id))
	if replyTo != "" {
		m.SetHeader("In-Reply-To", messageID(replyTo))
		m.SetHeader("References", messageID(replyTo))
	}

	var b strings.Builder
	b.WriteString(msg.Body)
	if msg.Image != "" {
		fmt.Fprintf(&b, "\n\nImage: %s", msg.Image)
	}
	fmt.Fprintf(&b, "\n\nSeverity: %s\n-- \n%s\n", msg.Severity, s.opts.Footer())
	m.SetBody("text/plain", b.String())
	return m
}

func messageID(id string) string {
	return "<" + id + "@" + BotName + ">"
}

func (s *SMTP) send(ctx context.Context, m *gomail.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// Send mails msg.
func (s *SMTP) Send(ctx context.Context, msg Message) (Handle, error) {
	id := uuid.NewString()
	if err := s.send(ctx, s.compose(id, msg, "")); err != nil {
		return Handle{}, err
	}
	s.logger.Debug("Mail sent.", zap.String("id", id), zap.String("title", msg.Title))
	return Handle{ID: id, Message: msg}, nil
}

// Edit mails the new content as a reply to h. The handle keeps its id so
// later edits thread on the same original.
func (s *SMTP) Edit(ctx context.Context, h Handle, msg Message) (Handle, error) {
	if err := s.send(ctx, s.compose(uuid.NewString(), msg, h.ID)); err != nil {
		return h, err
	}
	return Handle{ID: h.ID, Message: msg}, nil
}

// Delete is a no-op.
func (s *SMTP) Delete(_ context.Context, h Handle) error {
	s.logger.Debug("Mail cannot be recalled, ignoring delete.", zap.String("id", h.ID))
	return nil
}
