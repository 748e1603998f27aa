// Package notify delivers lifecycle notification emails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"
)

type Message struct {
	To          []string `json:"to"`
	Cc          []string `json:"cc,omitempty"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	HTML        bool     `json:"html"`
	Attachments []string `json:"attachments,omitempty"`
}

// Notifier sends one message. Send must return once ctx ends.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	SSL      bool
	Timeout  time.Duration
}

// SMTP submits messages to a relay with go-mail.
type SMTP struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

func NewSMTP(cfg SMTPConfig, logger *slog.Logger) *SMTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTP{cfg: cfg, logger: logger}
}

func (s *SMTP) client() (*mail.Client, error) {
	opts := []mail.Option{mail.WithTimeout(s.cfg.Timeout)}
	if s.cfg.SSL {
		opts = append(opts, mail.WithSSLPort(false))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	if s.cfg.Port > 0 {
		opts = append(opts, mail.WithPort(s.cfg.Port))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return mail.NewClient(s.cfg.Host, opts...)
}

// Build renders msg as a go-mail message. Attachments that do not exist on
// disk are skipped.
func (s *SMTP) Build(msg Message) (*mail.Msg, error) {
	if len(msg.To) == 0 {
		return nil, errors.New("notify: message has no recipients")
	}
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("notify: from: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("notify: to: %w", err)
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("notify: cc: %w", err)
		}
	}
	m.Subject(msg.Subject)
	contentType := mail.TypeTextPlain
	if msg.HTML {
		contentType = mail.TypeTextHTML
	}
	m.SetBodyString(contentType, msg.Body)
	for _, path := range msg.Attachments {
		if _, err := os.Stat(path); err != nil {
			s.logger.Warn("attachment not found", "path", path)
			continue
		}
		m.AttachFile(path, mail.WithFileName(filepath.Base(path)))
	}
	return m, nil
}

func (s *SMTP) Send(ctx context.Context, msg Message) error {
	m, err := s.Build(msg)
	if err != nil {
		return err
	}
	c, err := s.client()
	if err != nil {
		return fmt.Errorf("notify: smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("notify: %w", ctx.Err())
		}
		return fmt.Errorf("notify: send %q: %w", msg.Subject, err)
	}
	s.logger.Info("email sent", "subject", msg.Subject, "to", strings.Join(msg.To, ","), "cc", len(msg.Cc))
	return nil
}

// Recorder keeps messages in memory. Fail, when set, decides per message
// whether Send returns an error.
type Recorder struct {
	Fail func(ctx context.Context, msg Message) error

	mu   sync.Mutex
	sent []Message
}

func (r *Recorder) Send(ctx context.Context, msg Message) error {
	if r.Fail != nil {
		if err := r.Fail(ctx, msg); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

// Lists holds the recipient lists and welcome attachments.
type Lists struct {
	Confirmation          []string `yaml:"confirmation" json:"confirmation"`
	ConfirmationTechnical []string `yaml:"confirmation_technical" json:"confirmation_technical"`
	WelcomeCc             []string `yaml:"welcome_cc" json:"welcome_cc"`
	WelcomeCcTechnical    []string `yaml:"welcome_cc_technical" json:"welcome_cc_technical"`
	Attachments           []string `yaml:"attachments" json:"attachments"`
	CompanyName           string   `yaml:"company_name" json:"company_name"`
}

// Acceptance is what the confirmation and welcome messages talk about.
type Acceptance struct {
	ExternalID string
	FirstName  string
	SecondName string
	Login      string
	Mail       string
	Password   string
	Technical  bool
}

// ConfirmationMessage tells the internal list which credentials were issued.
func (l Lists) ConfirmationMessage(a Acceptance) Message {
	to := l.Confirmation
	if a.Technical {
		to = l.ConfirmationTechnical
	}
	return Message{
		To:      to,
		Subject: "Подтверждение приема " + a.ExternalID,
		Body: fmt.Sprintf("%s - учетная запись\n%s - почта\n%s - пароль для первого входа в учетную запись",
			a.Login, a.Mail, a.Password),
	}
}

// WelcomeMessage greets the new mailbox owner.
func (l Lists) WelcomeMessage(a Acceptance) Message {
	cc := l.WelcomeCc
	if a.Technical {
		cc = l.WelcomeCcTechnical
	}
	company := l.CompanyName
	if company == "" {
		company = "СтройТехноИнженеринг"
	}
	body := fmt.Sprintf(`<html>
<head><meta charset="utf-8"><title>Добро пожаловать в компанию!</title></head>
<body>
<h1>Добро пожаловать в компанию %s!</h1>
<p>%s, мы рады приветствовать вас в нашей команде.</p>
<p>В приложении вы найдете полезные материалы для начала работы.</p>
<br>
<p>С уважением,<br>Команда %s</p>
</body>
</html>
`, html.EscapeString(company), html.EscapeString(strings.TrimSpace(a.FirstName)), html.EscapeString(company))
	return Message{
		To:          []string{a.Mail},
		Cc:          cc,
		Subject:     fmt.Sprintf("Добро пожаловать в компанию! %s %s !", a.FirstName, a.SecondName),
		Body:        body,
		HTML:        true,
		Attachments: l.Attachments,
	}
}
