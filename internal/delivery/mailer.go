// Package delivery emails exported artifacts.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	gomail "github.com/wneessen/go-mail"
)

const (
	DefaultSubject = "Invoices from PrimeTime"
	DefaultText    = "Please find your invoice attached."
	DefaultHTML    = `<html><body><p>Hello,<br><br>Please find your invoice attached.<br><br>Best regards,<br><strong>Primetime Logistic Services</strong></p>{{logo}}</body></html>`
)

const logoSlot = "{{logo}}"

var (
	ErrNoRecipient = errors.New("delivery: invalid recipient")
	ErrNoSender    = errors.New("delivery: sender not configured")
)

// Config holds sender settings. Port 465 means implicit TLS, any other port
// upgrades with STARTTLS when the server offers it.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	Text     string
	HTML     string // "{{logo}}" marks where the inline logo goes
	Logo     string // optional image embedded as a related part
	Timeout  time.Duration
}

// Transport hands a finished message to a mail server.
type Transport interface {
	Send(ctx context.Context, msg *gomail.Msg) error
}

// Mailer sends one artifact per message. Failures are returned once, no retry.
type Mailer struct {
	cfg       Config
	transport Transport
	now       func() time.Time
}

func NewMailer(cfg Config) *Mailer {
	return NewMailerWith(cfg, &smtpTransport{cfg: cfg})
}

func NewMailerWith(cfg Config, t Transport) *Mailer {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Text == "" {
		cfg.Text = DefaultText
	}
	if cfg.HTML == "" {
		cfg.HTML = DefaultHTML
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &Mailer{cfg: cfg, transport: t, now: time.Now}
}

// Send mails the artifact at path to recipient as a PDF attachment.
func (m *Mailer) Send(ctx context.Context, path, recipient string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	msg, err := m.Build(recipient, filepath.Base(path), data)
	if err != nil {
		return err
	}

	to := strings.TrimSpace(recipient)
	start := time.Now()
	if err := m.transport.Send(ctx, msg); err != nil {
		log.Error().Err(err).Str("to", to).Str("file", filepath.Base(path)).Msg("email delivery failed")
		return fmt.Errorf("send mail: %w", err)
	}
	log.Info().
		Str("to", to).
		Str("file", filepath.Base(path)).
		Int("bytes", len(data)).
		Dur("elapsed", time.Since(start)).
		Msg("email sent")
	return nil
}

// Build assembles the message: a text body with an HTML alternative, the
// logo as an inline part when configured, and the artifact as attachment.
func (m *Mailer) Build(recipient, name string, data []byte) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.To(strings.TrimSpace(recipient)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRecipient, err)
	}
	if m.cfg.From == "" {
		return nil, ErrNoSender
	}
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSender, err)
	}

	domain := "localhost"
	if _, d, ok := strings.Cut(m.cfg.From, "@"); ok {
		domain = strings.TrimSuffix(d, ">")
	}
	msg.Subject(m.cfg.Subject)
	msg.SetDateWithValue(m.now())
	msg.SetMessageIDWithValue(uuid.NewString() + "@" + domain)

	html := m.cfg.HTML
	if m.cfg.Logo != "" {
		logo, err := os.ReadFile(m.cfg.Logo)
		if err != nil {
			return nil, fmt.Errorf("read logo: %w", err)
		}
		cid := "logo" + filepath.Ext(m.cfg.Logo)
		if err := msg.EmbedReader(cid, bytes.NewReader(logo)); err != nil {
			return nil, fmt.Errorf("embed logo: %w", err)
		}
		img := fmt.Sprintf(`<img src="cid:%s" alt="Company Logo" style="height:80px; margin-top:20px;">`, cid)
		if strings.Contains(html, logoSlot) {
			html = strings.Replace(html, logoSlot, img, 1)
		} else {
			html = strings.Replace(html, "</body>", img+"</body>", 1)
		}
	}
	html = strings.ReplaceAll(html, logoSlot, "")

	msg.SetBodyString(gomail.TypeTextPlain, m.cfg.Text)
	msg.AddAlternativeString(gomail.TypeTextHTML, html)
	if err := msg.AttachReader(name, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("attach %s: %w", name, err)
	}
	return msg, nil
}

// smtpTransport dials per message; deliveries are rare and user-triggered.
type smtpTransport struct {
	cfg Config
}

func (t *smtpTransport) Send(ctx context.Context, msg *gomail.Msg) error {
	if t.cfg.Host == "" {
		return errors.New("smtp host not configured")
	}
	port := t.cfg.Port
	if port == 0 {
		port = 465
	}
	timeout := t.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []gomail.Option{gomail.WithPort(port), gomail.WithTimeout(timeout)}
	if port == 465 {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(t.cfg.Username),
			gomail.WithPassword(t.cfg.Password),
		)
	}
	client, err := gomail.NewClient(t.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}
