// Package mail delivers account-recovery email over SMTP. Delivery is best
// effort: the caller logs failures but never surfaces them to the requester,
// so the recovery endpoint stays enumeration-safe.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotConfigured is returned when SMTP settings are absent. Callers
	// treat it as "delivery impossible", not as a server fault.
	ErrNotConfigured = errors.New("mail: smtp not configured")

	// ErrSendFailed wraps any transport-level delivery failure.
	ErrSendFailed = errors.New("mail: send failed")
)

// Config holds the SMTP settings plus the public base URL used to build
// links. Populated from the environment at startup.
type Config struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USER"`
	Password string `env:"SMTP_PASS"`
	From     string `env:"SMTP_FROM"`
	TLS      bool   `env:"SMTP_TLS" envDefault:"false"` // implicit TLS (port 465)

	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`
}

// Mailer sends account mail. A Mailer with no SMTP host configured returns
// ErrNotConfigured from every send.
type Mailer struct {
	cfg Config
	log *zap.Logger
}

// NewMailer returns a Mailer for the given configuration.
func NewMailer(cfg Config, logger *zap.Logger) *Mailer {
	return &Mailer{cfg: cfg, log: logger.Named("mail")}
}

// Configured reports whether SMTP delivery is possible.
func (m *Mailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.From != ""
}

// MagicLinkURL builds the login link for a recovery token.
func (m *Mailer) MagicLinkURL(token string) string {
	return strings.TrimRight(m.cfg.BaseURL, "/") + "/verify.html?token=" + url.QueryEscape(token)
}

// SendMagicLink emails a one-time login link to the recovery address.
func (m *Mailer) SendMagicLink(ctx context.Context, to, username, token string) error {
	if !m.Configured() {
		return ErrNotConfigured
	}

	link := m.MagicLinkURL(token)
	body := fmt.Sprintf(
		"Hello %s,\r\n\r\n"+
			"A login link was requested for your account. Open the link below to sign in:\r\n\r\n"+
			"%s\r\n\r\n"+
			"The link works once and expires in 15 minutes. If you did not request it, you can ignore this message.\r\n",
		username, link)

	return m.send(ctx, []string{to}, "Your login link", body)
}

// send delivers a message to the recipients. Two connection modes, selected
// by Config.TLS:
//   - true:  implicit TLS (SMTPS, typically port 465) via tls.Dial
//   - false: plaintext or STARTTLS (typically port 587) via smtp.SendMail
func (m *Mailer) send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrSendFailed, err)
	}

	msg := buildMessage(m.cfg.From, to, subject, body)
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))

	if m.cfg.TLS {
		return m.sendTLS(addr, to, msg)
	}
	return m.sendPlain(addr, to, msg)
}

// sendPlain uses smtp.SendMail, which negotiates STARTTLS when the server
// offers it. Suitable for ports 25 and 587.
func (m *Mailer) sendPlain(addr string, to []string, msg []byte) error {
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, to, msg); err != nil {
		return fmt.Errorf("%w: smtp.SendMail: %s", ErrSendFailed, err)
	}
	return nil
}

// sendTLS establishes an implicit TLS connection before the SMTP handshake,
// for servers that expect TLS from the first byte (port 465).
func (m *Mailer) sendTLS(addr string, to []string, msg []byte) error {
	tlsCfg := &tls.Config{
		ServerName: m.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("%w: tls.Dial: %s", ErrSendFailed, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("%w: smtp.NewClient: %s", ErrSendFailed, err)
	}
	defer client.Close()

	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: smtp auth: %s", ErrSendFailed, err)
		}
	}

	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %s", ErrSendFailed, err)
	}
	for _, r := range to {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("%w: RCPT TO %s: %s", ErrSendFailed, r, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %s", ErrSendFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("%w: write body: %s", ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close DATA: %s", ErrSendFailed, err)
	}

	return client.Quit()
}

// buildMessage composes a minimal RFC 5322 message.
func buildMessage(from string, to []string, subject, body string) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}
