// Package mailer sends plain-text notification mail over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Server describes an SMTP relay.
type Server struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// InsecureSkipVerify disables certificate checks for STARTTLS.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// Address returns host:port, defaulting the port to 25.
func (s Server) Address() string {
	port := s.Port
	if port == 0 {
		port = 25
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Message is a single plain-text mail.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Sender delivers messages through a server.
type Sender interface {
	Send(ctx context.Context, server Server, msg Message) error
}

// Mailer is the SMTP Sender.
type Mailer struct {
	// Timeout bounds the whole SMTP conversation.
	Timeout time.Duration

	logger zerolog.Logger
}

// New returns a mailer with a 30 second timeout.
func New(logger zerolog.Logger) *Mailer {
	return &Mailer{Timeout: 30 * time.Second, logger: logger}
}

var _ Sender = (*Mailer)(nil)

// replacer strips CR/LF from header values so they cannot inject headers.
var replacer = strings.NewReplacer("\r\n", "", "\r", "", "\n", "", "%0a", "", "%0d", "")

// Send delivers msg. STARTTLS is used when the server offers it and PLAIN
// auth when credentials are set.
func (m *Mailer) Send(ctx context.Context, server Server, msg Message) error {
	if server.Host == "" {
		return errors.New("smtp host is required")
	}
	if len(msg.To) == 0 {
		return errors.New("at least one recipient is required")
	}
	if msg.From == "" {
		return errors.New("sender address is required")
	}

	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	m.logger.Info().
		Str("server", server.Address()).
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("sending mail")

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", server.Address())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", server.Address(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, server.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer func() {
		_ = c.Close()
	}()

	if ok, _ := c.Extension("STARTTLS"); ok {
		cfg := &tls.Config{ServerName: server.Host, InsecureSkipVerify: server.InsecureSkipVerify} //nolint:gosec
		if err := c.StartTLS(cfg); err != nil {
			return fmt.Errorf("starttls failed: %w", err)
		}
	}

	if server.Username != "" || server.Password != "" {
		auth := smtp.PlainAuth("", server.Username, server.Password, server.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	from := replacer.Replace(msg.From)
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	to := make([]string, len(msg.To))
	for i, rcpt := range msg.To {
		to[i] = replacer.Replace(rcpt)
		if err := c.Rcpt(to[i]); err != nil {
			return fmt.Errorf("RCPT TO %s rejected: %w", to[i], err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := wc.Write(compose(from, to, replacer.Replace(msg.Subject), msg.Body)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return c.Quit()
}

func compose(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")

	body = strings.ReplaceAll(body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}
