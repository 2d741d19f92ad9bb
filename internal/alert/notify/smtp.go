// internal/alert/notify/smtp.go
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"expense-alerts/internal/common/config"
	stderrors "expense-alerts/internal/common/errors"
)

// SMTPNotifier delivers alert emails over plain SMTP or STARTTLS. It builds
// a multipart/alternative message so clients can pick text or HTML.
type SMTPNotifier struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	from     string
}

func NewSMTPNotifier(cfg config.NotificationConfig) *SMTPNotifier {
	return &SMTPNotifier{
		host:     cfg.SMTP.Host,
		port:     cfg.SMTP.Port,
		username: cfg.SMTP.Username,
		password: cfg.SMTP.Password,
		useTLS:   cfg.SMTP.UseTLS,
		from:     cfg.Email.FromEmail,
	}
}

func (n *SMTPNotifier) Send(ctx context.Context, to, subject, text, html string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled before sending email: %w", err)
	}

	messageID := n.generateMessageID(to)
	message := n.buildMessage(to, subject, text, html, messageID)

	addr := fmt.Sprintf("%s:%d", n.host, n.port)

	var auth smtp.Auth
	if n.username != "" && n.password != "" {
		auth = smtp.PlainAuth("", n.username, n.password, n.host)
	}

	var err error
	if n.useTLS {
		err = n.sendWithTLS(addr, auth, to, []byte(message))
	} else {
		err = smtp.SendMail(addr, auth, n.from, []string{to}, []byte(message))
	}
	if err != nil {
		return "", stderrors.NewNotificationSendFailedError(to, err)
	}

	return messageID, nil
}

func (n *SMTPNotifier) buildMessage(to, subject, text, html, messageID string) string {
	const boundary = "alert-boundary"

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("From: %s\r\n", n.from))
	builder.WriteString(fmt.Sprintf("To: %s\r\n", to))
	builder.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	builder.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	builder.WriteString("MIME-Version: 1.0\r\n")

	if html == "" {
		builder.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		builder.WriteString(text)
		return builder.String()
	}

	builder.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary))
	builder.WriteString(fmt.Sprintf("--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, text))
	builder.WriteString(fmt.Sprintf("--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, html))
	builder.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return builder.String()
}

func (n *SMTPNotifier) sendWithTLS(addr string, auth smtp.Auth, to string, msg []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{
		ServerName: n.host,
	}
	if err = client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("failed to start TLS: %w", err)
	}

	if auth != nil {
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err = client.Mail(n.from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err = client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient %s: %w", to, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data writer: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

func (n *SMTPNotifier) generateMessageID(to string) string {
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), sanitizeLocalPart(to), n.host)
}

func sanitizeLocalPart(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) == 0 {
		return "user"
	}
	local := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, parts[0])
	if len(local) > 10 {
		local = local[:10]
	}
	if local == "" {
		return "user"
	}
	return local
}
