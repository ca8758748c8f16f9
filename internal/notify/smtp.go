// Package notify delivers new-bill alerts over SMTP. It satisfies the
// entity.Notifier interface and is wired in only when notify_smtp is
// configured.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/cmonsalves/billwatch/internal/bill"
	"github.com/cmonsalves/billwatch/internal/config"
)

// Mailer sends one plain-text summary mail per new bill.
type Mailer struct {
	cfg    config.SMTP
	logger *slog.Logger
}

// NewMailer creates a Mailer from the notify_smtp configuration.
func NewMailer(cfg config.SMTP, logger *slog.Logger) *Mailer {
	return &Mailer{cfg: cfg, logger: logger}
}

// NotifyNewBill composes and sends the alert.
func (m *Mailer) NotifyNewBill(_ context.Context, rec *bill.Record) error {
	from := m.cfg.From
	if from == "" {
		from = m.cfg.Username
	}

	subject := fmt.Sprintf("New bill: %s", rec.Service)
	if total, ok := rec.TotalDue(); ok {
		subject = fmt.Sprintf("New bill: %s, $%s", rec.Service, total.String())
	}

	message := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		from, m.cfg.To, subject, time.Now().UTC().Format(time.RFC1123Z), summarize(rec),
	)

	if err := m.send(from, []byte(message)); err != nil {
		return fmt.Errorf("send alert for %s: %w", rec.Service, err)
	}
	m.logger.Info("alert sent", "service", rec.Service, "to", m.cfg.To)
	return nil
}

func summarize(rec *bill.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service: %s\r\nMessage: %s\r\nComplete: %v\r\n\r\n", rec.Service, rec.MessageID, rec.Complete)

	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := rec.Fields[name]
		switch v.Type {
		case bill.TypeCurrency:
			fmt.Fprintf(&b, "%s: $%s\r\n", name, v.Amount.String())
		case bill.TypeDate:
			fmt.Fprintf(&b, "%s: %s\r\n", name, v.Date.Format("2006-01-02"))
		case bill.TypeInteger:
			fmt.Fprintf(&b, "%s: %d\r\n", name, v.Int)
		default:
			fmt.Fprintf(&b, "%s: %s\r\n", name, v.Text)
		}
	}
	if len(rec.Missing) > 0 {
		fmt.Fprintf(&b, "\r\nMissing fields: %s\r\n", strings.Join(rec.Missing, ", "))
	}
	return b.String()
}

func (m *Mailer) send(from string, message []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))

	var client *smtp.Client
	var err error

	if m.cfg.UseTLS {
		tlsConfig := &tls.Config{ServerName: m.cfg.Host}
		conn, dialErr := tls.Dial("tcp", addr, tlsConfig)
		if dialErr != nil {
			return fmt.Errorf("smtp tls dial %s: %w", addr, dialErr)
		}
		client, err = smtp.NewClient(conn, m.cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("smtp new client: %w", err)
		}
	} else {
		client, err = smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("smtp dial %s: %w", addr, err)
		}
		// Try STARTTLS if available.
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{ServerName: m.cfg.Host}
			if err := client.StartTLS(tlsConfig); err != nil {
				m.logger.Warn("STARTTLS failed, continuing without TLS", "error", err)
			}
		}
	}
	defer client.Close()

	// Authenticate if credentials are provided.
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(m.cfg.To); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	return client.Quit()
}
