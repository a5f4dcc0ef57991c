// Package delivery implements the transports that carry verification codes
// to users: SMTP for email magic links and OTPs, and an HTTP webhook for
// SMS gateways.
package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gatehouse-io/gatehouse/internal/auth"
)

// SMTPConfig describes the outbound mail server.
//
// TLS selects the connection mode:
//   - true:  implicit TLS (SMTPS, typically port 465) via tls.Dial
//   - false: plaintext or STARTTLS (typically port 587) via smtp.SendMail
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
}

// EmailSender delivers verification emails over SMTP.
type EmailSender struct {
	cfg     SMTPConfig
	subject string
	logger  *zap.Logger
}

// NewEmailSender creates an EmailSender. subject is used for every message;
// an empty subject falls back to a generic one.
func NewEmailSender(cfg SMTPConfig, subject string, logger *zap.Logger) *EmailSender {
	if subject == "" {
		subject = "Sign in to your account"
	}
	return &EmailSender{
		cfg:     cfg,
		subject: subject,
		logger:  logger.Named("email_sender"),
	}
}

// SendVerificationRequest satisfies the provider delivery hook. Magic-link
// requests get the URL in the body; OTP requests get the raw code.
func (s *EmailSender) SendVerificationRequest(ctx context.Context, req auth.VerificationRequest) error {
	body := s.buildBody(req)
	msg := buildEmail(s.cfg.From, []string{req.Identifier}, s.subject, body)
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))

	var err error
	if s.cfg.TLS {
		err = s.sendTLS(addr, []string{req.Identifier}, msg)
	} else {
		err = s.sendPlain(addr, []string{req.Identifier}, msg)
	}
	if err != nil {
		return err
	}

	s.logger.Info("verification email sent",
		zap.String("to", auth.Redact(req.Identifier)),
		zap.Time("expires", req.Expires))
	return nil
}

func (s *EmailSender) buildBody(req auth.VerificationRequest) string {
	var sb strings.Builder
	if req.URL != "" {
		sb.WriteString("Click the link below to sign in:\r\n\r\n")
		sb.WriteString(req.URL)
		sb.WriteString("\r\n\r\n")
	} else {
		sb.WriteString("Your sign-in code is: ")
		sb.WriteString(req.Token)
		sb.WriteString("\r\n\r\n")
	}
	sb.WriteString("This code expires at ")
	sb.WriteString(req.Expires.UTC().Format(time.RFC1123))
	sb.WriteString(". If you did not request it, you can ignore this email.\r\n")
	return sb.String()
}

// sendPlain uses smtp.SendMail which handles both plaintext and STARTTLS
// negotiation automatically. Suitable for port 25 and 587.
func (s *EmailSender) sendPlain(addr string, to []string, msg []byte) error {
	var smtpAuth smtp.Auth
	if s.cfg.Username != "" {
		smtpAuth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if err := smtp.SendMail(addr, smtpAuth, s.cfg.From, to, msg); err != nil {
		return fmt.Errorf("smtp.SendMail: %w", err)
	}
	return nil
}

// sendTLS establishes an implicit TLS connection (SMTPS) before the SMTP
// handshake. Required for servers that expect TLS from the first byte
// (port 465).
func (s *EmailSender) sendTLS(addr string, to []string, msg []byte) error {
	tlsCfg := &tls.Config{
		ServerName: s.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("tls.Dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp.NewClient: %w", err)
	}
	defer client.Close()

	if s.cfg.Username != "" {
		smtpAuth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(smtpAuth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, r := range to {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", r, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}

	return client.Quit()
}

// buildEmail composes a minimal RFC 5322 email message.
func buildEmail(from string, to []string, subject, body string) []byte {
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
