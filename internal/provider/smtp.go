package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/textproto"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTP implements the Provider interface by relaying through an SMTP
// submission server. One connection carries the batch; each recipient gets
// their own transaction with a personalized copy. In test mode the
// transaction is reset after RCPT so recipients are validated but nothing is
// delivered.
type SMTP struct {
	addr     string
	host     string
	tlsMode  string
	username string
	password string
	timeout  time.Duration
	dial     func(addr string) (*smtp.Client, error)
}

// NewSMTP creates an SMTP relay provider from the given configuration.
func NewSMTP(cfg ProviderConfig) *SMTP {
	s := &SMTP{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:     cfg.Host,
		tlsMode:  cfg.TLSMode,
		username: cfg.Username,
		password: cfg.Password,
		timeout:  cfg.Timeout,
	}
	tlsConfig := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	switch cfg.TLSMode {
	case "implicit":
		s.dial = func(addr string) (*smtp.Client, error) { return smtp.DialTLS(addr, tlsConfig) }
	case "none":
		s.dial = smtp.Dial
	default:
		s.dial = func(addr string) (*smtp.Client, error) { return smtp.DialStartTLS(addr, tlsConfig) }
	}
	return s
}

func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) connect(ctx context.Context) (*smtp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := s.dial(s.addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: dial %s: %w", s.addr, err)
	}
	if s.timeout > 0 {
		c.CommandTimeout = s.timeout
		c.SubmissionTimeout = s.timeout
	}
	if s.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			c.Close()
			return nil, fmt.Errorf("smtp: auth: %w", err)
		}
	}
	return c, nil
}

func (s *SMTP) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	receipt := &Receipt{Timestamp: time.Now(), Metadata: map[string]string{"relay": s.addr}}
	for _, r := range msg.To {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.Mail(msg.From.Email, nil); err != nil {
			return nil, fmt.Errorf("smtp: mail from: %w", err)
		}
		if err := c.Rcpt(r.Email, nil); err != nil {
			return nil, fmt.Errorf("smtp: rcpt to %s: %w", r.Email, err)
		}
		if msg.TestMode {
			if err := c.Reset(); err != nil {
				return nil, fmt.Errorf("smtp: reset: %w", err)
			}
			receipt.Accepted++
			continue
		}

		body, id, err := s.buildMIME(msg, r)
		if err != nil {
			return nil, err
		}
		w, err := c.Data()
		if err != nil {
			return nil, fmt.Errorf("smtp: data: %w", err)
		}
		if _, err := w.Write(body); err != nil {
			w.Close()
			return nil, fmt.Errorf("smtp: write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("smtp: close data for %s: %w", r.Email, err)
		}
		if receipt.ProviderMessageID == "" {
			receipt.ProviderMessageID = id
		}
		receipt.Accepted++
	}

	if err := c.Quit(); err != nil {
		return nil, fmt.Errorf("smtp: quit: %w", err)
	}
	return receipt, nil
}

// HealthCheck opens a session, authenticates and sends NOOP.
func (s *SMTP) HealthCheck(ctx context.Context) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Noop(); err != nil {
		return fmt.Errorf("smtp: noop: %w", err)
	}
	return c.Quit()
}

// buildMIME renders a multipart/alternative message for one recipient.
func (s *SMTP) buildMIME(msg *Message, r Recipient) ([]byte, string, error) {
	subject, htmlPart, textPart := personalizedCopy(msg, r)
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.host)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", msg.From.String())
	header("To", r.Email)
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", time.Now().Format(time.RFC1123Z))
	header("Message-ID", id)
	header("MIME-Version", "1.0")
	if !msg.ReplyTo.IsZero() {
		header("Reply-To", msg.ReplyTo.String())
	}
	if msg.CampaignID != "" {
		header("X-Campaign-ID", msg.CampaignID)
	}
	for k, v := range msg.Headers {
		header(k, v)
	}
	header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	for _, part := range []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", textPart},
		{"text/html; charset=utf-8", htmlPart},
	} {
		if part.body == "" {
			continue
		}
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, "", fmt.Errorf("smtp: create part: %w", err)
		}
		qp := quotedprintable.NewWriter(pw)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, "", fmt.Errorf("smtp: encode part: %w", err)
		}
		if err := qp.Close(); err != nil {
			return nil, "", fmt.Errorf("smtp: encode part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("smtp: close multipart: %w", err)
	}
	return buf.Bytes(), id, nil
}
