// ABOUTME: SMTP email provider: markdown body rendered to HTML with goldmark
// ABOUTME: Connection settings come from the target's smtp auth config, then defaults

package outbound

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/2389/coven-inbox/internal/normalize"
)

// SMTPConfig holds connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailProvider sends over SMTP.
type EmailProvider struct {
	defaults SMTPConfig
	sendMail sendMailFunc
	now      func() time.Time
}

// NewEmailProvider creates an SMTP provider.
func NewEmailProvider(defaults SMTPConfig) *EmailProvider {
	return &EmailProvider{defaults: defaults, sendMail: smtp.SendMail, now: time.Now}
}

func (p *EmailProvider) Name() string { return normalize.ChannelEmail }

// Send renders and sends msg. The returned id is the generated Message-Id.
func (p *EmailProvider) Send(_ context.Context, msg Message) (string, error) {
	cfg := p.configFor(msg)
	if cfg.Host == "" || cfg.From == "" {
		return "", errors.New("smtp host and from address are required")
	}
	to, ok := normalize.EmailAddress(msg.To)
	if !ok {
		return "", fmt.Errorf("invalid recipient %q", msg.To)
	}

	html, err := RenderMarkdown(msg.Body)
	if err != nil {
		return "", err
	}

	messageID := "<" + uuid.New().String() + "@" + domainOf(cfg.From) + ">"
	raw, err := buildMIME(cfg.From, to, msg, messageID, html, p.now())
	if err != nil {
		return "", err
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	if err := p.sendMail(addr, auth, cfg.From, []string{to}, raw); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return messageID, nil
}

// configFor overlays the target's smtp settings on the defaults.
func (p *EmailProvider) configFor(msg Message) SMTPConfig {
	cfg := p.defaults
	if msg.Target == nil {
		return cfg
	}
	sub, _ := msg.Target.AuthConfig["smtp"].(map[string]any)
	str := func(m map[string]any, k string) string {
		s, _ := m[k].(string)
		return s
	}
	if v := str(sub, "host"); v != "" {
		cfg.Host = v
	}
	switch v := sub["port"].(type) {
	case float64:
		cfg.Port = int(v)
	case int:
		cfg.Port = v
	}
	if v := str(sub, "username"); v != "" {
		cfg.Username = v
	}
	if v := str(sub, "password"); v != "" {
		cfg.Password = v
	}
	for _, v := range []string{str(sub, "from_email"), str(sub, "from"), str(msg.Target.AuthConfig, "from_email"), msg.Target.Address} {
		if v != "" {
			cfg.From = v
			break
		}
	}
	return cfg
}

// RenderMarkdown converts a markdown body to HTML.
func RenderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}

func buildMIME(from, to string, msg Message, messageID, html string, now time.Time) ([]byte, error) {
	boundary := randomBoundary()
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }

	header("From", from)
	header("To", to)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", now.UTC().Format(time.RFC1123Z))
	header("Message-Id", messageID)
	if msg.InReplyTo != "" {
		header("In-Reply-To", msg.InReplyTo)
	}
	refs := msg.References
	if msg.InReplyTo != "" {
		refs = append(append([]string{}, refs...), msg.InReplyTo)
	}
	if len(refs) > 0 {
		header("References", strings.Join(refs, " "))
	}
	header("MIME-Version", "1.0")
	header("Content-Type", `multipart/alternative; boundary="`+boundary+`"`)
	b.WriteString("\r\n")

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", msg.Body},
		{"text/html; charset=utf-8", html},
	} {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		header("Content-Type", part.contentType)
		header("Content-Transfer-Encoding", "quoted-printable")
		b.WriteString("\r\n")
		w := quotedprintable.NewWriter(&b)
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.Bytes(), nil
}

func randomBoundary() string {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	return "coven-" + hex.EncodeToString(buf[:])
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}
