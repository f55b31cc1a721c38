package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPTransport delivers envelopes through a relay. Recipients go in Bcc
// so members of one batch do not see each other.
type SMTPTransport struct {
	Addr     string
	Username string
	Password string

	sendMail sendMailFunc
	now      func() time.Time
}

// NewSMTPTransport creates a transport for host:port. Username enables
// PLAIN auth.
func NewSMTPTransport(addr, username, password string) *SMTPTransport {
	return &SMTPTransport{
		Addr:     addr,
		Username: username,
		Password: password,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

func (t *SMTPTransport) Send(ctx context.Context, env Envelope) (string, error) {
	if len(env.To) == 0 {
		return "", fmt.Errorf("smtp send: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	host, _, err := net.SplitHostPort(t.Addr)
	if err != nil {
		return "", fmt.Errorf("smtp send: bad address %q: %w", t.Addr, err)
	}
	domain := "kafpage"
	if i := strings.LastIndex(env.From, "@"); i >= 0 {
		domain = env.From[i+1:]
	}
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)

	var auth smtp.Auth
	if t.Username != "" {
		auth = smtp.PlainAuth("", t.Username, t.Password, host)
	}
	msg := buildMessage(env, id, t.now())
	if err := t.sendMail(t.Addr, auth, env.From, env.To, msg); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return id, nil
}

func buildMessage(env Envelope, messageID string, date time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", env.From)
	fmt.Fprintf(&b, "To: undisclosed-recipients:;\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", env.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-Id: %s\r\n", messageID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(env.Body, "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes()
}
