package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/courierhq/courier/internal/store"
)

// Message is the fully rendered email handed to the transport.
type Message struct {
	To       string
	ToName   string
	Subject  string
	HTML     string
	Text     string
	From     string
	FromName string
	Headers  map[string]string
}

// Transport delivers one message through the profile's SMTP server and
// returns the provider message id.
type Transport interface {
	Send(ctx context.Context, profile *store.SMTPProfile, msg *Message) (string, error)
}

// SMTPTransport sends through the profile's own SMTP server using a
// per-send dialer; profiles are tenant-owned so connections are not pooled
// across them.
type SMTPTransport struct {
	timeout time.Duration
}

// NewSMTPTransport creates the production transport
func NewSMTPTransport(timeout time.Duration) *SMTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPTransport{timeout: timeout}
}

// Send delivers the message. The message id is generated locally and
// stamped into the Message-ID header, since SMTP does not echo one back.
func (t *SMTPTransport) Send(ctx context.Context, profile *store.SMTPProfile, msg *Message) (string, error) {
	from := msg.From
	if from == "" {
		from = profile.FromEmail
	}
	fromName := msg.FromName
	if fromName == "" {
		fromName = profile.FromName
	}

	domain := from
	if at := strings.LastIndex(from, "@"); at >= 0 {
		domain = from[at+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", from, fromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	for name, value := range msg.Headers {
		m.SetHeader(name, value)
	}
	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	} else {
		m.SetBody("text/html", msg.HTML)
	}

	dialer := gomail.NewDialer(profile.Host, profile.Port, profile.Username, profile.Password)

	// gomail has no context plumbing; run the dial-and-send in a
	// goroutine so the deadline still applies
	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- dialer.DialAndSend(m)
	}()

	select {
	case <-sendCtx.Done():
		return "", transientError(sendCtx.Err(), "smtp send timed out after %s", t.timeout)
	case err := <-done:
		if err != nil {
			return "", classifyTransportError(err)
		}
	}
	return messageID, nil
}

// authPatterns match SMTP responses that indicate bad credentials
var authPatterns = []string{
	"535",
	"authentication failed",
	"authentication required",
	"username and password not accepted",
	"invalid credentials",
}

// classifyTransportError maps an SMTP-level error onto the send error
// taxonomy. Bounce-shaped rejections keep their raw text so the bounce
// classifier can inspect it downstream; auth failures are permanent;
// everything else is a transient infrastructure fault.
func classifyTransportError(err error) *SendError {
	text := strings.ToLower(err.Error())
	for _, pattern := range authPatterns {
		if strings.Contains(text, pattern) {
			return &SendError{
				Kind:         KindAuth,
				Message:      "smtp authentication failed",
				SMTPResponse: err.Error(),
				Err:          err,
			}
		}
	}
	return &SendError{
		Kind:         KindTransient,
		Message:      "smtp send failed",
		SMTPResponse: err.Error(),
		Err:          err,
	}
}
