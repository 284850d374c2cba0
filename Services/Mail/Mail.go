package mail

import (
	"context"
	"fmt"
	"html"
	"log"
	"os"
	"time"

	"github.com/resend/resend-go/v2"

	Utils "zuum/Utils"
)

// Sender delivers one html email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

var Default Sender = logSender{}

func InitMail() {
	apiKey := os.Getenv("MAIL_API_KEY")
	sender := Utils.GetEnvAsString("MAIL_SENDER", "Zuum <no-reply@zuum.app>")
	if apiKey == "" {
		log.Println("Warning: MAIL_API_KEY not set, emails will only be logged")
		return
	}

	Default = &ResendSender{client: resend.NewClient(apiKey), from: sender}
	log.Printf("Mail initialized! API Key: %s, Sender: %s", Utils.MaskSecret(apiKey), sender)
}

// ResendSender sends through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}

	response, err := s.client.Emails.Send(params)
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	log.Printf("Mail: sent %q to %s (id %s)", subject, to, response.Id)
	return nil
}

type logSender struct{}

func (logSender) Send(_ context.Context, to, subject, _ string) error {
	log.Printf("Mail: (not configured) would send %q to %s", subject, to)
	return nil
}

// SendAsync sends in the background. Failures are logged and never reach the caller.
func SendAsync(to, subject, body string) {
	sender := Default
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sender.Send(ctx, to, subject, body); err != nil {
			log.Printf("SendAsync: failed to send %q to %s: %v", subject, to, err)
		}
	}()
}

func OTPEmail(code, purpose string, validity time.Duration) (subject, body string) {
	switch purpose {
	case "reset":
		subject = "Reset your Zuum password"
	default:
		subject = "Verify your Zuum account"
	}
	body = fmt.Sprintf(
		"<p>Your one-time code is <strong>%s</strong>.</p><p>It expires in %d minutes. If you did not request it, ignore this email.</p>",
		html.EscapeString(code), int(validity.Minutes()),
	)
	return subject, body
}

func BeatDeliveryEmail(title, link string) (subject, body string) {
	subject = "Your beat is ready to download"
	body = fmt.Sprintf(
		"<p>Thanks for your purchase of <strong>%s</strong>.</p><p><a href=\"%s\">Download it here</a>. The link is valid for 24 hours.</p>",
		html.EscapeString(title), html.EscapeString(link),
	)
	return subject, body
}
